// Package version reports build version information for fluxfs
// binaries, preferring values injected at link time and falling back
// to module build info.
package version
