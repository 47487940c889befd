// Package util provides shared helpers for the fluxfs filesystem:
// name and path sanitization, stable path-to-inode hashing, and the
// small JSON file read/write primitives the mirror layer builds on.
package util
