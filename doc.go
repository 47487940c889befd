// Package main provides the fluxfs command-line interface.
//
// fluxfs exposes a hierarchical, reactive key/value tree as a real,
// mountable FUSE filesystem, and keeps a designated subtree in two-way
// sync with plain files on disk so other processes can read and write
// tree values without speaking the store's API.
//
// The main binary supports multiple subcommands:
//   - mount: Mount a fluxfs filesystem at a specified mountpoint
//   - seed: Populate a mirror directory with a sample tree
//   - inspect: Inspect and validate a mirror directory
package main
