// Package fluxfs exposes a hierarchical, reactive key/value tree as a
// mountable POSIX-like filesystem and keeps a designated subtree
// synchronized bidirectionally with plain files on disk.
//
// The package is organized around six collaborators:
//
//   - NodeStore: the tree of addressable nodes and its change events
//   - PathIndex: bijective path↔node mapping with stable inode hashing
//   - HandleTable: open file descriptor bookkeeping
//   - Ops: the POSIX-like operation surface (getattr, readdir, read,
//     write, rename, xattrs, statfs, ...)
//   - MirrorEngine: loop-safe two-way sync between the tree and disk
//   - MountManager: mount lifecycle, configuration, statistics
//
// The FUSE transport is isolated in the bazil.org/fuse adapter; the
// operation surface itself is transport-agnostic.
package fluxfs
