package fluxfs

import "errors"

// Sentinel errors for the mount operation surface. These are checked
// with errors.Is() at the transport boundary and translated to errnos
// there; the core never deals in errno values directly.
var (
	ErrNotFound          = errors.New("node not found")
	ErrNotADirectory     = errors.New("not a directory")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrAlreadyExists     = errors.New("name already exists")
	ErrInvalidDescriptor = errors.New("invalid file descriptor")
	ErrAttributeNotFound = errors.New("extended attribute not found")

	// ErrFileTooLarge rejects writes and truncates that would grow a
	// file's in-memory buffer past MaxFileSize.
	ErrFileTooLarge = errors.New("file too large")

	// ErrUnavailable means the FUSE transport cannot be initialized at
	// all (kernel module absent, /dev/fuse missing). It is fatal at
	// mount creation and never retried.
	ErrUnavailable = errors.New("fuse transport unavailable")

	// ErrMirrorIO wraps disk failures during mirroring. Affected nodes
	// stay queued for a later drain rather than being dropped.
	ErrMirrorIO = errors.New("mirror i/o failure")
)
