package fluxfs

import (
	"fmt"
	"sync"
)

// FileHandle is one open() session. Position advances on reads and
// writes that go through the handle.
type FileHandle struct {
	FD       uint64
	Path     string
	Flags    uint32
	Position int64
}

// HandleTable tracks open file descriptors for one mount. Descriptor
// values come from a monotonic counter and are never reused while the
// table lives, so a stale fd can never alias a newer open.
type HandleTable struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]*FileHandle
}

// NewHandleTable returns an empty descriptor table.
func NewHandleTable() *HandleTable {
	return &HandleTable{open: make(map[uint64]*FileHandle)}
}

// Allocate opens a new descriptor for path.
func (t *HandleTable) Allocate(path string, flags uint32) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	fd := t.next
	t.open[fd] = &FileHandle{FD: fd, Path: path, Flags: flags}
	return fd
}

// Get returns a snapshot of the handle.
func (t *HandleTable) Get(fd uint64) (FileHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.open[fd]
	if !ok {
		return FileHandle{}, fmt.Errorf("fd %d: %w", fd, ErrInvalidDescriptor)
	}
	return *h, nil
}

// Advance moves the handle position by delta.
func (t *HandleTable) Advance(fd uint64, delta int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.open[fd]
	if !ok {
		return 0, fmt.Errorf("fd %d: %w", fd, ErrInvalidDescriptor)
	}
	h.Position += delta
	return h.Position, nil
}

// Release closes a descriptor. Releasing an unknown fd is reported but
// not fatal; the caller decides whether to log it.
func (t *HandleTable) Release(fd uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[fd]; !ok {
		return fmt.Errorf("release fd %d: %w", fd, ErrInvalidDescriptor)
	}
	delete(t.open, fd)
	return nil
}

// ReleaseAll invalidates every open descriptor; used at teardown.
func (t *HandleTable) ReleaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.open)
	t.open = make(map[uint64]*FileHandle)
	return n
}

// Count reports the number of open descriptors.
func (t *HandleTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
