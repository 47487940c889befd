package fluxfs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
)

func TestErrnoFor(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"not found", ErrNotFound, syscall.ENOENT},
		{"wrapped not found", fmt.Errorf("resolve /x: %w", ErrNotFound), syscall.ENOENT},
		{"not a directory", ErrNotADirectory, syscall.ENOTDIR},
		{"not empty", ErrDirectoryNotEmpty, syscall.ENOTEMPTY},
		{"exists", ErrAlreadyExists, syscall.EEXIST},
		{"bad fd", ErrInvalidDescriptor, syscall.EBADF},
		{"too large", fmt.Errorf("truncate /f: %w", ErrFileTooLarge), syscall.EFBIG},
		{"no xattr", ErrAttributeNotFound, fuse.ErrNoXattr},
		{"anything else", fmt.Errorf("disk on fire"), syscall.EIO},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errnoFor(tt.in); got != tt.want {
				t.Errorf("errnoFor(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFillAttr(t *testing.T) {
	in := Attr{
		Inode:     42,
		Mode:      0o644,
		Size:      1536,
		Nlink:     2,
		UID:       1000,
		GID:       1000,
		BlockSize: BlockSize,
	}
	var out fuse.Attr
	fillAttr(&in, &out, time.Second)

	if out.Inode != 42 || out.Size != 1536 || out.Nlink != 2 {
		t.Errorf("basic fields not copied: %+v", out)
	}
	if out.Blocks != 3 { // 1536 bytes in 512-byte units
		t.Errorf("blocks = %d, want 3", out.Blocks)
	}
	if out.Valid != time.Second {
		t.Errorf("valid = %v, want 1s", out.Valid)
	}
}

func TestLookupSetsEntryTimeout(t *testing.T) {
	mm := newTestManager()
	cfg := testMountConfig(t)
	cfg.AutoSync = false
	m, err := mm.Create(cfg)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer m.Close()

	fd, _ := m.Ops().Create("/child", 0o644)
	m.Ops().Release(fd)

	root := &fuseDir{mount: m, path: "/"}
	var resp fuse.LookupResponse
	node, err := root.Lookup(context.Background(), &fuse.LookupRequest{Name: "child"}, &resp)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, ok := node.(*fuseFile); !ok {
		t.Errorf("Lookup returned %T, want *fuseFile", node)
	}
	if resp.EntryValid != time.Second {
		t.Errorf("entry valid = %v, want 1s from the default config", resp.EntryValid)
	}

	if _, err := root.Lookup(context.Background(), &fuse.LookupRequest{Name: "ghost"}, &resp); err != syscall.ENOENT {
		t.Errorf("missing name: got %v, want ENOENT", err)
	}
}

func TestNodeFor(t *testing.T) {
	if _, ok := nodeFor(nil, "/d", Attr{Mode: os.ModeDir | 0o755}).(*fuseDir); !ok {
		t.Error("directory attr should yield a dir node")
	}
	if _, ok := nodeFor(nil, "/f", Attr{Mode: 0o644}).(*fuseFile); !ok {
		t.Error("plain attr should yield a file node")
	}
	if _, ok := nodeFor(nil, "/l", Attr{Mode: os.ModeSymlink | 0o777}).(*fuseSymlink); !ok {
		t.Error("symlink attr should yield a symlink node")
	}
}
