package fluxfs

import (
	"context"
	"errors"
	"path"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

// FuseFS adapts the transport-agnostic operation handler to the
// bazil.org/fuse serve loop. All operation logic lives in Ops; this
// layer only translates requests, paths, and errors.
type FuseFS struct {
	mount *Mount
}

var _ fusefs.FS = (*FuseFS)(nil)
var _ fusefs.FSStatfser = (*FuseFS)(nil)

// Root returns the root directory node.
func (f *FuseFS) Root() (fusefs.Node, error) {
	return &fuseDir{mount: f.mount, path: "/"}, nil
}

// Statfs reports synthesized capacity from the live node count.
func (f *FuseFS) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	info := f.mount.ops.Statfs()
	resp.Blocks = info.Blocks
	resp.Bfree = info.BlocksFree
	resp.Bavail = info.BlocksFree
	resp.Files = info.Files
	resp.Ffree = info.FilesFree
	resp.Bsize = info.BlockSize
	resp.Namelen = info.NameLen
	return nil
}

// errnoFor translates the operation error taxonomy into POSIX errnos
// at the transport boundary.
func errnoFor(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, ErrInvalidDescriptor):
		return syscall.EBADF
	case errors.Is(err, ErrAttributeNotFound):
		return fuse.ErrNoXattr
	case errors.Is(err, ErrFileTooLarge):
		return syscall.EFBIG
	default:
		return syscall.EIO
	}
}

func fillAttr(a *Attr, out *fuse.Attr, timeout time.Duration) {
	out.Valid = timeout
	out.Inode = a.Inode
	out.Size = a.Size
	out.Blocks = (a.Size + 511) / 512
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	out.BlockSize = a.BlockSize
	out.Atime = a.Atime
	out.Mtime = a.Mtime
	out.Ctime = a.Ctime
}

func (m *Mount) attrTimeout() time.Duration {
	return time.Duration(m.cfg.AttrTimeoutS * float64(time.Second))
}

func (m *Mount) entryTimeout() time.Duration {
	return time.Duration(m.cfg.EntryTimeoutS * float64(time.Second))
}

// fuseDir is a directory node keyed by its canonical path.
type fuseDir struct {
	mount *Mount
	path  string
}

func (d *fuseDir) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := d.mount.ops.Getattr(d.path)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(&attr, a, d.mount.attrTimeout())
	return nil
}

var _ fusefs.NodeRequestLookuper = (*fuseDir)(nil)

// Lookup uses the request form so the configured entry timeout reaches
// the kernel's dentry cache.
func (d *fuseDir) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fusefs.Node, error) {
	child := path.Join(d.path, req.Name)
	attr, err := d.mount.ops.Getattr(child)
	if err != nil {
		return nil, errnoFor(err)
	}
	resp.EntryValid = d.mount.entryTimeout()
	return nodeFor(d.mount, child, attr), nil
}

func nodeFor(m *Mount, p string, attr Attr) fusefs.Node {
	switch {
	case attr.Mode.IsDir():
		return &fuseDir{mount: m, path: p}
	case attr.Mode&^0o777 == 0:
		return &fuseFile{mount: m, path: p}
	default:
		return &fuseSymlink{mount: m, path: p}
	}
}

func (d *fuseDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := d.mount.ops.Readdir(d.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		t := fuse.DT_File
		switch e.Kind {
		case KindDirectory:
			t = fuse.DT_Dir
		case KindSymlink:
			t = fuse.DT_Link
		}
		dirents = append(dirents, fuse.Dirent{Inode: e.Inode, Name: e.Name, Type: t})
	}
	return dirents, nil
}

func (d *fuseDir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	p := path.Join(d.path, req.Name)
	fd, err := d.mount.ops.Create(p, req.Mode)
	if err != nil {
		return nil, nil, errnoFor(err)
	}
	attr, err := d.mount.ops.Getattr(p)
	if err != nil {
		return nil, nil, errnoFor(err)
	}
	fillAttr(&attr, &resp.Attr, d.mount.attrTimeout())
	file := &fuseFile{mount: d.mount, path: p}
	return file, &fuseHandle{mount: d.mount, fd: fd}, nil
}

func (d *fuseDir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	p := path.Join(d.path, req.Name)
	if err := d.mount.ops.Mkdir(p, req.Mode); err != nil {
		return nil, errnoFor(err)
	}
	return &fuseDir{mount: d.mount, path: p}, nil
}

func (d *fuseDir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	p := path.Join(d.path, req.Name)
	if req.Dir {
		return errnoFor(d.mount.ops.Rmdir(p))
	}
	return errnoFor(d.mount.ops.Unlink(p))
}

func (d *fuseDir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*fuseDir)
	if !ok {
		return syscall.ENOTDIR
	}
	oldPath := path.Join(d.path, req.OldName)
	newPath := path.Join(target.path, req.NewName)
	return errnoFor(d.mount.ops.Rename(oldPath, newPath))
}

func (d *fuseDir) Symlink(ctx context.Context, req *fuse.SymlinkRequest) (fusefs.Node, error) {
	p := path.Join(d.path, req.NewName)
	if err := d.mount.ops.Symlink(req.Target, p); err != nil {
		return nil, errnoFor(err)
	}
	return &fuseSymlink{mount: d.mount, path: p}, nil
}

func (d *fuseDir) Link(ctx context.Context, req *fuse.LinkRequest, old fusefs.Node) (fusefs.Node, error) {
	oldFile, ok := old.(*fuseFile)
	if !ok {
		return nil, syscall.EPERM
	}
	p := path.Join(d.path, req.NewName)
	if err := d.mount.ops.Link(oldFile.path, p); err != nil {
		return nil, errnoFor(err)
	}
	return &fuseFile{mount: d.mount, path: p}, nil
}

func (d *fuseDir) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return setattrCommon(ctx, d.mount, d.path, req, resp)
}

func (d *fuseDir) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	return getxattrCommon(d.mount, d.path, req, resp)
}

func (d *fuseDir) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return errnoFor(d.mount.ops.Setxattr(d.path, req.Name, req.Xattr))
}

func (d *fuseDir) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	return listxattrCommon(d.mount, d.path, resp)
}

func (d *fuseDir) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	return errnoFor(d.mount.ops.Removexattr(d.path, req.Name))
}

// fuseFile is a regular-file node keyed by its canonical path.
type fuseFile struct {
	mount *Mount
	path  string
}

func (f *fuseFile) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := f.mount.ops.Getattr(f.path)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(&attr, a, f.mount.attrTimeout())
	return nil
}

func (f *fuseFile) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fd, err := f.mount.ops.Open(f.path, uint32(req.Flags))
	if err != nil {
		return nil, errnoFor(err)
	}
	return &fuseHandle{mount: f.mount, fd: fd}, nil
}

func (f *fuseFile) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return setattrCommon(ctx, f.mount, f.path, req, resp)
}

func (f *fuseFile) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	// No write-ahead log to force; content lives in the tree already.
	return nil
}

func (f *fuseFile) Getxattr(ctx context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	return getxattrCommon(f.mount, f.path, req, resp)
}

func (f *fuseFile) Setxattr(ctx context.Context, req *fuse.SetxattrRequest) error {
	return errnoFor(f.mount.ops.Setxattr(f.path, req.Name, req.Xattr))
}

func (f *fuseFile) Listxattr(ctx context.Context, req *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	return listxattrCommon(f.mount, f.path, resp)
}

func (f *fuseFile) Removexattr(ctx context.Context, req *fuse.RemovexattrRequest) error {
	return errnoFor(f.mount.ops.Removexattr(f.path, req.Name))
}

// fuseSymlink is a symlink node keyed by its canonical path.
type fuseSymlink struct {
	mount *Mount
	path  string
}

func (s *fuseSymlink) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := s.mount.ops.Getattr(s.path)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(&attr, a, s.mount.attrTimeout())
	return nil
}

func (s *fuseSymlink) Readlink(ctx context.Context, req *fuse.ReadlinkRequest) (string, error) {
	target, err := s.mount.ops.Readlink(s.path)
	if err != nil {
		return "", errnoFor(err)
	}
	return target, nil
}

// fuseHandle carries one open descriptor through read/write/release.
type fuseHandle struct {
	mount *Mount
	fd    uint64
}

func (h *fuseHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := h.mount.ops.Read(h.fd, req.Offset, req.Size)
	if err != nil {
		return errnoFor(err)
	}
	resp.Data = data
	return nil
}

func (h *fuseHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.mount.ops.Write(h.fd, req.Offset, req.Data)
	if err != nil {
		return errnoFor(err)
	}
	resp.Size = n
	return nil
}

func (h *fuseHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return errnoFor(h.mount.ops.Flush(h.fd))
}

func (h *fuseHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	h.mount.ops.Release(h.fd)
	return nil
}

func setattrCommon(ctx context.Context, m *Mount, p string, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := m.ops.Truncate(p, req.Size); err != nil {
			return errnoFor(err)
		}
	}
	if req.Valid.Mode() {
		if err := m.ops.Chmod(p, req.Mode); err != nil {
			return errnoFor(err)
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		attr, err := m.ops.Getattr(p)
		if err != nil {
			return errnoFor(err)
		}
		uid, gid := attr.UID, attr.GID
		if req.Valid.Uid() {
			uid = req.Uid
		}
		if req.Valid.Gid() {
			gid = req.Gid
		}
		if err := m.ops.Chown(p, uid, gid); err != nil {
			return errnoFor(err)
		}
	}
	attr, err := m.ops.Getattr(p)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(&attr, &resp.Attr, m.attrTimeout())
	return nil
}

func getxattrCommon(m *Mount, p string, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	v, err := m.ops.Getxattr(p, req.Name)
	if err != nil {
		return errnoFor(err)
	}
	resp.Xattr = v
	return nil
}

func listxattrCommon(m *Mount, p string, resp *fuse.ListxattrResponse) error {
	names, err := m.ops.Listxattr(p)
	if err != nil {
		return errnoFor(err)
	}
	for _, n := range names {
		resp.Append(n)
	}
	return nil
}
