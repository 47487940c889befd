package fluxfs

import (
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/fluxkit/fluxfs/util"
)

// BlockSize is the block unit reported through getattr and statfs.
const BlockSize = 4096

// MaxFileSize caps how far a single file's in-memory buffer may grow.
// Writes and truncates past the cap fail with ErrFileTooLarge instead
// of attempting the allocation; offsets arrive straight from the
// kernel and a sparse write at 2^62 is legal POSIX.
const MaxFileSize = 1 << 30

// Attr is the stat-compatible attribute record produced by Getattr.
type Attr struct {
	Inode     uint64
	Mode      os.FileMode
	Size      uint64
	Nlink     uint32
	UID       uint32
	GID       uint32
	BlockSize uint32
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
}

// ReaddirEntry is one entry from a directory listing, including the
// synthetic "." and "..".
type ReaddirEntry struct {
	Name  string
	Kind  NodeKind
	Inode uint64
}

// StatfsInfo reports synthesized filesystem capacity. Node counts are
// read live from the store at call time.
type StatfsInfo struct {
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	BlockSize  uint32
	NameLen    uint32
}

// Ops implements the POSIX-like operation surface on top of the node
// store, the path index, and the descriptor table. Structural errors
// are returned to the caller and counted; they never take the mount
// down.
type Ops struct {
	store   *NodeStore
	paths   *PathIndex
	handles *HandleTable
	stats   *MountStats
	cfg     MountConfig
}

// NewOps wires an operation handler over its three collaborators.
func NewOps(store *NodeStore, paths *PathIndex, handles *HandleTable, stats *MountStats, cfg MountConfig) *Ops {
	return &Ops{store: store, paths: paths, handles: handles, stats: stats, cfg: cfg}
}

func (o *Ops) fail(err error) error {
	if err != nil {
		o.stats.Errors.Add(1)
	}
	return err
}

func (o *Ops) nodeAt(p string) (Node, error) {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return Node{}, err
	}
	return o.store.Get(id)
}

// Getattr resolves a path and synthesizes its attribute record. Mode
// bits OR the variant's type bit onto the stored permission bits; the
// inode is a stable hash of the canonical path.
func (o *Ops) Getattr(p string) (Attr, error) {
	n, err := o.nodeAt(p)
	if err != nil {
		return Attr{}, o.fail(err)
	}

	var size uint64
	mode := n.Mode.Perm()
	switch n.Kind {
	case KindDirectory:
		mode |= os.ModeDir
	case KindSymlink:
		mode |= os.ModeSymlink
		size = uint64(len(n.Target))
	default:
		size = uint64(len(n.Content))
	}

	return Attr{
		Inode:     o.paths.Inode(p),
		Mode:      mode,
		Size:      size,
		Nlink:     n.Nlink,
		UID:       n.UID,
		GID:       n.GID,
		BlockSize: BlockSize,
		Blocks:    (size + BlockSize - 1) / BlockSize,
		Atime:     n.Accessed,
		Mtime:     n.Modified,
		Ctime:     n.Modified,
	}, nil
}

// Readdir lists a directory: ".", "..", then the registered children
// in name order.
func (o *Ops) Readdir(p string) ([]ReaddirEntry, error) {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return nil, o.fail(err)
	}
	children, err := o.store.List(id)
	if err != nil {
		return nil, o.fail(err)
	}

	entries := []ReaddirEntry{
		{Name: ".", Kind: KindDirectory, Inode: o.paths.Inode(p)},
		{Name: "..", Kind: KindDirectory, Inode: o.paths.Inode(path.Dir(p))},
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	for _, c := range children {
		child, err := o.store.Get(c.ID)
		if err != nil {
			continue
		}
		entries = append(entries, ReaddirEntry{
			Name:  c.Name,
			Kind:  child.Kind,
			Inode: o.paths.Inode(path.Join(p, c.Name)),
		})
	}
	return entries, nil
}

// Create makes a new empty file and returns a fresh descriptor. An
// existing name fails with ErrAlreadyExists; nothing is overwritten.
func (o *Ops) Create(p string, mode os.FileMode) (uint64, error) {
	dir, name := path.Split(p)
	name = util.SanitizeComponent(name)
	parentID, err := o.paths.Resolve(dir)
	if err != nil {
		return 0, o.fail(err)
	}

	perm := mode.Perm() &^ os.FileMode(o.cfg.Umask)
	id, err := o.store.Put(parentID, name, Node{
		Kind:    KindFile,
		Content: []byte{},
		Mode:    perm,
		UID:     o.cfg.UID,
		GID:     o.cfg.GID,
	}, OriginLocal)
	if err != nil {
		return 0, o.fail(err)
	}
	o.paths.Register(p, id)
	o.stats.Creates.Add(1)
	return o.handles.Allocate(p, 0), nil
}

// Open resolves an existing node and allocates a descriptor.
func (o *Ops) Open(p string, flags uint32) (uint64, error) {
	if _, err := o.paths.Resolve(p); err != nil {
		return 0, o.fail(err)
	}
	return o.handles.Allocate(p, flags), nil
}

// Read copies up to size bytes starting at offset. The result is the
// overlap of [offset, offset+size) with the file's content; reads at
// or past EOF return an empty slice. Access time is updated.
func (o *Ops) Read(fd uint64, offset int64, size int) ([]byte, error) {
	h, err := o.handles.Get(fd)
	if err != nil {
		return nil, o.fail(err)
	}
	id, err := o.paths.Resolve(h.Path)
	if err != nil {
		return nil, o.fail(err)
	}
	n, err := o.store.Get(id)
	if err != nil {
		return nil, o.fail(err)
	}

	if offset < 0 || offset >= int64(len(n.Content)) {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > int64(len(n.Content)) {
		end = int64(len(n.Content))
	}
	out := append([]byte(nil), n.Content[offset:end]...)

	o.store.TouchAccessed(id)
	o.handles.Advance(fd, int64(len(out)))
	o.stats.Reads.Add(1)
	return out, nil
}

// Write overwrites the file's buffer at the given offset, extending it
// when the write reaches past the current end. The offset is honored
// byte-exactly; whole-buffer replacement regardless of position was a
// defect in earlier designs, not a semantic to preserve.
func (o *Ops) Write(fd uint64, offset int64, data []byte) (int, error) {
	h, err := o.handles.Get(fd)
	if err != nil {
		return 0, o.fail(err)
	}
	id, err := o.paths.Resolve(h.Path)
	if err != nil {
		return 0, o.fail(err)
	}
	n, err := o.store.Get(id)
	if err != nil {
		return 0, o.fail(err)
	}
	if n.Kind == KindDirectory {
		return 0, o.fail(fmt.Errorf("write %s: is a directory", h.Path))
	}
	// Checked in two steps so the sum cannot overflow int64 first.
	if offset < 0 || offset > MaxFileSize {
		return 0, o.fail(fmt.Errorf("write %s at %d: %w", h.Path, offset, ErrFileTooLarge))
	}
	if offset+int64(len(data)) > MaxFileSize {
		return 0, o.fail(fmt.Errorf("write %s at %d: %w", h.Path, offset, ErrFileTooLarge))
	}

	buf := n.Content
	newLen := int(offset) + len(data)
	if newLen > len(buf) {
		grown := make([]byte, newLen)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)

	if err := o.store.SetContent(id, buf, OriginLocal); err != nil {
		return 0, o.fail(err)
	}
	o.handles.Advance(fd, int64(len(data)))
	o.stats.Writes.Add(1)
	return len(data), nil
}

// Mkdir creates an empty directory.
func (o *Ops) Mkdir(p string, mode os.FileMode) error {
	dir, name := path.Split(p)
	name = util.SanitizeComponent(name)
	parentID, err := o.paths.Resolve(dir)
	if err != nil {
		return o.fail(err)
	}
	perm := mode.Perm() &^ os.FileMode(o.cfg.Umask)
	id, err := o.store.Put(parentID, name, Node{
		Kind: KindDirectory,
		Mode: perm,
		UID:  o.cfg.UID,
		GID:  o.cfg.GID,
	}, OriginLocal)
	if err != nil {
		return o.fail(err)
	}
	o.paths.Register(p, id)
	o.stats.Creates.Add(1)
	return nil
}

// Unlink removes a file or symlink registration. The node is deleted
// when its last hard link goes.
func (o *Ops) Unlink(p string) error {
	dir, name := path.Split(p)
	name = util.SanitizeComponent(name)
	parentID, err := o.paths.Resolve(dir)
	if err != nil {
		return o.fail(err)
	}
	if err := o.store.Unlink(parentID, name, OriginLocal); err != nil {
		return o.fail(err)
	}
	o.paths.Unregister(p)
	o.stats.Deletes.Add(1)
	return nil
}

// Rmdir removes an empty directory; a populated one fails with
// ErrDirectoryNotEmpty.
func (o *Ops) Rmdir(p string) error {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return o.fail(err)
	}
	n, err := o.store.Get(id)
	if err != nil {
		return o.fail(err)
	}
	if n.Kind != KindDirectory {
		return o.fail(fmt.Errorf("rmdir %s: %w", p, ErrNotADirectory))
	}
	return o.Unlink(p)
}

// Rename moves a node to a new path as one logical operation: the new
// registration exists before the old one is dropped, so the node is
// never orphaned. An existing file at the destination is replaced; a
// non-empty directory destination fails.
func (o *Ops) Rename(oldPath, newPath string) error {
	id, err := o.paths.Resolve(oldPath)
	if err != nil {
		return o.fail(err)
	}
	newDir, newName := path.Split(newPath)
	newName = util.SanitizeComponent(newName)
	newParentID, err := o.paths.Resolve(newDir)
	if err != nil {
		return o.fail(err)
	}

	if destID, err := o.paths.Resolve(newPath); err == nil && destID != id {
		dest, err := o.store.Get(destID)
		if err == nil {
			if dest.Kind == KindDirectory && len(dest.Children) > 0 {
				return o.fail(fmt.Errorf("rename to %s: %w", newPath, ErrDirectoryNotEmpty))
			}
			if err := o.store.Unlink(newParentID, newName, OriginLocal); err != nil {
				return o.fail(err)
			}
			o.paths.Unregister(newPath)
		}
	}

	if err := o.store.Move(id, newParentID, newName, OriginLocal); err != nil {
		return o.fail(err)
	}
	o.paths.Rename(oldPath, newPath)
	return nil
}

// Chmod replaces the permission bits.
func (o *Ops) Chmod(p string, mode os.FileMode) error {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return o.fail(err)
	}
	return o.fail(o.store.SetMode(id, mode, OriginLocal))
}

// Chown replaces the owner and group.
func (o *Ops) Chown(p string, uid, gid uint32) error {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return o.fail(err)
	}
	return o.fail(o.store.SetOwner(id, uid, gid, OriginLocal))
}

// Symlink creates a symlink node at linkPath pointing to target.
func (o *Ops) Symlink(target, linkPath string) error {
	dir, name := path.Split(linkPath)
	name = util.SanitizeComponent(name)
	parentID, err := o.paths.Resolve(dir)
	if err != nil {
		return o.fail(err)
	}
	id, err := o.store.Put(parentID, name, Node{
		Kind:   KindSymlink,
		Target: target,
		Mode:   0o777,
		UID:    o.cfg.UID,
		GID:    o.cfg.GID,
	}, OriginLocal)
	if err != nil {
		return o.fail(err)
	}
	o.paths.Register(linkPath, id)
	o.stats.Symlinks.Add(1)
	return nil
}

// Readlink returns a symlink's target.
func (o *Ops) Readlink(p string) (string, error) {
	n, err := o.nodeAt(p)
	if err != nil {
		return "", o.fail(err)
	}
	if n.Kind != KindSymlink {
		return "", o.fail(fmt.Errorf("readlink %s: not a symlink: %w", p, ErrNotFound))
	}
	return n.Target, nil
}

// Link creates a hard link: a second name registration for the same
// node id. Writes through either path are visible through both.
func (o *Ops) Link(oldPath, newPath string) error {
	id, err := o.paths.Resolve(oldPath)
	if err != nil {
		return o.fail(err)
	}
	dir, name := path.Split(newPath)
	name = util.SanitizeComponent(name)
	parentID, err := o.paths.Resolve(dir)
	if err != nil {
		return o.fail(err)
	}
	if err := o.store.Link(parentID, name, id, OriginLocal); err != nil {
		return o.fail(err)
	}
	o.paths.Register(newPath, id)
	o.stats.Links.Add(1)
	return nil
}

// Truncate slices the content to size. Growing pads with zero bytes,
// bounded by MaxFileSize.
func (o *Ops) Truncate(p string, size uint64) error {
	if size > MaxFileSize {
		return o.fail(fmt.Errorf("truncate %s to %d: %w", p, size, ErrFileTooLarge))
	}
	id, err := o.paths.Resolve(p)
	if err != nil {
		return o.fail(err)
	}
	n, err := o.store.Get(id)
	if err != nil {
		return o.fail(err)
	}
	buf := n.Content
	if size < uint64(len(buf)) {
		buf = buf[:size]
	} else if size > uint64(len(buf)) {
		grown := make([]byte, size)
		copy(grown, buf)
		buf = grown
	}
	return o.fail(o.store.SetContent(id, buf, OriginLocal))
}

// Flush is a permitted no-op: there is no write-ahead log to force.
func (o *Ops) Flush(fd uint64) error {
	if _, err := o.handles.Get(fd); err != nil {
		return o.fail(err)
	}
	return nil
}

// Fsync is a permitted no-op for the same reason as Flush.
func (o *Ops) Fsync(fd uint64) error {
	return o.Flush(fd)
}

// Release closes a descriptor. An unknown fd is logged, not fatal.
func (o *Ops) Release(fd uint64) {
	if err := o.handles.Release(fd); err != nil {
		GetLogger().Warn("release of unknown descriptor", "fd", fd)
	}
}

// Setxattr stores one extended attribute.
func (o *Ops) Setxattr(p, name string, value []byte) error {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return o.fail(err)
	}
	if err := o.store.SetXattr(id, name, value, OriginLocal); err != nil {
		return o.fail(err)
	}
	o.stats.XattrOps.Add(1)
	return nil
}

// Getxattr reads one extended attribute, failing with
// ErrAttributeNotFound for a missing name.
func (o *Ops) Getxattr(p, name string) ([]byte, error) {
	n, err := o.nodeAt(p)
	if err != nil {
		return nil, o.fail(err)
	}
	v, ok := n.Xattrs[name]
	if !ok {
		return nil, o.fail(fmt.Errorf("getxattr %s on %s: %w", name, p, ErrAttributeNotFound))
	}
	o.stats.XattrOps.Add(1)
	return v, nil
}

// Listxattr returns the attribute names in sorted order.
func (o *Ops) Listxattr(p string) ([]string, error) {
	n, err := o.nodeAt(p)
	if err != nil {
		return nil, o.fail(err)
	}
	names := make([]string, 0, len(n.Xattrs))
	for name := range n.Xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	o.stats.XattrOps.Add(1)
	return names, nil
}

// Removexattr deletes one extended attribute.
func (o *Ops) Removexattr(p, name string) error {
	id, err := o.paths.Resolve(p)
	if err != nil {
		return o.fail(err)
	}
	if err := o.store.RemoveXattr(id, name, OriginLocal); err != nil {
		return o.fail(err)
	}
	o.stats.XattrOps.Add(1)
	return nil
}

// Statfs synthesizes capacity numbers from the live node count.
func (o *Ops) Statfs() StatfsInfo {
	live := uint64(o.store.Len())
	const capacity = 1 << 20 // synthesized inode/block capacity
	return StatfsInfo{
		Blocks:     capacity,
		BlocksFree: capacity - live,
		Files:      live,
		FilesFree:  capacity - live,
		BlockSize:  BlockSize,
		NameLen:    255,
	}
}
