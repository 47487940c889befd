package fluxfs

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NodeKind distinguishes the tagged node variants.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
	KindSymlink
)

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	}
	return "unknown"
}

// Origin tags where a mutation came from. Mutations applied by the
// mirror engine carry OriginSync so they are never re-queued for disk,
// which is what breaks the tree→disk→tree ping-pong loop.
type Origin int

const (
	OriginLocal Origin = iota
	OriginSync
)

// ChangeKind classifies a change event.
type ChangeKind int

const (
	ChangeCreate ChangeKind = iota
	ChangeWrite
	ChangeRemove
	ChangeMove
	ChangeMeta
)

// Change is the event emitted on every successful mutation. Path is
// captured at emission time so removal events stay actionable after
// the node itself is gone from the tree.
type Change struct {
	NodeID string
	Kind   ChangeKind
	Origin Origin
	Path   string

	// OldPath is set on ChangeMove so consumers can retire state keyed
	// by the pre-move path.
	OldPath string
}

// Node is one addressable unit in the virtual tree. Content is only
// meaningful for files, Target for symlinks, Children for directories.
type Node struct {
	ID       string
	ParentID string
	Name     string
	Kind     NodeKind
	Content  []byte
	Target   string
	Children map[string]string
	Mode     os.FileMode
	UID      uint32
	GID      uint32
	Nlink    uint32
	Version  uint64
	Xattrs   map[string][]byte
	Created  time.Time
	Modified time.Time
	Accessed time.Time
}

// DirEntry is one (name, child id) pair from a directory listing.
type DirEntry struct {
	Name string
	ID   string
}

// NodeStore owns the tree of nodes for one mount. All access goes
// through the store so the per-mount mutation lock covers every write.
type NodeStore struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	rootID string

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int

	pathOf func(id string) string // set by the mount after index wiring
	now    func() time.Time
}

// NewNodeStore creates a store containing only the root directory.
func NewNodeStore(uid, gid uint32) *NodeStore {
	s := &NodeStore{
		nodes: make(map[string]*Node),
		subs:  make(map[int]chan Change),
		now:   time.Now,
	}
	root := &Node{
		ID:       uuid.New().String(),
		Kind:     KindDirectory,
		Children: make(map[string]string),
		Mode:     0o755,
		UID:      uid,
		GID:      gid,
		Nlink:    1,
	}
	t := s.now()
	root.Created, root.Modified, root.Accessed = t, t, t
	s.nodes[root.ID] = root
	s.rootID = root.ID
	return s
}

// RootID returns the id of the root directory node.
func (s *NodeStore) RootID() string {
	return s.rootID
}

// SetPathResolver installs the reverse path lookup used to stamp
// change events with the node's canonical path. Without one, or when
// the lookup comes up empty, events fall back to a parent-pointer
// walk; the resolver matters for hard-linked nodes whose canonical
// name lives in the index, not the node.
func (s *NodeStore) SetPathResolver(fn func(id string) string) {
	s.mu.Lock()
	s.pathOf = fn
	s.mu.Unlock()
}

// Len reports the live node count. Statfs uses this directly so the
// reported inode totals are never stale.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Get returns a snapshot copy of the node. Mutating the returned value
// has no effect on the tree.
func (s *NodeStore) Get(id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return snapshotNode(n), nil
}

// Put inserts node under parentID as name and returns the assigned id.
// An empty node ID is replaced with a fresh uuid. Fails with
// ErrAlreadyExists when the name is taken; existing children are never
// overwritten.
func (s *NodeStore) Put(parentID, name string, node Node, origin Origin) (string, error) {
	s.mu.Lock()
	parent, ok := s.nodes[parentID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("put %s: parent: %w", name, ErrNotFound)
	}
	if parent.Kind != KindDirectory {
		s.mu.Unlock()
		return "", fmt.Errorf("put %s: %w", name, ErrNotADirectory)
	}
	if _, taken := parent.Children[name]; taken {
		s.mu.Unlock()
		return "", fmt.Errorf("put %s: %w", name, ErrAlreadyExists)
	}

	n := node
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	n.ParentID = parentID
	n.Name = name
	n.Nlink = 1
	if n.Kind == KindDirectory && n.Children == nil {
		n.Children = make(map[string]string)
	}
	t := s.now()
	n.Created, n.Modified, n.Accessed = t, t, t

	s.nodes[n.ID] = &n
	parent.Children[name] = n.ID
	s.touchLocked(parent, t)
	// Captured under the lock: consumers may react to the event before
	// the caller has registered the new path in its index.
	childPath := s.resolvePathLocked(n.ID)
	s.mu.Unlock()

	s.emit(Change{NodeID: n.ID, Kind: ChangeCreate, Origin: origin, Path: childPath})
	return n.ID, nil
}

// Link registers a second name for an existing node (hard link). Both
// registrations resolve to the same node id and Nlink is incremented.
func (s *NodeStore) Link(parentID, name, targetID string, origin Origin) error {
	s.mu.Lock()
	parent, ok := s.nodes[parentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("link %s: parent: %w", name, ErrNotFound)
	}
	if parent.Kind != KindDirectory {
		s.mu.Unlock()
		return fmt.Errorf("link %s: %w", name, ErrNotADirectory)
	}
	target, ok := s.nodes[targetID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("link %s: target: %w", name, ErrNotFound)
	}
	if _, taken := parent.Children[name]; taken {
		s.mu.Unlock()
		return fmt.Errorf("link %s: %w", name, ErrAlreadyExists)
	}

	parent.Children[name] = targetID
	target.Nlink++
	t := s.now()
	s.touchLocked(parent, t)
	s.touchLocked(target, t)
	s.mu.Unlock()

	s.emit(Change{NodeID: targetID, Kind: ChangeMeta, Origin: origin})
	return nil
}

// Unlink removes the name registration from parent. The node itself is
// deleted once its last link is gone; directories must be empty.
func (s *NodeStore) Unlink(parentID, name string, origin Origin) error {
	s.mu.Lock()
	parent, ok := s.nodes[parentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unlink %s: parent: %w", name, ErrNotFound)
	}
	childID, ok := parent.Children[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unlink %s: %w", name, ErrNotFound)
	}
	child := s.nodes[childID]
	if child.Kind == KindDirectory && len(child.Children) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("unlink %s: %w", name, ErrDirectoryNotEmpty)
	}

	removedPath := s.resolvePathLocked(childID)
	delete(parent.Children, name)
	child.Nlink--
	if child.Nlink == 0 {
		delete(s.nodes, childID)
	}
	s.touchLocked(parent, s.now())
	s.mu.Unlock()

	s.emit(Change{NodeID: childID, Kind: ChangeRemove, Origin: origin, Path: removedPath})
	return nil
}

// Move re-homes a node under a new parent and name. Registration under
// the new name happens before the old entry is dropped, all under the
// store lock, so the node is reachable from at least one path at every
// point.
func (s *NodeStore) Move(id, newParentID, newName string, origin Origin) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("move %s: %w", id, ErrNotFound)
	}
	oldParent, ok := s.nodes[n.ParentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("move %s: old parent: %w", id, ErrNotFound)
	}
	newParent, ok := s.nodes[newParentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("move %s: new parent: %w", id, ErrNotFound)
	}
	if newParent.Kind != KindDirectory {
		s.mu.Unlock()
		return fmt.Errorf("move %s: %w", id, ErrNotADirectory)
	}
	if existing, taken := newParent.Children[newName]; taken && existing != id {
		s.mu.Unlock()
		return fmt.Errorf("move %s: %w", newName, ErrAlreadyExists)
	}

	oldName := n.Name
	oldPath := s.resolvePathLocked(id)
	// The old registration is dropped only after the new one exists, so
	// the node stays reachable from at least one path throughout.
	newParent.Children[newName] = id
	if oldParent != newParent || oldName != newName {
		delete(oldParent.Children, oldName)
	}
	n.ParentID = newParentID
	n.Name = newName
	t := s.now()
	s.touchLocked(n, t)
	s.touchLocked(oldParent, t)
	s.touchLocked(newParent, t)
	// Both paths are captured under the lock so the event is coherent
	// even when a consumer runs before the caller re-keys its index.
	newPath := s.resolvePathLocked(id)
	s.mu.Unlock()

	s.emit(Change{NodeID: id, Kind: ChangeMove, Origin: origin, Path: newPath, OldPath: oldPath})
	return nil
}

// List returns the (name, child id) pairs of a directory.
func (s *NodeStore) List(id string) ([]DirEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", id, ErrNotFound)
	}
	if n.Kind != KindDirectory {
		return nil, fmt.Errorf("list %s: %w", id, ErrNotADirectory)
	}
	entries := make([]DirEntry, 0, len(n.Children))
	for name, childID := range n.Children {
		entries = append(entries, DirEntry{Name: name, ID: childID})
	}
	return entries, nil
}

// SetContent replaces the file's buffer. Setting content identical to
// the current bytes is a no-op and emits no change event; this is what
// makes disk-applied updates converge instead of ping-ponging.
func (s *NodeStore) SetContent(id string, content []byte, origin Origin) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set content %s: %w", id, ErrNotFound)
	}
	if n.Kind == KindDirectory {
		s.mu.Unlock()
		return fmt.Errorf("set content %s: is a directory", id)
	}
	if bytes.Equal(n.Content, content) {
		s.mu.Unlock()
		return nil
	}
	n.Content = append([]byte(nil), content...)
	n.Version++
	s.touchLocked(n, s.now())
	s.mu.Unlock()

	s.emit(Change{NodeID: id, Kind: ChangeWrite, Origin: origin})
	return nil
}

// SetMode updates the permission bits, leaving the type untouched.
func (s *NodeStore) SetMode(id string, mode os.FileMode, origin Origin) error {
	return s.updateMeta(id, origin, func(n *Node) {
		n.Mode = mode.Perm()
	})
}

// SetOwner updates uid/gid.
func (s *NodeStore) SetOwner(id string, uid, gid uint32, origin Origin) error {
	return s.updateMeta(id, origin, func(n *Node) {
		n.UID = uid
		n.GID = gid
	})
}

// SetXattr stores one extended attribute.
func (s *NodeStore) SetXattr(id, name string, value []byte, origin Origin) error {
	return s.updateMeta(id, origin, func(n *Node) {
		if n.Xattrs == nil {
			n.Xattrs = make(map[string][]byte)
		}
		n.Xattrs[name] = append([]byte(nil), value...)
	})
}

// RemoveXattr deletes one extended attribute.
func (s *NodeStore) RemoveXattr(id, name string, origin Origin) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("removexattr %s: %w", id, ErrNotFound)
	}
	if _, present := n.Xattrs[name]; !present {
		s.mu.Unlock()
		return fmt.Errorf("removexattr %s: %w", name, ErrAttributeNotFound)
	}
	delete(n.Xattrs, name)
	s.touchLocked(n, s.now())
	s.mu.Unlock()

	s.emit(Change{NodeID: id, Kind: ChangeMeta, Origin: origin})
	return nil
}

// TouchAccessed bumps the access timestamp without raising a change
// event; reads should not trigger mirroring.
func (s *NodeStore) TouchAccessed(id string) {
	s.mu.Lock()
	if n, ok := s.nodes[id]; ok {
		t := s.now()
		if t.After(n.Accessed) {
			n.Accessed = t
		}
	}
	s.mu.Unlock()
}

// Subscribe registers a bounded change-event channel. The returned
// cancel function unregisters and closes it. Events that would block a
// full channel are dropped with a warning; the sync queue's idempotent
// insert means a dropped event only delays mirroring.
func (s *NodeStore) Subscribe(buffer int) (<-chan Change, func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Change, buffer)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *NodeStore) emit(c Change) {
	if c.Path == "" {
		s.mu.RLock()
		if s.pathOf != nil {
			c.Path = s.pathOf(c.NodeID)
		}
		if c.Path == "" {
			c.Path = s.resolvePathLocked(c.NodeID)
		}
		s.mu.RUnlock()
	}
	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			GetLogger().Warn("change event dropped, subscriber channel full",
				"node", c.NodeID, "kind", int(c.Kind))
		}
	}
	s.subMu.Unlock()
}

func (s *NodeStore) updateMeta(id string, origin Origin, fn func(*Node)) error {
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	fn(n)
	s.touchLocked(n, s.now())
	s.mu.Unlock()

	s.emit(Change{NodeID: id, Kind: ChangeMeta, Origin: origin})
	return nil
}

// touchLocked advances the modification timestamp, never backwards.
func (s *NodeStore) touchLocked(n *Node, t time.Time) {
	if t.After(n.Modified) {
		n.Modified = t
	}
	if t.After(n.Accessed) {
		n.Accessed = t
	}
}

// resolvePathLocked walks parent pointers to build the canonical path.
// Only used for removal events, where the incremental index has
// already been told to forget the path by the time a consumer reacts.
func (s *NodeStore) resolvePathLocked(id string) string {
	var parts []string
	cur, ok := s.nodes[id]
	for ok && cur.ID != s.rootID {
		parts = append([]string{cur.Name}, parts...)
		cur, ok = s.nodes[cur.ParentID]
	}
	if len(parts) == 0 {
		return "/"
	}
	out := ""
	for _, p := range parts {
		out += "/" + p
	}
	return out
}

func snapshotNode(n *Node) Node {
	out := *n
	out.Content = append([]byte(nil), n.Content...)
	if n.Children != nil {
		out.Children = make(map[string]string, len(n.Children))
		for k, v := range n.Children {
			out.Children[k] = v
		}
	}
	if n.Xattrs != nil {
		out.Xattrs = make(map[string][]byte, len(n.Xattrs))
		for k, v := range n.Xattrs {
			out.Xattrs[k] = append([]byte(nil), v...)
		}
	}
	return out
}
