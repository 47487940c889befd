package fluxfs

import (
	"fmt"
	"sync"

	"github.com/fluxkit/fluxfs/util"
)

// PathIndex maintains the bijective mapping between canonical paths
// and node ids for one mount. The reverse index is kept incrementally
// on register/unregister instead of being recomputed by tree walk, so
// both directions stay O(1) amortized.
//
// Hard links are the one sanctioned exception to strict bijectivity: a
// node gains a second forward entry, but its canonical path (the first
// one registered) is what PathOf reports.
type PathIndex struct {
	mu     sync.RWMutex
	byPath map[string]string
	byNode map[string]string
}

// NewPathIndex returns an index with root pre-registered to rootID.
func NewPathIndex(rootID string) *PathIndex {
	idx := &PathIndex{
		byPath: make(map[string]string),
		byNode: make(map[string]string),
	}
	idx.byPath["/"] = rootID
	idx.byNode[rootID] = "/"
	return idx
}

// Resolve maps a path to a node id. The path is sanitized first, so
// callers may pass raw external input.
func (idx *PathIndex) Resolve(path string) (string, error) {
	clean := util.SanitizePath(path)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.byPath[clean]
	if !ok {
		return "", fmt.Errorf("resolve %s: %w", clean, ErrNotFound)
	}
	return id, nil
}

// PathOf maps a node id back to its canonical path.
func (idx *PathIndex) PathOf(nodeID string) (string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	path, ok := idx.byNode[nodeID]
	if !ok {
		return "", fmt.Errorf("pathOf %s: %w", nodeID, ErrNotFound)
	}
	return path, nil
}

// Register adds a path→node mapping. The first registration for a node
// establishes its canonical path; later ones (hard links) do not move
// it.
func (idx *PathIndex) Register(path, nodeID string) {
	clean := util.SanitizePath(path)
	idx.mu.Lock()
	idx.byPath[clean] = nodeID
	if _, ok := idx.byNode[nodeID]; !ok {
		idx.byNode[nodeID] = clean
	}
	idx.mu.Unlock()
}

// Unregister drops a path mapping. The reverse entry is removed only
// when it points at this exact path, so unlinking a hard link does not
// orphan the canonical path.
func (idx *PathIndex) Unregister(path string) {
	clean := util.SanitizePath(path)
	idx.mu.Lock()
	if id, ok := idx.byPath[clean]; ok {
		delete(idx.byPath, clean)
		if idx.byNode[id] == clean {
			delete(idx.byNode, id)
			// Promote any surviving alias to canonical.
			for p, nid := range idx.byPath {
				if nid == id {
					idx.byNode[id] = p
					break
				}
			}
		}
	}
	idx.mu.Unlock()
}

// Rename atomically re-keys a path and every entry beneath it. The new
// registrations are written before the old ones are deleted.
func (idx *PathIndex) Rename(oldPath, newPath string) {
	oldClean := util.SanitizePath(oldPath)
	newClean := util.SanitizePath(newPath)
	if oldClean == newClean {
		return
	}
	idx.mu.Lock()
	moved := make(map[string]string)
	prefix := oldClean + "/"
	for p, id := range idx.byPath {
		if p == oldClean {
			moved[newClean] = id
		} else if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			moved[newClean+"/"+p[len(prefix):]] = id
		}
	}
	for p, id := range moved {
		idx.byPath[p] = id
	}
	for p := range idx.byPath {
		if p == oldClean || (len(p) > len(prefix) && p[:len(prefix)] == prefix) {
			delete(idx.byPath, p)
		}
	}
	for id, p := range idx.byNode {
		if p == oldClean {
			idx.byNode[id] = newClean
		} else if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			idx.byNode[id] = newClean + "/" + p[len(prefix):]
		}
	}
	idx.mu.Unlock()
}

// Inode returns the stable inode number for a path.
func (idx *PathIndex) Inode(path string) uint64 {
	return util.PathInode(util.SanitizePath(path))
}
