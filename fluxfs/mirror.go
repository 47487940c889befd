package fluxfs

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fluxkit/fluxfs/util"
)

// MetaExtension is the suffix of the per-node metadata document.
const MetaExtension = ".fxmeta"

// debounceWindow is how long the engine waits for a burst of external
// writes to one file to settle before ingesting it.
const debounceWindow = 50 * time.Millisecond

// changeBuffer sizes the store subscription channel. Overflow only
// delays mirroring because queue inserts are idempotent.
const changeBuffer = 256

// mirrorMeta is the JSON document written next to every value file.
type mirrorMeta struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parentId"`
	Type     string    `json:"type"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Version  uint64    `json:"version"`
}

// MirrorEngine keeps a real directory tree and the node store
// eventually consistent in both directions.
//
// Tree→disk: store change events enqueue node ids into an idempotent
// pending set, drained by at most one drain pass at a time. Disk→tree:
// an fsnotify watcher feeds per-path debounce timers; settled files
// are read back and applied through the normal store set operation
// tagged OriginSync, so they are never re-queued for disk.
type MirrorEngine struct {
	store *NodeStore
	paths *PathIndex
	cfg   MountConfig
	root  string

	excluded map[string]struct{}

	// pending maps queued node ids to their last known tree path. The
	// path travels with the id so a drain never depends on the caller's
	// index already knowing about a freshly created or moved node.
	mu       sync.Mutex
	pending  map[string]string
	draining bool
	timers   map[string]*time.Timer

	watcher   *fsnotify.Watcher
	changes   <-chan Change
	cancelSub func()
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMirrorEngine prepares an engine rooted at cfg.MirrorDir.
func NewMirrorEngine(store *NodeStore, paths *PathIndex, cfg MountConfig) (*MirrorEngine, error) {
	if err := util.EnsureDir(cfg.MirrorDir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMirrorIO, err)
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludedNamespaces))
	for _, ns := range cfg.ExcludedNamespaces {
		excluded[ns] = struct{}{}
	}
	return &MirrorEngine{
		store:    store,
		paths:    paths,
		cfg:      cfg,
		root:     cfg.MirrorDir,
		excluded: excluded,
		pending:  make(map[string]string),
		timers:   make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start subscribes to store changes, starts the periodic drain when a
// batching interval is configured, and attaches the filesystem
// watcher when watchChanges is enabled. On failure everything already
// started is unwound; a failed engine must not be Stopped.
func (e *MirrorEngine) Start() error {
	e.changes, e.cancelSub = e.store.Subscribe(changeBuffer)

	e.wg.Add(1)
	go e.consumeChanges()

	if e.cfg.SyncIntervalMS > 0 {
		e.wg.Add(1)
		go e.drainLoop(time.Duration(e.cfg.SyncIntervalMS) * time.Millisecond)
	}

	if e.cfg.WatchChanges {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			e.stopPipeline()
			return fmt.Errorf("%w: watcher: %v", ErrMirrorIO, err)
		}
		e.watcher = watcher
		if err := e.watchTree(); err != nil {
			watcher.Close()
			e.watcher = nil
			e.stopPipeline()
			return err
		}
		e.wg.Add(1)
		go e.consumeFsEvents()

		// Ingest whatever the mirror directory already holds so a
		// pre-seeded tree is visible without waiting for events.
		e.Import()
	}

	GetLogger().Debug("mirror engine started",
		"root", e.root, "interval_ms", e.cfg.SyncIntervalMS, "watch", e.cfg.WatchChanges)
	return nil
}

// stopPipeline unwinds the subscription-fed goroutines after a failed
// start, so a mount that never came up leaks nothing.
func (e *MirrorEngine) stopPipeline() {
	close(e.done)
	e.cancelSub()
	e.wg.Wait()
}

// Stop tears the engine down: watcher first, then debounce timers,
// then the subscription, then one final best-effort drain.
func (e *MirrorEngine) Stop() {
	close(e.done)
	if e.watcher != nil {
		e.watcher.Close()
	}

	e.mu.Lock()
	for p, t := range e.timers {
		t.Stop()
		delete(e.timers, p)
	}
	e.mu.Unlock()

	e.cancelSub()
	e.wg.Wait()
	e.Drain()
	GetLogger().Debug("mirror engine stopped", "root", e.root)
}

// Enqueue adds a node id to the pending set. Re-adding a pending id
// only updates its path; one disk write covers any number of queued
// changes to the same node.
func (e *MirrorEngine) Enqueue(nodeID, nodePath string) {
	e.mu.Lock()
	e.pending[nodeID] = nodePath
	e.mu.Unlock()
}

// PendingCount reports the number of queued node ids.
func (e *MirrorEngine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Drain writes every queued node to disk. At most one drain pass runs
// at a time: a second call during an active pass returns immediately
// and the queue is picked up by the next trigger. Failed nodes are
// re-queued for a later attempt instead of being dropped.
func (e *MirrorEngine) Drain() {
	e.mu.Lock()
	if e.draining || len(e.pending) == 0 {
		e.mu.Unlock()
		return
	}
	e.draining = true
	batch := e.pending
	e.pending = make(map[string]string)
	e.mu.Unlock()

	for id, nodePath := range batch {
		if err := e.writeNode(id, nodePath); err != nil {
			GetLogger().Warn("mirror write failed, node re-queued", "node", id, "error", err.Error())
			e.Enqueue(id, nodePath)
		}
	}

	e.mu.Lock()
	e.draining = false
	e.mu.Unlock()
}

func (e *MirrorEngine) consumeChanges() {
	defer e.wg.Done()
	for c := range e.changes {
		if c.Origin == OriginSync {
			// Disk-originated mutation: never mirrored back.
			continue
		}
		switch c.Kind {
		case ChangeRemove:
			e.removeDiskPath(c.Path)
		case ChangeMove:
			e.removeDiskPath(c.OldPath)
			e.enqueueSubtree(c.NodeID, c.Path)
			e.maybeDrain()
		default:
			if e.isExcluded(c.Path) {
				continue
			}
			e.Enqueue(c.NodeID, c.Path)
			e.maybeDrain()
		}
	}
}

// enqueueSubtree queues a node and, for directories, everything under
// it. Used after moves, where every descendant's disk location changed.
func (e *MirrorEngine) enqueueSubtree(nodeID, nodePath string) {
	if e.isExcluded(nodePath) {
		return
	}
	e.Enqueue(nodeID, nodePath)
	n, err := e.store.Get(nodeID)
	if err != nil || n.Kind != KindDirectory {
		return
	}
	for name, childID := range n.Children {
		e.enqueueSubtree(childID, path.Join(nodePath, name))
	}
}

func (e *MirrorEngine) maybeDrain() {
	if e.cfg.SyncIntervalMS == 0 {
		e.Drain()
	}
}

func (e *MirrorEngine) drainLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Drain()
		case <-e.done:
			return
		}
	}
}

// isExcluded checks the path's top-level namespace against the
// configured exclusion list.
func (e *MirrorEngine) isExcluded(nodePath string) bool {
	if nodePath == "" || nodePath == "/" {
		return false
	}
	first := strings.SplitN(strings.TrimPrefix(nodePath, "/"), "/", 2)[0]
	_, excluded := e.excluded[first]
	return excluded
}

// diskDirFor maps a tree path to its mirror directory.
func (e *MirrorEngine) diskDirFor(nodePath string) string {
	clean := util.SanitizePath(nodePath)
	if clean == "/" {
		return e.root
	}
	return filepath.Join(e.root, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}

func (e *MirrorEngine) valueFileName() string {
	return "value" + e.cfg.ValueExtension
}

func (e *MirrorEngine) typeFileName() string {
	return "type" + e.cfg.ValueExtension
}

// writeNode mirrors one node: its value file, its type tag, and its
// metadata document, creating parent directories as needed. A value
// file whose bytes already match is left untouched so a converged
// drain performs no disk writes.
func (e *MirrorEngine) writeNode(id, nodePath string) error {
	if nodePath == "" || e.isExcluded(nodePath) {
		return nil
	}
	n, err := e.store.Get(id)
	if err != nil {
		// Node vanished between enqueue and drain; nothing to mirror.
		return nil
	}

	dir := e.diskDirFor(nodePath)
	if err := util.EnsureDir(dir); err != nil {
		return fmt.Errorf("%w: %v", ErrMirrorIO, err)
	}

	if n.Kind != KindDirectory {
		payload := n.Content
		if n.Kind == KindSymlink {
			payload = []byte(n.Target)
		}
		valuePath := filepath.Join(dir, e.valueFileName())
		if existing, err := os.ReadFile(valuePath); err != nil || string(existing) != string(payload) {
			if err := os.WriteFile(valuePath, payload, 0644); err != nil {
				return fmt.Errorf("%w: %v", ErrMirrorIO, err)
			}
		}
	}

	typePath := filepath.Join(dir, e.typeFileName())
	typeTag := []byte(n.Kind.String() + "\n")
	if existing, err := os.ReadFile(typePath); err != nil || string(existing) != string(typeTag) {
		if err := os.WriteFile(typePath, typeTag, 0644); err != nil {
			return fmt.Errorf("%w: %v", ErrMirrorIO, err)
		}
	}

	meta := mirrorMeta{
		ID:       n.ID,
		ParentID: n.ParentID,
		Type:     n.Kind.String(),
		Created:  n.Created,
		Modified: n.Modified,
		Version:  n.Version,
	}
	var existing mirrorMeta
	metaPath := filepath.Join(dir, "value"+MetaExtension)
	if err := util.ReadJSONFile(metaPath, &existing); err != nil ||
		existing.ID != meta.ID || existing.Version != meta.Version || existing.Type != meta.Type {
		if err := util.WriteJSONFile(metaPath, meta); err != nil {
			return fmt.Errorf("%w: %v", ErrMirrorIO, err)
		}
	}
	return nil
}

// removeDiskPath retires the mirror directory of a removed node.
// Best-effort: a failure here is logged and the next full import will
// reconcile.
func (e *MirrorEngine) removeDiskPath(nodePath string) {
	if nodePath == "" || nodePath == "/" || e.isExcluded(nodePath) {
		return
	}
	dir := e.diskDirFor(nodePath)
	if dir == e.root {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		GetLogger().Warn("failed to remove mirrored path", "path", dir, "error", err.Error())
	}
}

// watchTree attaches the watcher to the mirror root and every existing
// subdirectory. fsnotify watches are not recursive; directories that
// appear later are added from their create events.
func (e *MirrorEngine) watchTree() error {
	return filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if werr := e.watcher.Add(p); werr != nil {
				return fmt.Errorf("%w: watch %s: %v", ErrMirrorIO, p, werr)
			}
		}
		return nil
	})
}

func (e *MirrorEngine) consumeFsEvents() {
	defer e.wg.Done()
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			e.handleFsEvent(ev)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			GetLogger().Warn("mirror watcher error", "error", err.Error())
		case <-e.done:
			return
		}
	}
}

// handleFsEvent reacts to one watcher event: new directories extend
// the watch set, and value-file writes restart that path's debounce
// timer.
func (e *MirrorEngine) handleFsEvent(ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := e.watcher.Add(ev.Name); err != nil {
				GetLogger().Warn("failed to watch new directory", "path", ev.Name, "error", err.Error())
			}
			return
		}
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return
	}
	if filepath.Base(ev.Name) != e.valueFileName() {
		return
	}
	e.debounce(ev.Name)
}

// debounce (re)starts the per-path settle timer. Each new event for
// the same path pushes ingestion back by another window.
func (e *MirrorEngine) debounce(diskPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[diskPath]; ok {
		t.Reset(debounceWindow)
		return
	}
	e.timers[diskPath] = time.AfterFunc(debounceWindow, func() {
		e.mu.Lock()
		delete(e.timers, diskPath)
		e.mu.Unlock()
		if err := e.ApplyDiskFile(diskPath); err != nil {
			GetLogger().Warn("failed to apply external change", "path", diskPath, "error", err.Error())
		}
	})
}

// ApplyDiskFile ingests one on-disk value file into the tree via the
// normal set operation, tagged OriginSync. Structured (JSON) content
// is accepted as-is after validation; anything else is taken as raw
// text. Applying bytes identical to the current content is a no-op,
// so ingestion converges instead of ping-ponging.
func (e *MirrorEngine) ApplyDiskFile(diskPath string) error {
	data, err := os.ReadFile(diskPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMirrorIO, err)
	}
	// Structured data passes through byte-exact; re-encoding parsed
	// JSON would alter the bytes and defeat convergence.
	structured := json.Valid(data)

	rel, err := filepath.Rel(e.root, filepath.Dir(diskPath))
	if err != nil || rel == "." {
		return nil
	}
	treePath := "/" + filepath.ToSlash(rel)
	if e.isExcluded(treePath) {
		return nil
	}

	id, err := e.ensureTreePath(treePath)
	if err != nil {
		return err
	}
	GetLogger().Debug("applying external change",
		"path", treePath, "bytes", len(data), "structured", structured)
	return e.store.SetContent(id, data, OriginSync)
}

// ensureTreePath resolves a tree path, creating intermediate
// directories and the leaf file node as needed. All creations carry
// OriginSync.
func (e *MirrorEngine) ensureTreePath(treePath string) (string, error) {
	if id, err := e.paths.Resolve(treePath); err == nil {
		return id, nil
	}

	parts := strings.Split(strings.TrimPrefix(util.SanitizePath(treePath), "/"), "/")
	cur := "/"
	curID := e.store.RootID()
	for i, part := range parts {
		next := path.Join(cur, part)
		id, err := e.paths.Resolve(next)
		if err == nil {
			cur, curID = next, id
			continue
		}
		kind := KindDirectory
		if i == len(parts)-1 {
			kind = KindFile
		}
		node := Node{Kind: kind, Mode: 0o755, UID: e.cfg.UID, GID: e.cfg.GID}
		if kind == KindFile {
			node.Mode = 0o644
			node.Content = []byte{}
		}
		newID, err := e.store.Put(curID, part, node, OriginSync)
		if err != nil {
			return "", err
		}
		e.paths.Register(next, newID)
		cur, curID = next, newID
	}
	return curID, nil
}

// Import walks the mirror directory and ingests every value file.
// Used at startup and as a reconciliation pass.
func (e *MirrorEngine) Import() {
	filepath.WalkDir(e.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if filepath.Base(p) != e.valueFileName() {
			return nil
		}
		if err := e.ApplyDiskFile(p); err != nil {
			GetLogger().Warn("import skipped file", "path", p, "error", err.Error())
		}
		return nil
	})
}
