package fluxfs

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

// MountStats holds the per-mount operation counters exposed to
// operators. All fields are updated atomically on the hot path.
type MountStats struct {
	Reads    atomic.Uint64
	Writes   atomic.Uint64
	Creates  atomic.Uint64
	Deletes  atomic.Uint64
	Symlinks atomic.Uint64
	Links    atomic.Uint64
	XattrOps atomic.Uint64
	Errors   atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Creates  uint64 `json:"creates"`
	Deletes  uint64 `json:"deletes"`
	Symlinks uint64 `json:"symlinks"`
	Links    uint64 `json:"links"`
	XattrOps uint64 `json:"xattr_ops"`
	Errors   uint64 `json:"errors"`
}

// Snapshot copies the counters.
func (s *MountStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Reads:    s.Reads.Load(),
		Writes:   s.Writes.Load(),
		Creates:  s.Creates.Load(),
		Deletes:  s.Deletes.Load(),
		Symlinks: s.Symlinks.Load(),
		Links:    s.Links.Load(),
		XattrOps: s.XattrOps.Load(),
		Errors:   s.Errors.Load(),
	}
}

// Mount is one live instance of the virtual filesystem. Its config is
// immutable after creation.
type Mount struct {
	cfg     MountConfig
	store   *NodeStore
	paths   *PathIndex
	handles *HandleTable
	ops     *Ops
	mirror  *MirrorEngine
	stats   *MountStats

	conn      *fuse.Conn
	statsDone chan struct{}
	closeOnce sync.Once
}

// statsInterval is how often the operation counters are logged at
// debug level.
const statsInterval = time.Minute

func (m *Mount) logStatsLoop() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := m.stats.Snapshot()
			GetLogger().Debug("mount stats",
				"mountpoint", m.cfg.MountPoint,
				"reads", snap.Reads, "writes", snap.Writes,
				"creates", snap.Creates, "deletes", snap.Deletes,
				"errors", snap.Errors, "open_fds", m.handles.Count())
		case <-m.statsDone:
			return
		}
	}
}

// Config returns the mount's immutable configuration.
func (m *Mount) Config() MountConfig { return m.cfg }

// Ops returns the mount's operation handler.
func (m *Mount) Ops() *Ops { return m.ops }

// Store returns the mount's node store.
func (m *Mount) Store() *NodeStore { return m.store }

// Stats returns a snapshot of the operation counters.
func (m *Mount) Stats() StatsSnapshot { return m.stats.Snapshot() }

// Serve attaches the mount to the kernel via the FUSE transport and
// blocks until the connection is torn down.
func (m *Mount) Serve() error {
	opts := []fuse.MountOption{
		fuse.FSName(m.cfg.FSType),
		fuse.Subtype("fluxfs"),
		fuse.MaxReadahead(m.cfg.MaxReadahead),
	}
	if m.cfg.AllowOther {
		opts = append(opts, fuse.AllowOther())
	}

	conn, err := fuse.Mount(m.cfg.MountPoint, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.conn = conn

	GetLogger().Info("filesystem mounted",
		"mountpoint", m.cfg.MountPoint, "fstype", m.cfg.FSType)
	return fusefs.Serve(conn, &FuseFS{mount: m})
}

// Close tears the mount down in the order the resource model requires:
// watcher and debounce timers first, a final best-effort drain, then
// descriptor invalidation and unmount.
func (m *Mount) Close() {
	m.closeOnce.Do(func() {
		close(m.statsDone)
		if m.mirror != nil {
			m.mirror.Stop()
		}
		released := m.handles.ReleaseAll()
		if released > 0 {
			GetLogger().Debug("invalidated open descriptors", "count", released)
		}
		if m.conn != nil {
			fuse.Unmount(m.cfg.MountPoint)
			m.conn.Close()
		}
		GetLogger().Info("mount closed", "mountpoint", m.cfg.MountPoint)
	})
}

// MountManager owns mount lifecycle: creation, lookup, teardown.
type MountManager struct {
	mu     sync.Mutex
	mounts map[string]*Mount

	// probe checks that the FUSE transport can be initialized at all.
	// Swappable for tests.
	probe func() error
}

// NewMountManager returns an empty manager with the platform probe.
func NewMountManager() *MountManager {
	return &MountManager{
		mounts: make(map[string]*Mount),
		probe:  probeTransport,
	}
}

// probeTransport verifies the FUSE device is present. Absence is a
// fatal, non-retryable condition reported before any mount point is
// touched.
func probeTransport() error {
	if _, err := os.Stat("/dev/fuse"); err != nil {
		return fmt.Errorf("%w: /dev/fuse: %v", ErrUnavailable, err)
	}
	return nil
}

// Create builds a mount from cfg: capability probe, component wiring,
// and mirror engine startup when autoSync is enabled. The mirror
// directory defaults to <mountPoint>.mirror when unset.
func (mm *MountManager) Create(cfg MountConfig) (*Mount, error) {
	if cfg.MountPoint == "" {
		return nil, fmt.Errorf("mount config: mountPoint is required")
	}
	if err := mm.probe(); err != nil {
		return nil, err
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if _, exists := mm.mounts[cfg.MountPoint]; exists {
		return nil, fmt.Errorf("mount %s: %w", cfg.MountPoint, ErrAlreadyExists)
	}

	if cfg.MirrorDir == "" {
		cfg.MirrorDir = cfg.MountPoint + ".mirror"
	}

	store := NewNodeStore(cfg.UID, cfg.GID)
	paths := NewPathIndex(store.RootID())
	store.SetPathResolver(func(id string) string {
		p, err := paths.PathOf(id)
		if err != nil {
			return ""
		}
		return p
	})
	handles := NewHandleTable()
	stats := &MountStats{}
	ops := NewOps(store, paths, handles, stats, cfg)

	m := &Mount{
		cfg:       cfg,
		store:     store,
		paths:     paths,
		handles:   handles,
		ops:       ops,
		stats:     stats,
		statsDone: make(chan struct{}),
	}

	if cfg.AutoSync {
		mirror, err := NewMirrorEngine(store, paths, cfg)
		if err != nil {
			return nil, err
		}
		if err := mirror.Start(); err != nil {
			return nil, err
		}
		m.mirror = mirror
	}

	// Started only once the mount cannot fail anymore; a failed Create
	// must leave no goroutine behind.
	go m.logStatsLoop()

	mm.mounts[cfg.MountPoint] = m
	GetLogger().Info("mount created", "mountpoint", cfg.MountPoint, "mirror", cfg.MirrorDir)
	return m, nil
}

// Get returns the mount at a mount point.
func (mm *MountManager) Get(mountPoint string) (*Mount, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	m, ok := mm.mounts[mountPoint]
	return m, ok
}

// Remove closes and forgets the mount at a mount point.
func (mm *MountManager) Remove(mountPoint string) {
	mm.mu.Lock()
	m, ok := mm.mounts[mountPoint]
	delete(mm.mounts, mountPoint)
	mm.mu.Unlock()
	if ok {
		m.Close()
	}
}

// CloseAll tears down every mount.
func (mm *MountManager) CloseAll() {
	mm.mu.Lock()
	mounts := make([]*Mount, 0, len(mm.mounts))
	for _, m := range mm.mounts {
		mounts = append(mounts, m)
	}
	mm.mounts = make(map[string]*Mount)
	mm.mu.Unlock()
	for _, m := range mounts {
		m.Close()
	}
}
