package fluxfs

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fluxkit/fluxfs/util"
)

type mirrorFixture struct {
	engine *MirrorEngine
	ops    *Ops
	store  *NodeStore
	paths  *PathIndex
	root   string
}

func newMirrorFixture(t *testing.T, start bool) *mirrorFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MirrorDir = t.TempDir()
	cfg.WatchChanges = false
	cfg.SyncIntervalMS = 0

	store := NewNodeStore(cfg.UID, cfg.GID)
	paths := NewPathIndex(store.RootID())
	store.SetPathResolver(func(id string) string {
		p, err := paths.PathOf(id)
		if err != nil {
			return ""
		}
		return p
	})
	ops := NewOps(store, paths, NewHandleTable(), &MountStats{}, cfg)

	engine, err := NewMirrorEngine(store, paths, cfg)
	if err != nil {
		t.Fatalf("NewMirrorEngine failed: %v", err)
	}
	if start {
		if err := engine.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		t.Cleanup(engine.Stop)
	}
	return &mirrorFixture{engine: engine, ops: ops, store: store, paths: paths, root: cfg.MirrorDir}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func TestMirror_DrainWritesNodeLayout(t *testing.T) {
	fx := newMirrorFixture(t, false)

	fx.ops.Mkdir("/agents", 0o755)
	fd, _ := fx.ops.Create("/agents/a1.json", 0o644)
	fx.ops.Write(fd, 0, []byte(`{"status":"ok"}`))
	fx.ops.Release(fd)

	id, _ := fx.paths.Resolve("/agents/a1.json")
	fx.engine.Enqueue(id, "/agents/a1.json")
	fx.engine.Drain()

	nodeDir := filepath.Join(fx.root, "agents", "a1.json")
	value, err := os.ReadFile(filepath.Join(nodeDir, "value.fxval"))
	if err != nil {
		t.Fatalf("value file not written: %v", err)
	}
	if string(value) != `{"status":"ok"}` {
		t.Errorf("value = %q", value)
	}

	typeTag, err := os.ReadFile(filepath.Join(nodeDir, "type.fxval"))
	if err != nil || string(typeTag) != "file\n" {
		t.Errorf("type tag = %q, %v", typeTag, err)
	}

	var meta mirrorMeta
	if err := util.ReadJSONFile(filepath.Join(nodeDir, "value.fxmeta"), &meta); err != nil {
		t.Fatalf("metadata not readable: %v", err)
	}
	if meta.ID != id || meta.Type != "file" || meta.Version != 1 {
		t.Errorf("metadata = %+v", meta)
	}

	if fx.engine.PendingCount() != 0 {
		t.Errorf("pending after drain = %d, want 0", fx.engine.PendingCount())
	}
}

func TestMirror_EnqueueIsIdempotent(t *testing.T) {
	fx := newMirrorFixture(t, false)
	fx.engine.Enqueue("n1", "/a")
	fx.engine.Enqueue("n1", "/a")
	fx.engine.Enqueue("n2", "/b")
	if got := fx.engine.PendingCount(); got != 2 {
		t.Errorf("pending = %d, want 2", got)
	}
}

func TestMirror_EventDrivenSync(t *testing.T) {
	fx := newMirrorFixture(t, true)

	fd, _ := fx.ops.Create("/state.json", 0o644)
	fx.ops.Write(fd, 0, []byte("v1"))
	fx.ops.Release(fd)

	valuePath := filepath.Join(fx.root, "state.json", "value.fxval")
	waitFor(t, "value file to appear", func() bool {
		data, err := os.ReadFile(valuePath)
		return err == nil && string(data) == "v1"
	})
}

func TestMirror_RemoveRetiresDiskPath(t *testing.T) {
	fx := newMirrorFixture(t, true)

	fd, _ := fx.ops.Create("/doomed", 0o644)
	fx.ops.Write(fd, 0, []byte("x"))
	fx.ops.Release(fd)

	nodeDir := filepath.Join(fx.root, "doomed")
	waitFor(t, "mirrored dir to appear", func() bool { return fileExists(nodeDir) })

	fx.ops.Unlink("/doomed")
	waitFor(t, "mirrored dir to disappear", func() bool { return !fileExists(nodeDir) })
}

func TestMirror_RenameMovesDiskSubtree(t *testing.T) {
	fx := newMirrorFixture(t, true)

	fx.ops.Mkdir("/old", 0o755)
	fd, _ := fx.ops.Create("/old/f", 0o644)
	fx.ops.Write(fd, 0, []byte("payload"))
	fx.ops.Release(fd)

	oldValue := filepath.Join(fx.root, "old", "f", "value.fxval")
	waitFor(t, "old location mirrored", func() bool { return fileExists(oldValue) })

	fx.ops.Rename("/old", "/new")

	newValue := filepath.Join(fx.root, "new", "f", "value.fxval")
	waitFor(t, "new location mirrored", func() bool {
		data, err := os.ReadFile(newValue)
		return err == nil && string(data) == "payload"
	})
	waitFor(t, "old location retired", func() bool {
		return !fileExists(filepath.Join(fx.root, "old"))
	})
}

func TestMirror_ExcludedNamespaceNeverTouchesDisk(t *testing.T) {
	fx := newMirrorFixture(t, true)

	fx.ops.Mkdir("/tmp", 0o755)
	fd, _ := fx.ops.Create("/tmp/scratch", 0o644)
	fx.ops.Write(fd, 0, []byte("ephemeral"))
	fx.ops.Release(fd)

	// Give the consumer time to have processed the events.
	fd, _ = fx.ops.Create("/visible", 0o644)
	fx.ops.Release(fd)
	waitFor(t, "non-excluded sibling mirrored", func() bool {
		return fileExists(filepath.Join(fx.root, "visible"))
	})

	if fileExists(filepath.Join(fx.root, "tmp")) {
		t.Error("excluded namespace leaked to disk")
	}
}

func TestMirror_SyncOriginNotMirrored(t *testing.T) {
	fx := newMirrorFixture(t, true)

	fd, _ := fx.ops.Create("/f", 0o644)
	fx.ops.Write(fd, 0, []byte("disk-state"))
	fx.ops.Release(fd)

	valuePath := filepath.Join(fx.root, "f", "value.fxval")
	waitFor(t, "initial mirror", func() bool {
		data, err := os.ReadFile(valuePath)
		return err == nil && string(data) == "disk-state"
	})

	// A sync-origin mutation must not be written back out.
	id, _ := fx.paths.Resolve("/f")
	if err := fx.store.SetContent(id, []byte("from-disk"), OriginSync); err != nil {
		t.Fatalf("SetContent failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	data, _ := os.ReadFile(valuePath)
	if string(data) != "disk-state" {
		t.Errorf("sync-origin change leaked to disk: %q", data)
	}
	if fx.engine.PendingCount() != 0 {
		t.Errorf("sync-origin change was queued")
	}
}

func TestMirror_ConvergedDrainIsStable(t *testing.T) {
	fx := newMirrorFixture(t, false)

	fd, _ := fx.ops.Create("/f", 0o644)
	fx.ops.Write(fd, 0, []byte("settled"))
	fx.ops.Release(fd)

	id, _ := fx.paths.Resolve("/f")
	fx.engine.Enqueue(id, "/f")
	fx.engine.Drain()

	valuePath := filepath.Join(fx.root, "f", "value.fxval")
	before, err := os.Stat(valuePath)
	if err != nil {
		t.Fatalf("value file missing: %v", err)
	}

	// Draining the same unchanged node again must not rewrite the file.
	fx.engine.Enqueue(id, "/f")
	fx.engine.Drain()
	after, _ := os.Stat(valuePath)
	if !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size() {
		t.Error("converged drain rewrote the value file")
	}
	if fx.engine.PendingCount() != 0 {
		t.Errorf("pending = %d after converged drain", fx.engine.PendingCount())
	}
}

func TestMirror_ApplyDiskFileCreatesTreePath(t *testing.T) {
	fx := newMirrorFixture(t, false)

	nodeDir := filepath.Join(fx.root, "sensors", "temp-1")
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	diskPath := filepath.Join(nodeDir, "value.fxval")
	if err := os.WriteFile(diskPath, []byte(`{"reading":21.5}`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := fx.engine.ApplyDiskFile(diskPath); err != nil {
		t.Fatalf("ApplyDiskFile failed: %v", err)
	}

	id, err := fx.paths.Resolve("/sensors/temp-1")
	if err != nil {
		t.Fatalf("ingested path not resolvable: %v", err)
	}
	n, _ := fx.store.Get(id)
	if n.Kind != KindFile || string(n.Content) != `{"reading":21.5}` {
		t.Errorf("ingested node = kind %v content %q", n.Kind, n.Content)
	}

	// The intermediate component became a directory.
	dirID, err := fx.paths.Resolve("/sensors")
	if err != nil {
		t.Fatalf("intermediate dir not resolvable: %v", err)
	}
	dir, _ := fx.store.Get(dirID)
	if dir.Kind != KindDirectory {
		t.Errorf("intermediate node kind = %v", dir.Kind)
	}
}

func TestMirror_ApplyDiskFileUpdatesExisting(t *testing.T) {
	fx := newMirrorFixture(t, false)

	fd, _ := fx.ops.Create("/f", 0o644)
	fx.ops.Write(fd, 0, []byte("old"))
	fx.ops.Release(fd)

	nodeDir := filepath.Join(fx.root, "f")
	os.MkdirAll(nodeDir, 0o755)
	diskPath := filepath.Join(nodeDir, "value.fxval")
	os.WriteFile(diskPath, []byte("new"), 0o644)

	if err := fx.engine.ApplyDiskFile(diskPath); err != nil {
		t.Fatalf("ApplyDiskFile failed: %v", err)
	}
	id, _ := fx.paths.Resolve("/f")
	n, _ := fx.store.Get(id)
	if string(n.Content) != "new" {
		t.Errorf("content = %q, want new", n.Content)
	}
}

func TestMirror_DebouncedFsEvent(t *testing.T) {
	fx := newMirrorFixture(t, false)

	nodeDir := filepath.Join(fx.root, "watched")
	os.MkdirAll(nodeDir, 0o755)
	diskPath := filepath.Join(nodeDir, "value.fxval")
	os.WriteFile(diskPath, []byte("settled"), 0o644)

	fx.engine.handleFsEvent(fsnotify.Event{Name: diskPath, Op: fsnotify.Write})

	waitFor(t, "debounced ingestion", func() bool {
		id, err := fx.paths.Resolve("/watched")
		if err != nil {
			return false
		}
		n, err := fx.store.Get(id)
		return err == nil && string(n.Content) == "settled"
	})
}

func TestMirror_FsEventIgnoresForeignFiles(t *testing.T) {
	fx := newMirrorFixture(t, false)

	nodeDir := filepath.Join(fx.root, "n")
	os.MkdirAll(nodeDir, 0o755)
	foreign := filepath.Join(nodeDir, "notes.txt")
	os.WriteFile(foreign, []byte("irrelevant"), 0o644)

	fx.engine.handleFsEvent(fsnotify.Event{Name: foreign, Op: fsnotify.Write})
	time.Sleep(2 * debounceWindow)

	if _, err := fx.paths.Resolve("/n"); err == nil {
		t.Error("foreign file should not have been ingested")
	}
}

func TestMirror_ImportIngestsSeededTree(t *testing.T) {
	fx := newMirrorFixture(t, false)

	for _, seed := range []struct{ dir, content string }{
		{"agents/a1", `{"n":1}`},
		{"agents/a2", `{"n":2}`},
		{"state/session", "plain text"},
	} {
		nodeDir := filepath.Join(fx.root, filepath.FromSlash(seed.dir))
		os.MkdirAll(nodeDir, 0o755)
		os.WriteFile(filepath.Join(nodeDir, "value.fxval"), []byte(seed.content), 0o644)
	}

	fx.engine.Import()

	for path, want := range map[string]string{
		"/agents/a1":     `{"n":1}`,
		"/agents/a2":     `{"n":2}`,
		"/state/session": "plain text",
	} {
		id, err := fx.paths.Resolve(path)
		if err != nil {
			t.Fatalf("%s not ingested: %v", path, err)
		}
		n, _ := fx.store.Get(id)
		if string(n.Content) != want {
			t.Errorf("%s content = %q, want %q", path, n.Content, want)
		}
	}
}

func TestMirror_DirectoryNodeHasNoValueFile(t *testing.T) {
	fx := newMirrorFixture(t, false)

	fx.ops.Mkdir("/onlydir", 0o755)
	id, _ := fx.paths.Resolve("/onlydir")
	fx.engine.Enqueue(id, "/onlydir")
	fx.engine.Drain()

	nodeDir := filepath.Join(fx.root, "onlydir")
	if fileExists(filepath.Join(nodeDir, "value.fxval")) {
		t.Error("directory node should not get a value file")
	}
	typeTag, err := os.ReadFile(filepath.Join(nodeDir, "type.fxval"))
	if err != nil || string(typeTag) != "directory\n" {
		t.Errorf("type tag = %q, %v", typeTag, err)
	}
}

func TestMirror_StopDrainsQueue(t *testing.T) {
	fx := newMirrorFixture(t, false)
	if err := fx.engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fd, _ := fx.ops.Create("/last-write", 0o644)
	fx.ops.Write(fd, 0, []byte("flushed at shutdown"))
	fx.ops.Release(fd)

	fx.engine.Stop()

	data, err := os.ReadFile(filepath.Join(fx.root, "last-write", "value.fxval"))
	if err != nil || string(data) != "flushed at shutdown" {
		t.Errorf("final drain missed pending write: %q, %v", data, err)
	}
}

func TestMirror_StartFailureUnwinds(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	fx := newMirrorFixture(t, false)
	fx.engine.cfg.WatchChanges = true

	// An unreadable subdirectory makes the watcher attachment fail
	// after the change pipeline has already started.
	locked := filepath.Join(fx.root, "locked")
	if err := os.Mkdir(locked, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	before := runtime.NumGoroutine()
	if err := fx.engine.Start(); err == nil {
		t.Fatal("Start should fail when the tree cannot be watched")
	}
	waitFor(t, "pipeline goroutines to unwind", func() bool {
		return runtime.NumGoroutine() <= before
	})
}
