package fluxfs

import (
	"errors"
	"testing"
	"time"
)

func collectChanges(t *testing.T, ch <-chan Change, n int) []Change {
	t.Helper()
	out := make([]Change, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case c := <-ch:
			out = append(out, c)
		case <-deadline:
			t.Fatalf("timed out waiting for %d change events, got %d", n, len(out))
		}
	}
	return out
}

func TestNodeStore_PutGetList(t *testing.T) {
	s := NewNodeStore(1000, 1000)

	dirID, err := s.Put(s.RootID(), "proj", Node{Kind: KindDirectory, Mode: 0o755}, OriginLocal)
	if err != nil {
		t.Fatalf("Put directory failed: %v", err)
	}
	fileID, err := s.Put(dirID, "a.txt", Node{Kind: KindFile, Content: []byte("hello"), Mode: 0o644}, OriginLocal)
	if err != nil {
		t.Fatalf("Put file failed: %v", err)
	}

	n, err := s.Get(fileID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(n.Content) != "hello" {
		t.Errorf("content = %q, want %q", n.Content, "hello")
	}
	if n.ParentID != dirID {
		t.Errorf("parent = %s, want %s", n.ParentID, dirID)
	}
	if n.Nlink != 1 {
		t.Errorf("nlink = %d, want 1", n.Nlink)
	}

	entries, err := s.List(dirID)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].ID != fileID {
		t.Errorf("unexpected listing: %+v", entries)
	}
}

func TestNodeStore_ListFile_NotADirectory(t *testing.T) {
	s := NewNodeStore(0, 0)
	id, _ := s.Put(s.RootID(), "f", Node{Kind: KindFile}, OriginLocal)
	if _, err := s.List(id); !errors.Is(err, ErrNotADirectory) {
		t.Errorf("List on file: got %v, want ErrNotADirectory", err)
	}
}

func TestNodeStore_PutDuplicateName(t *testing.T) {
	s := NewNodeStore(0, 0)
	if _, err := s.Put(s.RootID(), "f", Node{Kind: KindFile}, OriginLocal); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if _, err := s.Put(s.RootID(), "f", Node{Kind: KindFile}, OriginLocal); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Put: got %v, want ErrAlreadyExists", err)
	}
}

func TestNodeStore_UnlinkNonEmptyDirectory(t *testing.T) {
	s := NewNodeStore(0, 0)
	dirID, _ := s.Put(s.RootID(), "d", Node{Kind: KindDirectory}, OriginLocal)
	s.Put(dirID, "child", Node{Kind: KindFile}, OriginLocal)

	if err := s.Unlink(s.RootID(), "d", OriginLocal); !errors.Is(err, ErrDirectoryNotEmpty) {
		t.Fatalf("unlink populated dir: got %v, want ErrDirectoryNotEmpty", err)
	}

	if err := s.Unlink(dirID, "child", OriginLocal); err != nil {
		t.Fatalf("unlink child failed: %v", err)
	}
	if err := s.Unlink(s.RootID(), "d", OriginLocal); err != nil {
		t.Fatalf("unlink emptied dir failed: %v", err)
	}
}

func TestNodeStore_HardLinkLifecycle(t *testing.T) {
	s := NewNodeStore(0, 0)
	id, _ := s.Put(s.RootID(), "a", Node{Kind: KindFile, Content: []byte("x")}, OriginLocal)

	if err := s.Link(s.RootID(), "b", id, OriginLocal); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	n, _ := s.Get(id)
	if n.Nlink != 2 {
		t.Errorf("nlink after link = %d, want 2", n.Nlink)
	}

	// Removing one name keeps the node alive.
	if err := s.Unlink(s.RootID(), "a", OriginLocal); err != nil {
		t.Fatalf("unlink a failed: %v", err)
	}
	if _, err := s.Get(id); err != nil {
		t.Fatalf("node should survive with one link left: %v", err)
	}

	// Removing the last name deletes it.
	if err := s.Unlink(s.RootID(), "b", OriginLocal); err != nil {
		t.Fatalf("unlink b failed: %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("node should be gone: got %v", err)
	}
}

func TestNodeStore_MoveKeepsNodeReachable(t *testing.T) {
	s := NewNodeStore(0, 0)
	srcDir, _ := s.Put(s.RootID(), "src", Node{Kind: KindDirectory}, OriginLocal)
	dstDir, _ := s.Put(s.RootID(), "dst", Node{Kind: KindDirectory}, OriginLocal)
	id, _ := s.Put(srcDir, "f", Node{Kind: KindFile, Content: []byte("v")}, OriginLocal)

	if err := s.Move(id, dstDir, "g", OriginLocal); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	src, _ := s.Get(srcDir)
	if _, still := src.Children["f"]; still {
		t.Error("old registration should be gone")
	}
	dst, _ := s.Get(dstDir)
	if dst.Children["g"] != id {
		t.Error("new registration missing")
	}
	n, _ := s.Get(id)
	if n.ParentID != dstDir || n.Name != "g" {
		t.Errorf("node not re-homed: parent=%s name=%s", n.ParentID, n.Name)
	}
}

func TestNodeStore_SetContentEmitsOnceConverged(t *testing.T) {
	s := NewNodeStore(0, 0)
	id, _ := s.Put(s.RootID(), "f", Node{Kind: KindFile}, OriginLocal)

	ch, cancel := s.Subscribe(16)
	defer cancel()

	if err := s.SetContent(id, []byte("data"), OriginSync); err != nil {
		t.Fatalf("SetContent failed: %v", err)
	}
	events := collectChanges(t, ch, 1)
	if events[0].Kind != ChangeWrite || events[0].Origin != OriginSync {
		t.Errorf("unexpected event: %+v", events[0])
	}

	// Identical content is a no-op: no second event.
	if err := s.SetContent(id, []byte("data"), OriginSync); err != nil {
		t.Fatalf("converged SetContent failed: %v", err)
	}
	select {
	case c := <-ch:
		t.Errorf("converged write emitted event: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNodeStore_RemoveEventCarriesPath(t *testing.T) {
	s := NewNodeStore(0, 0)
	dirID, _ := s.Put(s.RootID(), "d", Node{Kind: KindDirectory}, OriginLocal)
	s.Put(dirID, "f", Node{Kind: KindFile}, OriginLocal)

	ch, cancel := s.Subscribe(16)
	defer cancel()

	if err := s.Unlink(dirID, "f", OriginLocal); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	events := collectChanges(t, ch, 1)
	if events[0].Kind != ChangeRemove || events[0].Path != "/d/f" {
		t.Errorf("unexpected remove event: %+v", events[0])
	}
}

func TestNodeStore_TimestampsMonotonic(t *testing.T) {
	s := NewNodeStore(0, 0)
	id, _ := s.Put(s.RootID(), "f", Node{Kind: KindFile}, OriginLocal)

	before, _ := s.Get(id)
	s.SetContent(id, []byte("one"), OriginLocal)
	after, _ := s.Get(id)

	if after.Modified.Before(before.Modified) {
		t.Error("modified timestamp went backwards")
	}
	if after.Version != before.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, before.Version+1)
	}
}

func TestNodeStore_XattrRoundTrip(t *testing.T) {
	s := NewNodeStore(0, 0)
	id, _ := s.Put(s.RootID(), "f", Node{Kind: KindFile}, OriginLocal)

	if err := s.SetXattr(id, "user.tag", []byte("v1"), OriginLocal); err != nil {
		t.Fatalf("SetXattr failed: %v", err)
	}
	n, _ := s.Get(id)
	if string(n.Xattrs["user.tag"]) != "v1" {
		t.Errorf("xattr = %q, want v1", n.Xattrs["user.tag"])
	}

	if err := s.RemoveXattr(id, "missing", OriginLocal); !errors.Is(err, ErrAttributeNotFound) {
		t.Errorf("RemoveXattr missing: got %v, want ErrAttributeNotFound", err)
	}
	if err := s.RemoveXattr(id, "user.tag", OriginLocal); err != nil {
		t.Fatalf("RemoveXattr failed: %v", err)
	}
}

func TestNodeStore_SnapshotIsolation(t *testing.T) {
	s := NewNodeStore(0, 0)
	id, _ := s.Put(s.RootID(), "f", Node{Kind: KindFile, Content: []byte("abc")}, OriginLocal)

	snap, _ := s.Get(id)
	snap.Content[0] = 'X'

	fresh, _ := s.Get(id)
	if string(fresh.Content) != "abc" {
		t.Error("mutating a snapshot leaked into the store")
	}
}
