package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func cover(id uint8, uid string) Entry {
	return Entry{
		UniqueID:    uid,
		Component:   "cover",
		ConfigTopic: "homeassistant/cover/" + uid + "/config",
		NodeID:      id,
		Name:        "Window " + uid,
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.Get("nope")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("Get() ok = true for missing entry")
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := cover(3, "vlx-kitchen")
	e.UpdatedAt = at
	if err := s.Upsert(e); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, ok, err := s.Get("vlx-kitchen")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.NodeID != 3 || got.Component != "cover" || got.Name != e.Name {
		t.Errorf("Get() = %+v", got)
	}
	if got.ConfigTopic != "homeassistant/cover/vlx-kitchen/config" {
		t.Errorf("ConfigTopic = %q", got.ConfigTopic)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
	}
}

func TestUpsertReplaces(t *testing.T) {
	s := testStore(t)

	if err := s.Upsert(cover(1, "vlx-a")); err != nil {
		t.Fatal(err)
	}
	moved := cover(7, "vlx-a")
	moved.Name = "Renamed"
	if err := s.Upsert(moved); err != nil {
		t.Fatal(err)
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("List() len = %d, want 1", len(all))
	}
	if all[0].NodeID != 7 || all[0].Name != "Renamed" {
		t.Errorf("entry = %+v", all[0])
	}
}

func TestUpsertEmptyID(t *testing.T) {
	s := testStore(t)
	if err := s.Upsert(Entry{Component: "cover"}); err == nil {
		t.Error("Upsert() with empty unique id should fail")
	}
}

func TestListOrdered(t *testing.T) {
	s := testStore(t)

	for _, e := range []Entry{cover(2, "vlx-b"), cover(0, "vlx-z"), cover(2, "vlx-a")} {
		if err := s.Upsert(e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"vlx-z", "vlx-a", "vlx-b"}
	if len(all) != len(want) {
		t.Fatalf("List() len = %d, want %d", len(all), len(want))
	}
	for i, uid := range want {
		if all[i].UniqueID != uid {
			t.Errorf("List()[%d] = %q, want %q", i, all[i].UniqueID, uid)
		}
	}
}

func TestListEmpty(t *testing.T) {
	s := testStore(t)
	all, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("List() = %v, want empty", all)
	}
}

func TestStale(t *testing.T) {
	s := testStore(t)

	entries := []Entry{
		cover(1, "vlx-one"),
		{UniqueID: "vlx-one-keepopen", Component: "switch", ConfigTopic: "x", NodeID: 1},
		cover(2, "vlx-two"),
		{UniqueID: "vlx-two-keepopen", Component: "switch", ConfigTopic: "y", NodeID: 2},
	}
	for _, e := range entries {
		if err := s.Upsert(e); err != nil {
			t.Fatal(err)
		}
	}

	stale, err := s.Stale(map[string]bool{"vlx-one": true, "vlx-one-keepopen": true})
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("Stale() len = %d, want 2", len(stale))
	}
	for _, e := range stale {
		if e.NodeID != 2 {
			t.Errorf("stale entry %q has node %d", e.UniqueID, e.NodeID)
		}
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)

	if err := s.Upsert(cover(1, "vlx-gone")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("vlx-gone"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, ok, _ := s.Get("vlx-gone"); ok {
		t.Error("entry still present after Delete")
	}
	if err := s.Delete("vlx-gone"); err != nil {
		t.Errorf("second Delete() error: %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Upsert(cover(4, "vlx-bath")); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if _, ok, err := s2.Get("vlx-bath"); err != nil || !ok {
		t.Errorf("Get() after reopen = %v, %v", ok, err)
	}
}
