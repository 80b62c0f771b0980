package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func key(user, category string, kind Kind) Key {
	return Key{UserID: user, Category: category, Kind: kind}
}

func TestStore_PutReplacesByKey(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "jobs.json"))
	now := time.Now()

	s.Put(Job{Key: key("alice", "wellness", KindMessage), NextFireAt: now})
	s.Put(Job{Key: key("alice", "wellness", KindMessage), NextFireAt: now.Add(time.Hour)})

	jobs := s.List()
	if len(jobs) != 1 {
		t.Fatalf("List: got %d jobs, want 1", len(jobs))
	}
	if !jobs[0].NextFireAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("Put did not replace: %v", jobs[0].NextFireAt)
	}
	if s.PutIfAbsent(Job{Key: key("alice", "wellness", KindMessage)}) {
		t.Fatal("PutIfAbsent overwrote an existing key")
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewStore(path)
	now := time.Now().Truncate(time.Millisecond)
	s1.Put(Job{Key: key("alice", "wellness", KindMessage), Period: "morning", NextFireAt: now, CreatedAt: now})
	if err := s1.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := NewStore(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	job, ok := s2.Get(key("alice", "wellness", KindMessage))
	if !ok || job.Period != "morning" || !job.NextFireAt.Equal(now) {
		t.Fatalf("reloaded job: %+v", job)
	}
}

func TestStore_RemoveMatchingIsScoped(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "jobs.json"))
	s.Put(Job{Key: key("alice", "wellness", KindMessage)})
	s.Put(Job{Key: key("alice", "quotes", KindMessage)})
	s.Put(Job{Key: key("alice", "checkin", KindCheckIn)})
	s.Put(Job{Key: key("bob", "wellness", KindMessage)})

	removed := s.RemoveMatching("alice", "wellness")
	if len(removed) != 1 {
		t.Fatalf("removed %d, want 1", len(removed))
	}
	if s.Count("bob", "wellness") != 1 {
		t.Fatal("another user's job was removed")
	}

	removed = s.RemoveMatching("alice", "", KindCheckIn)
	if len(removed) != 1 || removed[0].Kind != KindCheckIn {
		t.Fatalf("kind-scoped removal: %+v", removed)
	}
	if s.Count("alice", "quotes") != 1 {
		t.Fatal("unrelated category removed")
	}
}

func TestStore_ListDue(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "jobs.json"))
	now := time.Now()

	s.Put(Job{Key: key("a", "past", KindMessage), NextFireAt: now.Add(-time.Minute)})
	s.Put(Job{Key: key("a", "future", KindMessage), NextFireAt: now.Add(time.Hour)})
	s.Put(Job{Key: key("a", "exact", KindMessage), NextFireAt: now})

	due := s.ListDue(now)
	if len(due) != 2 {
		t.Fatalf("ListDue: got %d, want 2", len(due))
	}
	if due[0].Category != "past" {
		t.Fatalf("ListDue not ordered by fire time: %v", due)
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nonexistent.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("Load on missing file should not error: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatal("expected empty store")
	}
}

func TestStore_LoadCorruptFileLeavesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(path)
	s.Put(Job{Key: key("a", "b", KindMessage)})
	if err := s.Load(); err == nil {
		t.Fatal("expected decode error")
	}
	if len(s.List()) != 0 {
		t.Fatal("corrupt load should leave the table empty")
	}
}
