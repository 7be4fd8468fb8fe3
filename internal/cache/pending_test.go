package cache

import (
	"testing"
	"time"
)

func TestPendingJoinCacheTakeConsumes(t *testing.T) {
	c := NewPendingJoinCache(30 * time.Minute)
	c.Put(100, "usr_1", "Alice")

	entry, ok := c.Take(100)
	if !ok || entry.VRCUserID != "usr_1" || entry.VRCName != "Alice" {
		t.Fatalf("take = %+v ok=%v", entry, ok)
	}
	if _, ok := c.Take(100); ok {
		t.Fatal("second take should miss")
	}
}

func TestPendingJoinCacheTTL(t *testing.T) {
	c := NewPendingJoinCache(30 * time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put(100, "usr_1", "Alice")

	c.now = func() time.Time { return base.Add(31 * time.Minute) }
	if _, ok := c.Take(100); ok {
		t.Fatal("expired entry should be treated as absent")
	}
}

func TestPendingJoinCachePutReplaces(t *testing.T) {
	c := NewPendingJoinCache(30 * time.Minute)
	c.Put(100, "usr_1", "Alice")
	c.Put(100, "usr_2", "Bob")

	entry, ok := c.Peek(100)
	if !ok || entry.VRCUserID != "usr_2" {
		t.Fatalf("peek = %+v ok=%v", entry, ok)
	}
}

func TestPendingJoinCachePrune(t *testing.T) {
	c := NewPendingJoinCache(30 * time.Minute)
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Put(1, "usr_1", "a")
	c.Put(2, "usr_2", "b")

	c.now = func() time.Time { return base.Add(time.Hour) }
	c.Put(3, "usr_3", "c")

	if removed := c.Prune(); removed != 2 {
		t.Fatalf("pruned %d, want 2", removed)
	}
	if _, ok := c.Peek(3); !ok {
		t.Fatal("fresh entry pruned")
	}
}

func TestFlagSetDeduplicates(t *testing.T) {
	f := NewFlagSet(time.Hour)
	if !f.MarkHandled("flag-1") {
		t.Fatal("first mark should be new")
	}
	if f.MarkHandled("flag-1") {
		t.Fatal("replayed flag should be a no-op")
	}
	if !f.MarkHandled("flag-2") {
		t.Fatal("distinct flag should be new")
	}
}

func TestFlagSetPruneKeepsLiveFlags(t *testing.T) {
	f := NewFlagSet(time.Hour)
	base := time.Now()
	f.now = func() time.Time { return base }
	f.MarkHandled("old-1")
	f.MarkHandled("old-2")

	f.now = func() time.Time { return base.Add(30 * time.Minute) }
	f.MarkHandled("fresh")

	f.now = func() time.Time { return base.Add(70 * time.Minute) }
	if removed := f.Prune(); removed != 2 {
		t.Fatalf("pruned %d, want 2", removed)
	}

	// The live flag still deduplicates after the cleanup pass.
	if f.MarkHandled("fresh") {
		t.Fatal("cleanup forgot a flag inside the retention window")
	}
	if !f.MarkHandled("old-1") {
		t.Fatal("evicted flag should be treated as new")
	}
}

func TestFlagSetReplayDoesNotExtendRetention(t *testing.T) {
	f := NewFlagSet(time.Hour)
	base := time.Now()
	f.now = func() time.Time { return base }
	f.MarkHandled("flag-1")

	f.now = func() time.Time { return base.Add(59 * time.Minute) }
	if f.MarkHandled("flag-1") {
		t.Fatal("replay inside the window should be a no-op")
	}

	f.now = func() time.Time { return base.Add(61 * time.Minute) }
	if !f.MarkHandled("flag-1") {
		t.Fatal("flag past the window should be treated as new")
	}
}
