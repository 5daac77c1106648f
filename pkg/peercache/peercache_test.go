package peercache

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "peers.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutAndSeeds(t *testing.T) {
	c := openTestCache(t)
	now := time.Now()
	if err := c.Put("n1", "10.0.0.1:7878", now); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put("n2", "10.0.0.2:7878", now); err != nil {
		t.Fatalf("put: %v", err)
	}
	// overwrite keeps one entry per node
	if err := c.Put("n1", "10.0.0.9:7878", now); err != nil {
		t.Fatalf("put: %v", err)
	}

	seeds, err := c.Seeds(0)
	if err != nil {
		t.Fatalf("seeds: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("seeds = %d, want 2", len(seeds))
	}
	byID := map[string]Seed{}
	for _, s := range seeds {
		byID[s.NodeID] = s
	}
	if byID["n1"].Address != "10.0.0.9:7878" {
		t.Fatalf("n1 address = %q", byID["n1"].Address)
	}
}

func TestSeedsPrunesStale(t *testing.T) {
	c := openTestCache(t)
	if err := c.Put("old", "10.0.0.1:7878", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put("fresh", "10.0.0.2:7878", time.Now()); err != nil {
		t.Fatalf("put: %v", err)
	}

	seeds, err := c.Seeds(24 * time.Hour)
	if err != nil {
		t.Fatalf("seeds: %v", err)
	}
	if len(seeds) != 1 || seeds[0].NodeID != "fresh" {
		t.Fatalf("seeds = %+v, want only fresh", seeds)
	}

	// stale entry was deleted, not just filtered
	all, err := c.Seeds(0)
	if err != nil {
		t.Fatalf("seeds: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("stale entry still present: %+v", all)
	}
}

func TestForget(t *testing.T) {
	c := openTestCache(t)
	if err := c.Put("n1", "10.0.0.1:7878", time.Now()); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Forget("n1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	seeds, err := c.Seeds(0)
	if err != nil {
		t.Fatalf("seeds: %v", err)
	}
	if len(seeds) != 0 {
		t.Fatalf("forgotten peer still cached: %+v", seeds)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("empty path accepted")
	}
}

func TestPutValidation(t *testing.T) {
	c := openTestCache(t)
	if err := c.Put("", "addr", time.Now()); err == nil {
		t.Fatalf("empty node id accepted")
	}
	if err := c.Put("n1", "", time.Now()); err == nil {
		t.Fatalf("empty address accepted")
	}
}
