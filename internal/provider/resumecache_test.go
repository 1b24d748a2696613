package provider

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestResumeCache(t *testing.T) *ResumeCache {
	t.Helper()
	c, err := OpenResumeCache(filepath.Join(t.TempDir(), "resume.db"))
	if err != nil {
		t.Fatalf("OpenResumeCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestResumeCacheProgressRoundTrip(t *testing.T) {
	c := openTestResumeCache(t)

	if off, err := c.Progress("obj-1"); err != nil || off != 0 {
		t.Fatalf("fresh key: got offset=%d err=%v, want 0, nil", off, err)
	}
	if err := c.SetProgress("obj-1", 4096); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	off, err := c.Progress("obj-1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if off != 4096 {
		t.Fatalf("offset = %d, want 4096", off)
	}
}

func TestResumeCacheClearRemovesRecord(t *testing.T) {
	c := openTestResumeCache(t)
	if err := c.SetProgress("obj-2", 100); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	if err := c.Clear("obj-2"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if off, err := c.Progress("obj-2"); err != nil || off != 0 {
		t.Fatalf("after Clear: got offset=%d err=%v, want 0, nil", off, err)
	}
}

func TestResumeCacheGCRemovesOnlyStaleRecords(t *testing.T) {
	c := openTestResumeCache(t)
	if err := c.SetProgress("fresh", 10); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}

	// A zero maxAge makes every record stale relative to now... except
	// one written this instant, whose timestamp equals the cutoff
	// boundary; use a negative age to push the cutoff into the future.
	removed, err := c.GC(-time.Minute)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if off, _ := c.Progress("fresh"); off != 0 {
		t.Fatalf("expected record gone after GC, offset=%d", off)
	}

	// And a generous maxAge must keep a fresh record.
	if err := c.SetProgress("kept", 20); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}
	removed, err = c.GC(time.Hour)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}
	if off, _ := c.Progress("kept"); off != 20 {
		t.Fatalf("fresh record lost: offset=%d, want 20", off)
	}
}
