package cacheindex

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRegisterAndActive(t *testing.T) {
	idx := New(filepath.Join(t.TempDir(), "cache_index.csv"))
	idx.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	idx.Register("evidence", "runtime_evidence", "runs/t1/wo1/archive.zip", time.Hour)

	active := idx.Active("evidence", "runtime_evidence", time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC))
	if len(active) != 1 {
		t.Fatalf("expected 1 active entry, got %d", len(active))
	}

	expired := idx.Active("evidence", "runtime_evidence", time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	if len(expired) != 0 {
		t.Errorf("expected entry to have expired, got %d", len(expired))
	}
}

func TestFlushAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache_index.csv")
	idx := New(path)
	idx.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	idx.Register("evidence", "runtime_evidence", "runs/t1/wo1/archive.zip", time.Hour)

	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	active := reloaded.Active("evidence", "runtime_evidence", time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC))
	if len(active) != 1 || active[0].Ref != "runs/t1/wo1/archive.zip" {
		t.Errorf("unexpected reloaded entries: %+v", active)
	}
}

func TestLoad_MissingFileReturnsEmptyIndex(t *testing.T) {
	idx, err := Load(filepath.Join(t.TempDir(), "missing.csv"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(idx.entries) != 0 {
		t.Errorf("expected empty index for missing file, got %d entries", len(idx.entries))
	}
}
