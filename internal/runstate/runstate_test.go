package runstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "runstate.json"))
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	current := t0
	s.now = func() time.Time {
		result := current
		current = current.Add(time.Second)
		return result
	}
	seq := 0
	s.newID = func() string {
		seq++
		return "id-" + itoa(seq)
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestCreateRun_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.CreateRun(ctx, "t1", "wo1", nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	second, err := s.CreateRun(ctx, "t1", "wo1", nil)
	if err != nil {
		t.Fatalf("CreateRun (repeat): %v", err)
	}
	if first.RunID != second.RunID {
		t.Errorf("expected same RunID on repeat CreateRun, got %q and %q", first.RunID, second.RunID)
	}
}

func TestCreateStepRun_IsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.CreateRun(ctx, "t1", "wo1", nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	sr1, err := s.CreateStepRun(ctx, "t1", "wo1", "s1", "m1", "key-1", "/out/s1", nil)
	if err != nil {
		t.Fatalf("CreateStepRun: %v", err)
	}
	sr2, err := s.CreateStepRun(ctx, "t1", "wo1", "s1", "m1", "key-1", "/out/s1", nil)
	if err != nil {
		t.Fatalf("CreateStepRun (repeat): %v", err)
	}
	if sr1.ModuleRunID != sr2.ModuleRunID {
		t.Errorf("expected same ModuleRunID on repeat CreateStepRun, got %q and %q", sr1.ModuleRunID, sr2.ModuleRunID)
	}

	run, err := s.GetRun(ctx, "t1", "wo1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(run.StepRuns) != 1 {
		t.Fatalf("expected exactly one step run, got %d", len(run.StepRuns))
	}
}

func TestSetRunStatus_PersistsAcrossLoad(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.CreateRun(ctx, "t1", "wo1", nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.SetRunStatus(ctx, "t1", "wo1", RunCompleted, map[string]string{"note": "ok"}); err != nil {
		t.Fatalf("SetRunStatus: %v", err)
	}

	reloaded := NewStore(s.path)
	run, err := reloaded.GetRun(ctx, "t1", "wo1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunCompleted {
		t.Errorf("expected status %q, got %q", RunCompleted, run.Status)
	}
	if run.Metadata["note"] != "ok" {
		t.Errorf("expected metadata note=ok, got %v", run.Metadata)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetRun(ctx, "t1", "missing"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestListRuns_Sorted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, wo := range []string{"wo-b", "wo-a"} {
		if _, err := s.CreateRun(ctx, "t2", wo, nil); err != nil {
			t.Fatalf("CreateRun(%s): %v", wo, err)
		}
	}
	if _, err := s.CreateRun(ctx, "t1", "wo-z", nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].TenantID != "t1" || runs[1].WorkOrderID != "wo-a" || runs[2].WorkOrderID != "wo-b" {
		t.Errorf("unexpected order: %+v", runs)
	}
}
