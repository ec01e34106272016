// Package runstate implements the Run-State Store: mutable, durable,
// restart-visible per-workorder and per-step execution status.
//
// Persistence follows the same shape as a release-tracking state
// manager: an in-memory map guarded by a mutex, flushed to a single
// JSON file with a temp-file-then-rename write so a crash mid-write
// never corrupts the previous good state.
package runstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"workforge/internal/werrors"
)

// DefaultStatePath is the default location of the run-state file.
const DefaultStatePath = ".workforge/runstate.json"

// RunStatus is the terminal/intermediate status of a workorder run.
type RunStatus string

const (
	RunPending         RunStatus = "PENDING"
	RunRunning         RunStatus = "RUNNING"
	RunCompleted       RunStatus = "COMPLETED"
	RunFailed          RunStatus = "FAILED"
	RunPartial         RunStatus = "PARTIAL"
	RunAwaitingPublish RunStatus = "AWAITING_PUBLISH"
)

// StepStatus is the status of a single step attempt.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
)

// StepRun records one step's execution attempt within a run.
type StepRun struct {
	StepID         string            `json:"step_id"`
	ModuleID       string            `json:"module_id"`
	ModuleRunID    string            `json:"module_run_id"`
	Status         StepStatus        `json:"status"`
	OutputsDir     string            `json:"outputs_dir"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// RunRecord is the durable per-workorder execution record.
type RunRecord struct {
	RunID       string            `json:"run_id"`
	TenantID    string            `json:"tenant_id"`
	WorkOrderID string            `json:"work_order_id"`
	Status      RunStatus         `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StepRuns    []StepRun         `json:"step_runs"`
}

func cloneRun(r *RunRecord) *RunRecord {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	clone.StepRuns = make([]StepRun, len(r.StepRuns))
	for i, sr := range r.StepRuns {
		clone.StepRuns[i] = sr
		if sr.Metadata != nil {
			clone.StepRuns[i].Metadata = make(map[string]string, len(sr.Metadata))
			for k, v := range sr.Metadata {
				clone.StepRuns[i].Metadata[k] = v
			}
		}
	}
	return &clone
}

type stateFile struct {
	Runs []*RunRecord `json:"runs"`
}

// Store manages run-state for a single process. It is safe for
// concurrent use within that process; it is not safe for concurrent
// use across processes sharing the same state file.
type Store struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
	// newID generates module_run_id surrogate identifiers; overridable in tests.
	newID func() string
}

// NewStore creates a Store backed by the given JSON file path.
func NewStore(path string) *Store {
	return &Store{
		path:  path,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

// NewDefaultStore creates a Store at DefaultStatePath, overridable via
// the WORKFORGE_RUNSTATE_FILE environment variable for tests.
func NewDefaultStore() *Store {
	if p := os.Getenv("WORKFORGE_RUNSTATE_FILE"); p != "" {
		return NewStore(p)
	}
	return NewStore(DefaultStatePath)
}

func (s *Store) load(ctx context.Context) (*stateFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return &stateFile{Runs: []*RunRecord{}}, nil
	}
	//nolint:gosec // G304: state file path comes from trusted config
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "reading run-state file")
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, werrors.Wrap(werrors.KindInfra, err, "parsing run-state file")
	}
	return &sf, nil
}

func (s *Store) save(ctx context.Context, sf *stateFile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return werrors.Wrap(werrors.KindInfra, err, "creating run-state directory")
		}
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return werrors.Wrap(werrors.KindInfra, err, "marshaling run-state")
	}
	tmp := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return werrors.Wrap(werrors.KindInfra, err, "writing temporary run-state file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return werrors.Wrap(werrors.KindInfra, err, "renaming run-state file")
	}
	return nil
}

func (sf *stateFile) find(tenantID, workOrderID string) *RunRecord {
	for _, r := range sf.Runs {
		if r.TenantID == tenantID && r.WorkOrderID == workOrderID {
			return r
		}
	}
	return nil
}

// CreateRun creates a new run record for (tenantID, workOrderID), or
// returns the existing one unchanged if a prior attempt already created
// it — the run is identified by (tenant_id, work_order_id), not by a
// caller-supplied key, matching the work order's own global uniqueness.
func (s *Store) CreateRun(ctx context.Context, tenantID, workOrderID string, metadata map[string]string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	if existing := sf.find(tenantID, workOrderID); existing != nil {
		return cloneRun(existing), nil
	}

	now := s.now()
	run := &RunRecord{
		RunID:       s.newID(),
		TenantID:    tenantID,
		WorkOrderID: workOrderID,
		Status:      RunPending,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		StepRuns:    []StepRun{},
	}
	sf.Runs = append(sf.Runs, run)
	if err := s.save(ctx, sf); err != nil {
		return nil, err
	}
	return cloneRun(run), nil
}

// SetRunStatus transitions the run's status and merges metadata.
func (s *Store) SetRunStatus(ctx context.Context, tenantID, workOrderID string, status RunStatus, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load(ctx)
	if err != nil {
		return err
	}
	run := sf.find(tenantID, workOrderID)
	if run == nil {
		return werrors.Newf(werrors.KindInfra, "no run record for tenant %q work order %q", tenantID, workOrderID)
	}
	run.Status = status
	run.UpdatedAt = s.now()
	if len(metadata) > 0 {
		if run.Metadata == nil {
			run.Metadata = map[string]string{}
		}
		for k, v := range metadata {
			run.Metadata[k] = v
		}
	}
	return s.save(ctx, sf)
}

// CreateStepRun creates a step run attempt, idempotent on
// (work_order_id, step_id, idempotency_key): a repeat call with the same
// triple returns the prior record unchanged instead of creating a new one.
func (s *Store) CreateStepRun(ctx context.Context, tenantID, workOrderID, stepID, moduleID, idempotencyKey, outputsDir string, metadata map[string]string) (*StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	run := sf.find(tenantID, workOrderID)
	if run == nil {
		return nil, werrors.Newf(werrors.KindInfra, "no run record for tenant %q work order %q", tenantID, workOrderID)
	}

	for i := range run.StepRuns {
		sr := &run.StepRuns[i]
		if sr.StepID == stepID && sr.IdempotencyKey == idempotencyKey {
			clone := *sr
			return &clone, nil
		}
	}

	sr := StepRun{
		StepID:         stepID,
		ModuleID:       moduleID,
		ModuleRunID:    s.newID(),
		Status:         StepPending,
		OutputsDir:     outputsDir,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	}
	run.StepRuns = append(run.StepRuns, sr)
	run.UpdatedAt = s.now()
	if err := s.save(ctx, sf); err != nil {
		return nil, err
	}
	return &sr, nil
}

// SetStepRunStatus updates a step run's status, optionally stamping an
// end time (pass ended=true when the step reaches a terminal state).
func (s *Store) SetStepRunStatus(ctx context.Context, tenantID, workOrderID, stepID, idempotencyKey string, status StepStatus, ended bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load(ctx)
	if err != nil {
		return err
	}
	run := sf.find(tenantID, workOrderID)
	if run == nil {
		return werrors.Newf(werrors.KindInfra, "no run record for tenant %q work order %q", tenantID, workOrderID)
	}
	for i := range run.StepRuns {
		sr := &run.StepRuns[i]
		if sr.StepID == stepID && sr.IdempotencyKey == idempotencyKey {
			sr.Status = status
			if ended {
				now := s.now()
				sr.EndedAt = &now
			}
			run.UpdatedAt = s.now()
			return s.save(ctx, sf)
		}
	}
	return werrors.Newf(werrors.KindInfra, "no step run %q for work order %q", stepID, workOrderID)
}

// GetRun retrieves the run record for (tenantID, workOrderID).
func (s *Store) GetRun(ctx context.Context, tenantID, workOrderID string) (*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	run := sf.find(tenantID, workOrderID)
	if run == nil {
		return nil, werrors.Newf(werrors.KindInfra, "no run record for tenant %q work order %q", tenantID, workOrderID)
	}
	return cloneRun(run), nil
}

// ListRuns returns every run record, sorted by (tenant_id, work_order_id)
// for deterministic output.
func (s *Store) ListRuns(ctx context.Context) ([]*RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*RunRecord, len(sf.Runs))
	for i, r := range sf.Runs {
		out[i] = cloneRun(r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].WorkOrderID < out[j].WorkOrderID
	})
	return out, nil
}
