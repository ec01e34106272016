package executor

import (
	"context"
	"sync"

	"workforge/internal/runstate"
	"workforge/pkg/logging"
)

// Job names one workorder to run under the pool.
type Job struct {
	TenantID      string
	WorkOrderPath string
}

// Result pairs a submitted Job with its outcome.
type Result struct {
	Job Job
	Run *runstate.RunRecord
	Err error
}

// Pool runs workorders concurrently across tenants while keeping each
// workorder's own steps strictly sequential (§5.1): admission is
// gated by a fixed-size channel semaphore, and every admitted
// workorder gets its own goroutine calling Executor.Run end to end.
type Pool struct {
	exec *Executor
	size int
	log  logging.Logger
}

// NewPool constructs a worker pool of the given size bound to exec.
// A size of zero or less is treated as 1: the pool always makes
// progress even on a minimal config.
func NewPool(exec *Executor, size int, log logging.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{exec: exec, size: size, log: log}
}

// Run admits every job in jobs up to the pool's concurrency limit and
// blocks until all have completed, returning one Result per job in
// submission order. Cancelling ctx stops admitting new jobs; jobs
// already running receive the same ctx through Executor.Run.
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	admit := make(chan struct{}, p.size)
	var wg sync.WaitGroup

	for i, job := range jobs {
		select {
		case <-ctx.Done():
			results[i] = Result{Job: job, Err: ctx.Err()}
			continue
		case admit <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, job Job) {
			defer wg.Done()
			defer func() { <-admit }()

			run, err := p.exec.Run(ctx, job.TenantID, job.WorkOrderPath)
			if err != nil {
				p.log.Error("workorder run failed",
					logging.F("tenant_id", job.TenantID),
					logging.F("work_order_path", job.WorkOrderPath),
					logging.F("error", err.Error()))
			}
			results[i] = Result{Job: job, Run: run, Err: err}
		}(i, job)
	}

	wg.Wait()
	return results
}
