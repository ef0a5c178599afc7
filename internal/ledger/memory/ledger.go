// Package memory provides an in-memory ledger for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mkarlsen/kmergate/internal/search"
)

type storedResult struct {
	completedAt time.Time
	payload     search.ResultPayload
}

// Ledger implements search.Ledger with maps and a mutex. It mirrors the
// SQLite ledger's semantics, including duplicate-create reporting and
// at-most-once result consumption.
type Ledger struct {
	mu      sync.Mutex
	jobs    map[string]search.Job
	results map[string]storedResult
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{
		jobs:    make(map[string]search.Job),
		results: make(map[string]storedResult),
	}
}

// CreateJob inserts a job, reporting (false, nil) on a duplicate ID.
func (l *Ledger) CreateJob(_ context.Context, job search.Job) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.jobs[job.ID]; exists {
		return false, nil
	}
	l.jobs[job.ID] = job
	return true, nil
}

// AttachWorker sets the handle on a running job, ignoring absent jobs.
func (l *Ledger) AttachWorker(_ context.Context, jobID, handle string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok || job.Status != search.JobStatusRunning {
		return nil
	}
	job.WorkerHandle = handle
	l.jobs[jobID] = job
	return nil
}

// RunningCount reports the number of running jobs.
func (l *Ledger) RunningCount(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, job := range l.jobs {
		if job.Status == search.JobStatusRunning {
			n++
		}
	}
	return n, nil
}

// FindRunning loads a running job by ID.
func (l *Ledger) FindRunning(_ context.Context, jobID string) (search.Job, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[jobID]
	if !ok || job.Status != search.JobStatusRunning {
		return search.Job{}, false, nil
	}
	return job, true, nil
}

// DeleteJob removes a job; absent jobs are ignored.
func (l *Ledger) DeleteJob(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.jobs, jobID)
	return nil
}

// StoreResult records a result, keeping the first payload on a duplicate.
func (l *Ledger) StoreResult(
	_ context.Context,
	jobID string,
	completedAt time.Time,
	payload search.ResultPayload,
) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.results[jobID]; exists {
		return nil
	}
	l.results[jobID] = storedResult{completedAt: completedAt, payload: payload}
	return nil
}

// ConsumeResult returns and deletes a result as one unit.
func (l *Ledger) ConsumeResult(_ context.Context, jobID string) (search.ResultPayload, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.results[jobID]
	if !ok {
		return search.ResultPayload{}, false, nil
	}
	delete(l.results, jobID)
	return res.payload, true, nil
}

// PeekResult reports a stored result without consuming it.
func (l *Ledger) PeekResult(_ context.Context, jobID string) (search.ResultInfo, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.results[jobID]
	if !ok {
		return search.ResultInfo{}, false, nil
	}
	return search.ResultInfo{
		Outcome:     res.payload.Outcome,
		CompletedAt: res.completedAt,
	}, true, nil
}

// ExpiredJobs lists running jobs past their deadline.
func (l *Ledger) ExpiredJobs(_ context.Context, now time.Time) ([]search.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []search.Job
	for _, job := range l.jobs {
		if job.Status == search.JobStatusRunning && job.Deadline.Before(now) {
			out = append(out, job)
		}
	}
	return out, nil
}

// DeleteResultsBefore removes results completed before the cutoff.
func (l *Ledger) DeleteResultsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, res := range l.results {
		if res.completedAt.Before(cutoff) {
			delete(l.results, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op for the in-memory ledger.
func (l *Ledger) Close() error { return nil }
