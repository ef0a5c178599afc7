package search

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors reported by Backend implementations so callers can map
// failures to stable result codes.
var (
	// ErrUnknownDataset reports a dataset the engine does not index.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrRegionDecode reports a malformed regions literal in an engine row.
	ErrRegionDecode = errors.New("decode regions")
)

// Ledger is the durable store of Job and Result records. Implementations
// must be safe for concurrent use; all cross-job coordination happens
// through these operations, never through in-process locks held by callers.
type Ledger interface {
	// CreateJob inserts a new Job row. It returns (false, nil) on a job_id
	// uniqueness conflict so the caller can retry with a fresh identifier;
	// every other failure is an error.
	CreateJob(ctx context.Context, job Job) (bool, error)
	// AttachWorker records the executor handle on a running job. It is
	// best-effort: a job that already finished or was cancelled is ignored.
	AttachWorker(ctx context.Context, jobID, handle string) error
	// RunningCount reports the number of jobs with status running.
	RunningCount(ctx context.Context) (int, error)
	// FindRunning loads a running job by ID. The second return is false
	// when no such job exists.
	FindRunning(ctx context.Context, jobID string) (Job, bool, error)
	// DeleteJob removes a Job row. Deleting an absent job is not an error.
	DeleteJob(ctx context.Context, jobID string) error
	// StoreResult inserts a Result row. It must succeed even if the Job row
	// was already removed by a concurrent cancellation.
	StoreResult(ctx context.Context, jobID string, completedAt time.Time, payload ResultPayload) error
	// ConsumeResult reads and deletes a Result row as a single unit, so two
	// concurrent callers cannot both observe the same payload.
	ConsumeResult(ctx context.Context, jobID string) (ResultPayload, bool, error)
	// PeekResult reports a stored result without consuming it.
	PeekResult(ctx context.Context, jobID string) (ResultInfo, bool, error)
	// ExpiredJobs lists running jobs whose deadline passed before now.
	ExpiredJobs(ctx context.Context, now time.Time) ([]Job, error)
	// DeleteResultsBefore removes result rows completed before the cutoff
	// and reports how many were deleted.
	DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// Close releases the underlying store.
	Close() error
}

// Backend is the external similarity-search engine, consumed as an opaque
// query capability.
type Backend interface {
	// DatasetMeta fetches the advertised query bounds for a dataset.
	DatasetMeta(ctx context.Context, dataset, partition string) (DatasetMeta, error)
	// Search runs one query and returns scored matches.
	Search(ctx context.Context, q Query) ([]Match, error)
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewJobID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
