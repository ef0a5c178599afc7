// Package executor runs admitted search jobs as supervised tasks.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mkarlsen/kmergate/internal/metrics"
	"github.com/mkarlsen/kmergate/internal/search"
)

const ledgerWriteTimeout = 10 * time.Second

// Event is the completion notification pushed to the publisher.
type Event struct {
	JobID       string    `json:"job_id"`
	Outcome     string    `json:"outcome"`
	CompletedAt time.Time `json:"completed_at"`
}

// Executor runs each job in its own goroutine under a deadline context.
// Every failure mode ends as a stored failure payload; the only exception
// is an explicit cancel, which leaves nothing behind.
type Executor struct {
	ledger    search.Ledger
	backend   search.Backend
	publisher search.Publisher
	clock     search.Clock
	registry  *Registry
	logger    *zap.Logger
	topic     string
}

// New constructs an Executor. The publisher may be nil when completion
// events are not configured.
func New(
	ledger search.Ledger,
	backend search.Backend,
	publisher search.Publisher,
	clock search.Clock,
	registry *Registry,
	logger *zap.Logger,
	topic string,
) *Executor {
	return &Executor{
		ledger:    ledger,
		backend:   backend,
		publisher: publisher,
		clock:     clock,
		registry:  registry,
		logger:    logger,
		topic:     topic,
	}
}

// Start launches the job's task. The ledger row must already exist. The
// handle is registered and attached to the row before Start returns, so
// any cancel lookup that can observe the job can also reach its task;
// only the backend work itself runs asynchronously.
func (e *Executor) Start(job search.Job) {
	ctx, cancel := context.WithDeadline(context.Background(), job.Deadline)
	done := make(chan struct{})

	handle, err := e.registry.register(cancel, done)
	if err != nil {
		e.logger.Error("register task failed", zap.String("job_id", job.ID), zap.Error(err))
		cancel()
		close(done)
		e.finish(job, search.Failure(search.ErrCodeInternal, "could not start job task"))
		return
	}

	if err := e.ledger.AttachWorker(ctx, job.ID, handle); err != nil {
		e.logger.Error("attach worker failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	go e.runTask(ctx, cancel, handle, done, job)
}

func (e *Executor) runTask(
	ctx context.Context,
	cancel context.CancelFunc,
	handle string,
	done chan struct{},
	job search.Job,
) {
	defer cancel()
	defer close(done)
	defer e.registry.remove(handle)

	metrics.IncRunningJobs()
	defer metrics.DecRunningJobs()

	payload := e.run(ctx, job)
	if payload.Outcome == "" {
		// Explicit cancel: the cancel path owns the ledger row, and no
		// result is ever stored for a cancelled job.
		e.logger.Info("job cancelled", zap.String("job_id", job.ID))
		return
	}
	e.finish(job, payload)
}

// run executes the search pipeline and maps every failure to a payload.
// A zero payload means the job was cancelled mid-flight.
func (e *Executor) run(ctx context.Context, job search.Job) search.ResultPayload {
	p := job.Parameters

	meta, err := e.backend.DatasetMeta(ctx, p.Dataset, p.Partition)
	if err != nil {
		if errors.Is(err, search.ErrUnknownDataset) {
			return search.Failure(search.ErrCodeValidation, err.Error())
		}
		if payload, interrupted := e.interruption(ctx); interrupted {
			return payload
		}
		return search.Failure(search.ErrCodeBackend, fmt.Sprintf("dataset metadata unavailable: %v", err))
	}

	if err := ValidateSequence(p.Sequence, meta); err != nil {
		return search.Failure(search.ErrCodeValidation, err.Error())
	}

	matches, err := e.backend.Search(ctx, search.Query{
		Dataset:           p.Dataset,
		Partition:         p.Partition,
		Sequence:          p.Sequence,
		ResultCap:         p.ResultCap,
		ScoreThreshold:    p.ScoreThreshold,
		KmerRateThreshold: p.KmerRateThreshold,
		Mode:              p.Mode,
	})
	if err != nil {
		if errors.Is(err, search.ErrRegionDecode) {
			return search.Failure(search.ErrCodeDecode, err.Error())
		}
		if payload, interrupted := e.interruption(ctx); interrupted {
			return payload
		}
		return search.Failure(search.ErrCodeQuery, fmt.Sprintf("search query failed: %v", err))
	}

	return search.ResultPayload{Outcome: search.OutcomeCompleted, Matches: matches}
}

// interruption maps a dead task context to its terminal payload. Deadline
// expiry becomes a stored timeout failure; an explicit cancel becomes the
// zero payload that run's caller treats as "store nothing".
func (e *Executor) interruption(ctx context.Context) (search.ResultPayload, bool) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return search.Failure(search.ErrCodeTimeout, "job exceeded its execution deadline"), true
	case errors.Is(ctx.Err(), context.Canceled):
		return search.ResultPayload{}, true
	default:
		return search.ResultPayload{}, false
	}
}

// finish persists the terminal payload and retires the job row. It runs on
// a fresh context: the task context is often already dead here.
func (e *Executor) finish(job search.Job, payload search.ResultPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	completedAt := e.clock.Now().UTC()
	if err := e.ledger.StoreResult(ctx, job.ID, completedAt, payload); err != nil {
		// Keep the job row so the reaper retires it on a later sweep;
		// deleting it now would leave the client polling a job that no
		// longer exists anywhere.
		e.logger.Error("store result failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := e.ledger.DeleteJob(ctx, job.ID); err != nil {
		e.logger.Error("delete job failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	duration := completedAt.Sub(job.Submitted)
	metrics.ObserveJob(string(payload.Outcome), duration)
	e.logger.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("outcome", string(payload.Outcome)),
		zap.String("error_code", payload.ErrorCode),
		zap.Duration("duration", duration),
	)

	e.publish(ctx, job.ID, payload.Outcome, completedAt)
}

func (e *Executor) publish(ctx context.Context, jobID string, outcome search.Outcome, completedAt time.Time) {
	if e.publisher == nil {
		return
	}
	event := Event{JobID: jobID, Outcome: string(outcome), CompletedAt: completedAt}
	if _, err := e.publisher.Publish(ctx, e.topic, event); err != nil {
		e.logger.Warn("publish completion event failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Cancel stops the running task behind handle, waiting up to grace.
func (e *Executor) Cancel(handle string, grace time.Duration) bool {
	return e.registry.Cancel(handle, grace)
}
