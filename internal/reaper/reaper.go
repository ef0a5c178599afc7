// Package reaper enforces job deadlines and result retention in the background.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mkarlsen/kmergate/internal/metrics"
	"github.com/mkarlsen/kmergate/internal/search"
)

// Canceller stops a live task by its worker handle. A false return means
// no such task is live, which is the normal case for jobs orphaned by a
// previous process.
type Canceller interface {
	Cancel(handle string, grace time.Duration) bool
}

// Config controls sweep cadence and retention.
type Config struct {
	Interval    time.Duration
	Retention   time.Duration
	CancelGrace time.Duration
}

// Reaper periodically retires running jobs whose deadline passed and
// sweeps result payloads past the retention window. It is the safety net
// behind the executor's own deadline handling: it also catches jobs
// orphaned by a crash, whose tasks no longer exist.
type Reaper struct {
	ledger    search.Ledger
	canceller Canceller
	clock     search.Clock
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Reaper.
func New(ledger search.Ledger, canceller Canceller, clock search.Clock, logger *zap.Logger, cfg Config) *Reaper {
	return &Reaper{
		ledger:    ledger,
		canceller: canceller,
		clock:     clock,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run blocks, sweeping on every tick until the context finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: expired jobs get a stored timeout failure and
// are retired; results older than the retention window are deleted.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock.Now().UTC()

	expired, err := r.ledger.ExpiredJobs(ctx, now)
	if err != nil {
		r.logger.Error("list expired jobs failed", zap.Error(err))
	}
	for _, job := range expired {
		r.retire(ctx, job, now)
	}

	swept, err := r.ledger.DeleteResultsBefore(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	metrics.ObserveResultsSwept(swept)
	if swept > 0 {
		r.logger.Info("swept unclaimed results", zap.Int64("count", swept))
	}
}

func (r *Reaper) retire(ctx context.Context, job search.Job, now time.Time) {
	if job.WorkerHandle != "" {
		// A live task gets a chance to stop before we write its epitaph.
		if r.canceller.Cancel(job.WorkerHandle, r.cfg.CancelGrace) {
			r.logger.Info("cancelled expired task",
				zap.String("job_id", job.ID),
				zap.String("handle", job.WorkerHandle),
			)
		}
	}

	// First write wins in the results table, so this never clobbers a
	// payload the task managed to store on its way out.
	failure := search.Failure(search.ErrCodeTimeout, "job exceeded its execution deadline")
	if err := r.ledger.StoreResult(ctx, job.ID, now, failure); err != nil {
		r.logger.Error("store timeout result failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := r.ledger.DeleteJob(ctx, job.ID); err != nil {
		r.logger.Error("delete expired job failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	r.logger.Warn("job timed out",
		zap.String("job_id", job.ID),
		zap.Time("deadline", job.Deadline),
	)
}
