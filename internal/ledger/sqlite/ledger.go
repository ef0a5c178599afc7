// Package sqlite provides the durable, WAL-mode Job/Result ledger.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mkarlsen/kmergate/internal/search"
)

// Ledger implements search.Ledger on a SQLite file. WAL journaling plus a
// busy timeout arbitrate concurrent access from independent executor tasks
// and the request handlers; callers never take application-level locks.
type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	submitted_at INTEGER NOT NULL,
	deadline INTEGER NOT NULL,
	status TEXT NOT NULL,
	worker_handle TEXT NOT NULL DEFAULT '',
	parameters BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_deadline ON jobs(deadline);

CREATE TABLE IF NOT EXISTS results (
	job_id TEXT PRIMARY KEY,
	completed_at INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	payload BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_completed_at ON results(completed_at);
`

// Open creates (if needed) and opens the ledger at path.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

// CreateJob inserts a new Job row. A primary-key conflict is reported as
// (false, nil) so the submitter can retry with a fresh identifier.
func (l *Ledger) CreateJob(ctx context.Context, job search.Job) (bool, error) {
	params, err := json.Marshal(job.Parameters)
	if err != nil {
		return false, fmt.Errorf("marshal job parameters: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, submitted_at, deadline, status, worker_handle, parameters)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Submitted.Unix(),
		job.Deadline.Unix(),
		string(job.Status),
		job.WorkerHandle,
		params,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert job: %w", err)
	}
	return true, nil
}

// isDuplicateKey reports whether err is a uniqueness conflict on the job
// identifier. Other constraint classes (NOT NULL, CHECK) are real errors
// and must not be mistaken for an identifier collision.
func isDuplicateKey(err error) bool {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	return sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// AttachWorker records the executor handle on a running job. A job that
// already finished or was cancelled is ignored.
func (l *Ledger) AttachWorker(ctx context.Context, jobID, handle string) error {
	_, err := l.db.ExecContext(ctx, `
		UPDATE jobs SET worker_handle = ? WHERE job_id = ? AND status = ?`,
		handle, jobID, string(search.JobStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("attach worker: %w", err)
	}
	return nil
}

// RunningCount reports the number of running jobs, used for admission.
func (l *Ledger) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`,
		string(search.JobStatusRunning),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// FindRunning loads a running job by ID.
func (l *Ledger) FindRunning(ctx context.Context, jobID string) (search.Job, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT job_id, submitted_at, deadline, status, worker_handle, parameters
		FROM jobs WHERE job_id = ? AND status = ?`,
		jobID, string(search.JobStatusRunning),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return search.Job{}, false, nil
	}
	if err != nil {
		return search.Job{}, false, fmt.Errorf("find running job: %w", err)
	}
	return job, true, nil
}

// DeleteJob removes a Job row. Deleting an absent job is not an error.
func (l *Ledger) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// StoreResult inserts a Result row. It succeeds even when the Job row was
// already removed by a concurrent cancellation, and keeps the first payload
// if two writers race on the same job.
func (l *Ledger) StoreResult(
	ctx context.Context,
	jobID string,
	completedAt time.Time,
	payload search.ResultPayload,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO results (job_id, completed_at, outcome, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(job_id) DO NOTHING`,
		jobID, completedAt.Unix(), string(payload.Outcome), body,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ConsumeResult reads and deletes a Result row in a single statement so
// two concurrent callers cannot both observe the same payload.
func (l *Ledger) ConsumeResult(ctx context.Context, jobID string) (search.ResultPayload, bool, error) {
	var body []byte
	err := l.db.QueryRowContext(ctx,
		`DELETE FROM results WHERE job_id = ? RETURNING payload`, jobID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return search.ResultPayload{}, false, nil
	}
	if err != nil {
		return search.ResultPayload{}, false, fmt.Errorf("consume result: %w", err)
	}
	var payload search.ResultPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return search.ResultPayload{}, false, fmt.Errorf("unmarshal result payload: %w", err)
	}
	return payload, true, nil
}

// PeekResult reports a stored result without consuming it.
func (l *Ledger) PeekResult(ctx context.Context, jobID string) (search.ResultInfo, bool, error) {
	var (
		outcome     string
		completedAt int64
	)
	err := l.db.QueryRowContext(ctx,
		`SELECT outcome, completed_at FROM results WHERE job_id = ?`, jobID,
	).Scan(&outcome, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return search.ResultInfo{}, false, nil
	}
	if err != nil {
		return search.ResultInfo{}, false, fmt.Errorf("peek result: %w", err)
	}
	return search.ResultInfo{
		Outcome:     search.Outcome(outcome),
		CompletedAt: time.Unix(completedAt, 0).UTC(),
	}, true, nil
}

// ExpiredJobs lists running jobs whose deadline passed before now.
func (l *Ledger) ExpiredJobs(ctx context.Context, now time.Time) ([]search.Job, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id, submitted_at, deadline, status, worker_handle, parameters
		FROM jobs WHERE status = ? AND deadline < ?
		ORDER BY deadline`,
		string(search.JobStatusRunning), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []search.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	return jobs, nil
}

// DeleteResultsBefore removes result rows completed before the cutoff.
func (l *Ledger) DeleteResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM results WHERE completed_at < ?`, cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired results rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (search.Job, error) {
	var (
		job       search.Job
		submitted int64
		deadline  int64
		status    string
		params    []byte
	)
	if err := row.Scan(&job.ID, &submitted, &deadline, &status, &job.WorkerHandle, &params); err != nil {
		return search.Job{}, err
	}
	job.Submitted = time.Unix(submitted, 0).UTC()
	job.Deadline = time.Unix(deadline, 0).UTC()
	job.Status = search.JobStatus(status)
	if err := json.Unmarshal(params, &job.Parameters); err != nil {
		return search.Job{}, fmt.Errorf("unmarshal job parameters: %w", err)
	}
	return job, nil
}
