package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/kmergate/internal/search"
)

func testJob(id string, deadline time.Time) search.Job {
	return search.Job{
		ID:        id,
		Submitted: time.Unix(1700000000, 0).UTC(),
		Deadline:  deadline,
		Status:    search.JobStatusRunning,
		Parameters: search.JobParameters{
			Label:     "q1",
			Sequence:  "ACGTACGT",
			Dataset:   "nt",
			ResultCap: 50,
			Mode:      search.ModeSummary,
		},
	}
}

func TestCreateFindDelete(t *testing.T) {
	t.Parallel()

	led := New()
	ctx := context.Background()
	deadline := time.Unix(1700000600, 0).UTC()

	ok, err := led.CreateJob(ctx, testJob("job-a", deadline))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = led.CreateJob(ctx, testJob("job-a", deadline))
	require.NoError(t, err)
	require.False(t, ok)

	n, err := led.RunningCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, found, err := led.FindRunning(ctx, "job-a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, deadline, job.Deadline)

	require.NoError(t, led.DeleteJob(ctx, "job-a"))
	_, found, err = led.FindRunning(ctx, "job-a")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAttachWorkerIgnoresAbsentJob(t *testing.T) {
	t.Parallel()

	led := New()
	ctx := context.Background()
	require.NoError(t, led.AttachWorker(ctx, "job-missing", "h1"))

	_, err := led.CreateJob(ctx, testJob("job-b", time.Unix(1700000600, 0)))
	require.NoError(t, err)
	require.NoError(t, led.AttachWorker(ctx, "job-b", "h1"))

	job, found, err := led.FindRunning(ctx, "job-b")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "h1", job.WorkerHandle)
}

func TestResultLifecycle(t *testing.T) {
	t.Parallel()

	led := New()
	ctx := context.Background()
	completedAt := time.Unix(1700000100, 0).UTC()
	payload := search.ResultPayload{Outcome: search.OutcomeCompleted}

	require.NoError(t, led.StoreResult(ctx, "job-r", completedAt, payload))
	// First write wins.
	require.NoError(t, led.StoreResult(
		ctx, "job-r", completedAt.Add(time.Minute),
		search.Failure(search.ErrCodeTimeout, "late"),
	))

	info, found, err := led.PeekResult(ctx, "job-r")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, search.OutcomeCompleted, info.Outcome)
	require.Equal(t, completedAt, info.CompletedAt)

	got, found, err := led.ConsumeResult(ctx, "job-r")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, payload, got)

	_, found, err = led.ConsumeResult(ctx, "job-r")
	require.NoError(t, err)
	require.False(t, found)
}

func TestExpiryAndRetention(t *testing.T) {
	t.Parallel()

	led := New()
	ctx := context.Background()
	now := time.Unix(1700001000, 0).UTC()

	_, err := led.CreateJob(ctx, testJob("job-old", now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = led.CreateJob(ctx, testJob("job-live", now.Add(time.Hour)))
	require.NoError(t, err)

	expired, err := led.ExpiredJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "job-old", expired[0].ID)

	require.NoError(t, led.StoreResult(ctx, "res-old", now.Add(-2*time.Hour), search.ResultPayload{Outcome: search.OutcomeCompleted}))
	require.NoError(t, led.StoreResult(ctx, "res-new", now, search.ResultPayload{Outcome: search.OutcomeCompleted}))

	deleted, err := led.DeleteResultsBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	_, found, err := led.PeekResult(ctx, "res-new")
	require.NoError(t, err)
	require.True(t, found)
}
