package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mkarlsen/kmergate/internal/admission"
	"github.com/mkarlsen/kmergate/internal/clock/system"
	"github.com/mkarlsen/kmergate/internal/config"
	"github.com/mkarlsen/kmergate/internal/executor"
	"github.com/mkarlsen/kmergate/internal/id/jobid"
	ledgermem "github.com/mkarlsen/kmergate/internal/ledger/memory"
	"github.com/mkarlsen/kmergate/internal/search"
)

// fakeBackend serves canned results; when block is set Search holds until
// the job context dies.
type fakeBackend struct {
	meta    search.DatasetMeta
	matches []search.Match
	block   bool
}

func (b *fakeBackend) DatasetMeta(_ context.Context, _, _ string) (search.DatasetMeta, error) {
	return b.meta, nil
}

func (b *fakeBackend) Search(ctx context.Context, _ search.Query) ([]search.Match, error) {
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.matches, nil
}

func testConfig(maxConcurrent int) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5},
		Ledger: config.LedgerConfig{Path: "unused"},
		Jobs: config.JobsConfig{
			MaxConcurrent:          maxConcurrent,
			TimeoutSeconds:         60,
			ResultRetentionSeconds: 3600,
			CleanupIntervalSeconds: 60,
			CancelGraceSeconds:     1,
		},
		Defaults: config.DefaultsConfig{
			Dataset:   "nt",
			ResultCap: 50,
			Mode:      "summary",
		},
	}
}

func newTestServer(t *testing.T, maxConcurrent int, backend search.Backend) (*Server, *ledgermem.Ledger) {
	t.Helper()
	led := ledgermem.New()
	clk := system.New()
	logger := zaptest.NewLogger(t)
	exec := executor.New(led, backend, nil, clk, executor.NewRegistry(), logger, "")
	srv := NewServer(
		led,
		admission.New(led, maxConcurrent),
		exec,
		backend,
		jobid.New(clk),
		clk,
		testConfig(maxConcurrent),
		logger,
	)
	return srv, led
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		meta:    search.DatasetMeta{MinQueryLen: 4, MaxQueryLen: 10000, KmerLength: 31},
		matches: []search.Match{{Label: "AB123", RawScore: 42, CorrectedScore: 39.5, SharedKmerRate: 0.8}},
	}
	srv, _ := newTestServer(t, 4, backend)

	rec := postJSON(t, srv, "/search", map[string]any{
		"label":    "query-1",
		"sequence": "ACGTACGTACGT",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	// While the job runs, /result reports running without consuming
	// anything; once the task finishes it delivers the payload.
	var result map[string]any
	require.Eventually(t, func() bool {
		rec := postJSON(t, srv, "/result", map[string]string{"job_id": jobID})
		if rec.Code != http.StatusOK {
			return false
		}
		result = decodeBody(t, rec)
		return result["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, true, result["success"])
	require.EqualValues(t, 1, result["match_count"])
	matches, _ := result["matches"].([]any)
	require.Len(t, matches, 1)

	// One-time delivery: the payload is gone now.
	rec = postJSON(t, srv, "/result", map[string]string{"job_id": jobID})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeBody(t, rec)["code"])
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 4, &fakeBackend{})

	cases := []struct {
		name string
		body map[string]any
	}{
		{name: "missing label", body: map[string]any{"sequence": "ACGT"}},
		{name: "missing sequence", body: map[string]any{"label": "q"}},
		{name: "bad mode", body: map[string]any{"label": "q", "sequence": "ACGT", "mode": "verbose"}},
		{name: "zero result cap", body: map[string]any{"label": "q", "sequence": "ACGT", "result_cap": 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, srv, "/search", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, codeInvalidRequest, decodeBody(t, rec)["code"])
		})
	}
}

func TestSubmitRequiresJSONContentType(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 4, &fakeBackend{})

	req := httptest.NewRequest(http.MethodPost, "/search", bytes.NewBufferString("label=q"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeInvalidRequest, decodeBody(t, rec)["code"])
}

func TestSubmitRejectedWhenPoolFull(t *testing.T) {
	t.Parallel()

	srv, led := newTestServer(t, 1, &fakeBackend{})

	_, err := led.CreateJob(context.Background(), search.Job{
		ID:       "job-occupying",
		Deadline: time.Now().Add(time.Hour),
		Status:   search.JobStatusRunning,
	})
	require.NoError(t, err)

	rec := postJSON(t, srv, "/search", map[string]any{"label": "q", "sequence": "ACGT"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, codeQueueFull, body["code"])
	require.Equal(t, true, body["error"])
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()

	srv, led := newTestServer(t, 4, &fakeBackend{})
	ctx := context.Background()

	submitted := time.Unix(1700000000, 0).UTC()
	_, err := led.CreateJob(ctx, search.Job{
		ID:        "job-running",
		Submitted: submitted,
		Deadline:  submitted.Add(time.Hour),
		Status:    search.JobStatusRunning,
	})
	require.NoError(t, err)

	rec := postJSON(t, srv, "/status", map[string]string{"job_id": "job-running"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "running", body["status"])
	require.NotEmpty(t, body["created_time"])

	// A finished job reports its outcome without consuming the payload.
	completedAt := submitted.Add(time.Minute)
	require.NoError(t, led.StoreResult(ctx, "job-done", completedAt,
		search.Failure(search.ErrCodeTimeout, "deadline exceeded")))

	rec = postJSON(t, srv, "/status", map[string]string{"job_id": "job-done"})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, "failed", body["status"])
	require.NotEmpty(t, body["completed_time"])

	// Status polling did not consume the result.
	rec = postJSON(t, srv, "/result", map[string]string{"job_id": "job-done"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, srv, "/status", map[string]string{"job_id": "job-unknown"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, codeNotFound, decodeBody(t, rec)["code"])
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		meta:  search.DatasetMeta{MinQueryLen: 4, MaxQueryLen: 10000},
		block: true,
	}
	srv, led := newTestServer(t, 4, backend)

	rec := postJSON(t, srv, "/search", map[string]any{"label": "q", "sequence": "ACGTACGT"})
	require.Equal(t, http.StatusOK, rec.Code)
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	require.NotEmpty(t, jobID)

	// Wait until the task attached its handle so the cancel reaches it.
	require.Eventually(t, func() bool {
		job, found, err := led.FindRunning(context.Background(), jobID)
		return err == nil && found && job.WorkerHandle != ""
	}, 5*time.Second, 10*time.Millisecond)

	rec = postJSON(t, srv, "/cancel", map[string]string{"job_id": jobID})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	// No result is left behind, and a second cancel misses.
	rec = postJSON(t, srv, "/result", map[string]string{"job_id": jobID})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, srv, "/cancel", map[string]string{"job_id": jobID})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOccupancyHeaders(t *testing.T) {
	t.Parallel()

	srv, led := newTestServer(t, 4, &fakeBackend{})

	_, err := led.CreateJob(context.Background(), search.Job{
		ID:       "job-a",
		Deadline: time.Now().Add(time.Hour),
		Status:   search.JobStatusRunning,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-Kmergate-Jobs-Running"))
	require.Equal(t, "4", rec.Header().Get("X-Kmergate-Jobs-Max"))
}

// countFailLedger simulates a ledger whose occupancy reads fail.
type countFailLedger struct {
	*ledgermem.Ledger
}

func (l *countFailLedger) RunningCount(context.Context) (int, error) {
	return 0, errors.New("ledger unavailable")
}

func TestOccupancyHeadersSurviveLedgerError(t *testing.T) {
	t.Parallel()

	led := &countFailLedger{Ledger: ledgermem.New()}
	clk := system.New()
	logger := zaptest.NewLogger(t)
	backend := &fakeBackend{}
	exec := executor.New(led, backend, nil, clk, executor.NewRegistry(), logger, "")
	srv := NewServer(
		led,
		admission.New(led, 4),
		exec,
		backend,
		jobid.New(clk),
		clk,
		testConfig(4),
		logger,
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "-1", rec.Header().Get("X-Kmergate-Jobs-Running"),
		"an unreadable running count is reported as -1, not dropped")
	require.Equal(t, "4", rec.Header().Get("X-Kmergate-Jobs-Max"))
}

func TestMethodNotAllowedEnvelope(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 4, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/search", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["error"])
	require.Equal(t, codeMethodNotAllowed, body["code"])
}

func TestMetadataReportsDefaultsAndLimits(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{meta: search.DatasetMeta{MinQueryLen: 31, MaxQueryLen: 10000, KmerLength: 31}}
	srv, _ := newTestServer(t, 4, backend)

	req := httptest.NewRequest(http.MethodGet, "/metadata", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	defaults, _ := body["defaults"].(map[string]any)
	require.Equal(t, "nt", defaults["dataset"])
	require.EqualValues(t, 50, defaults["result_cap"])

	limits, _ := body["dataset_limits"].(map[string]any)
	require.EqualValues(t, 31, limits["min_query_len"])
	require.EqualValues(t, 10000, limits["max_query_len"])
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, 4, &fakeBackend{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])
}
