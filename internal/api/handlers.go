package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mkarlsen/kmergate/internal/metrics"
	"github.com/mkarlsen/kmergate/internal/search"
)

// createRetries bounds the ID-collision retry loop at submission. With
// 192-bit random identifiers, exhausting it means the generator is broken.
const createRetries = 10

type searchRequest struct {
	Label             string   `json:"label"`
	Sequence          string   `json:"sequence"`
	Dataset           string   `json:"dataset"`
	Partition         string   `json:"partition"`
	ResultCap         *int     `json:"result_cap"`
	ScoreThreshold    *float64 `json:"score_threshold"`
	KmerRateThreshold *float64 `json:"shared_kmer_rate"`
	Mode              string   `json:"mode"`
}

type jobRequest struct {
	JobID string `json:"job_id"`
}

func (s *Server) submitSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	params, err := s.toJobParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	admitted, err := s.admission.Admit(r.Context())
	if err != nil {
		s.logger.Error("admission check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not check job pool occupancy")
		return
	}
	if !admitted {
		metrics.ObserveRejectedSubmission()
		writeError(w, http.StatusServiceUnavailable, codeQueueFull,
			"job pool is full, retry later")
		return
	}

	job, err := s.createJob(r.Context(), params)
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not create job")
		return
	}

	s.runner.Start(job)
	s.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("label", params.Label),
		zap.String("dataset", params.Dataset),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  job.ID,
	})
}

// createJob allocates an identifier and inserts the ledger row, retrying
// on the (vanishingly rare) ID collision.
func (s *Server) createJob(ctx context.Context, params search.JobParameters) (search.Job, error) {
	now := s.clock.Now().UTC()
	for attempt := 0; attempt < createRetries; attempt++ {
		id, err := s.idGen.NewJobID()
		if err != nil {
			return search.Job{}, fmt.Errorf("generate job id: %w", err)
		}
		job := search.Job{
			ID:         id,
			Submitted:  now,
			Deadline:   now.Add(s.cfg.JobTimeout()),
			Status:     search.JobStatusRunning,
			Parameters: params,
		}
		created, err := s.ledger.CreateJob(ctx, job)
		if err != nil {
			return search.Job{}, fmt.Errorf("insert job: %w", err)
		}
		if created {
			return job, nil
		}
		s.logger.Warn("job id collision, retrying", zap.String("job_id", id))
	}
	return search.Job{}, fmt.Errorf("could not allocate a unique job id after %d attempts", createRetries)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.decodeJobID(w, r)
	if !ok {
		return
	}

	job, found, err := s.ledger.FindRunning(r.Context(), jobID)
	if err != nil {
		s.logger.Error("find job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load job")
		return
	}
	if found {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"job_id":       job.ID,
			"status":       string(job.Status),
			"created_time": job.Submitted,
		})
		return
	}

	// Finished jobs live on as unclaimed results; report their outcome
	// without consuming the payload.
	info, found, err := s.ledger.PeekResult(r.Context(), jobID)
	if err != nil {
		s.logger.Error("peek result failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load job")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, codeNotFound, "no such job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"job_id":         jobID,
		"status":         string(info.Outcome),
		"completed_time": info.CompletedAt,
	})
}

func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.decodeJobID(w, r)
	if !ok {
		return
	}

	payload, found, err := s.ledger.ConsumeResult(r.Context(), jobID)
	if err != nil {
		s.logger.Error("consume result failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load result")
		return
	}
	if !found {
		// Still in flight: tell the caller to retry, without consuming
		// anything. Only a job with neither row is not-found.
		_, running, err := s.ledger.FindRunning(r.Context(), jobID)
		if err != nil {
			s.logger.Error("find job failed", zap.String("job_id", jobID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "could not load job")
			return
		}
		if running {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"job_id":  jobID,
				"status":  string(search.JobStatusRunning),
			})
			return
		}
		writeError(w, http.StatusNotFound, codeNotFound, "no result for this job")
		return
	}

	metrics.ObserveResultDelivered()
	if payload.Outcome == search.OutcomeFailed {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"job_id":     jobID,
			"status":     string(search.OutcomeFailed),
			"error_code": payload.ErrorCode,
			"message":    payload.ErrorMessage,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"job_id":      jobID,
		"status":      string(search.OutcomeCompleted),
		"matches":     payload.Matches,
		"match_count": len(payload.Matches),
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.decodeJobID(w, r)
	if !ok {
		return
	}

	job, found, err := s.ledger.FindRunning(r.Context(), jobID)
	if err != nil {
		s.logger.Error("find job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load job")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, codeNotFound, "no running job with this id")
		return
	}

	if job.WorkerHandle != "" {
		s.runner.Cancel(job.WorkerHandle, s.cfg.CancelGrace())
	}
	if err := s.ledger.DeleteJob(r.Context(), jobID); err != nil {
		s.logger.Error("delete job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not cancel job")
		return
	}

	s.logger.Info("job cancelled via API", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job_id":  jobID,
		"status":  string(search.JobStatusCancelled),
	})
}

func (s *Server) metadata(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"defaults": map[string]any{
			"dataset":          s.cfg.Defaults.Dataset,
			"result_cap":       s.cfg.Defaults.ResultCap,
			"score_threshold":  s.cfg.Defaults.ScoreThreshold,
			"shared_kmer_rate": s.cfg.Defaults.KmerRateThreshold,
			"mode":             s.cfg.Defaults.Mode,
		},
		"jobs": map[string]any{
			"max_concurrent":           s.cfg.Jobs.MaxConcurrent,
			"timeout_seconds":          s.cfg.Jobs.TimeoutSeconds,
			"result_retention_seconds": s.cfg.Jobs.ResultRetentionSeconds,
		},
	}

	// Dataset bounds come from the engine; omit them when it is unreachable
	// rather than failing the whole endpoint.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if meta, err := s.backend.DatasetMeta(ctx, s.cfg.Defaults.Dataset, ""); err == nil {
		resp["dataset_limits"] = map[string]any{
			"dataset":       s.cfg.Defaults.Dataset,
			"min_query_len": meta.MinQueryLen,
			"max_query_len": meta.MaxQueryLen,
			"kmer_length":   meta.KmerLength,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) decodeJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return "", false
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "job_id is required")
		return "", false
	}
	return req.JobID, true
}

func (s *Server) toJobParameters(req searchRequest) (search.JobParameters, error) {
	if req.Label == "" {
		return search.JobParameters{}, fmt.Errorf("label is required")
	}
	if req.Sequence == "" {
		return search.JobParameters{}, fmt.Errorf("sequence is required")
	}

	mode := search.OutputMode(req.Mode)
	if req.Mode == "" {
		mode = search.OutputMode(s.cfg.Defaults.Mode)
	}
	switch mode {
	case search.ModeSummary, search.ModeRegions:
	default:
		return search.JobParameters{}, fmt.Errorf("mode must be %q or %q", search.ModeSummary, search.ModeRegions)
	}

	resultCap := valueOrDefault(req.ResultCap, s.cfg.Defaults.ResultCap)
	if resultCap <= 0 {
		return search.JobParameters{}, fmt.Errorf("result_cap must be > 0")
	}

	dataset := req.Dataset
	if dataset == "" {
		dataset = s.cfg.Defaults.Dataset
	}

	return search.JobParameters{
		Label:             req.Label,
		Sequence:          req.Sequence,
		Dataset:           dataset,
		Partition:         req.Partition,
		ResultCap:         resultCap,
		ScoreThreshold:    valueOrDefault(req.ScoreThreshold, s.cfg.Defaults.ScoreThreshold),
		KmerRateThreshold: valueOrDefault(req.KmerRateThreshold, s.cfg.Defaults.KmerRateThreshold),
		Mode:              mode,
	}, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}
