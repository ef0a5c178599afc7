// Package search defines core types shared across subsystems.
package search

import "time"

// JobStatus represents the ledger state of an in-flight job.
type JobStatus string

// Job status values persisted in the jobs table. Finished jobs are not
// represented here: completion moves the record to the results table.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCancelled JobStatus = "cancelled"
)

// Outcome is the terminal disposition stored with a result payload.
type Outcome string

// Outcome values persisted in the results table.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// OutputMode selects how much detail the backend returns per match.
type OutputMode string

// Supported output modes.
const (
	ModeSummary OutputMode = "summary"
	ModeRegions OutputMode = "regions"
)

// Failure codes carried in failed result payloads.
const (
	ErrCodeValidation = "validation"
	ErrCodeBackend    = "backend_unavailable"
	ErrCodeQuery      = "query_failed"
	ErrCodeDecode     = "decode_failed"
	ErrCodeTimeout    = "timeout"
	ErrCodeCancelled  = "cancelled"
	ErrCodeInternal   = "internal"
)

// JobParameters captures a validated search request with defaults applied.
type JobParameters struct {
	Label             string     `json:"label"`
	Sequence          string     `json:"sequence"`
	Dataset           string     `json:"dataset"`
	Partition         string     `json:"partition,omitempty"`
	ResultCap         int        `json:"result_cap"`
	ScoreThreshold    float64    `json:"score_threshold"`
	KmerRateThreshold float64    `json:"shared_kmer_rate"`
	Mode              OutputMode `json:"mode"`
}

// Job is one row of the jobs table: a submitted, not-yet-finished search.
type Job struct {
	ID           string        `json:"job_id"`
	Submitted    time.Time     `json:"submitted_at"`
	Deadline     time.Time     `json:"deadline"`
	Status       JobStatus     `json:"status"`
	WorkerHandle string        `json:"-"`
	Parameters   JobParameters `json:"parameters"`
}

// Match is one scored hit returned by the backend engine. Scores pass
// through unmodified; Regions is decoded from the backend array literal
// and omitted in summary mode.
type Match struct {
	Label          string   `json:"label"`
	RawScore       float64  `json:"raw_score"`
	CorrectedScore float64  `json:"corrected_score"`
	SharedKmerRate float64  `json:"shared_kmer_rate"`
	Regions        []string `json:"regions,omitempty"`
}

// ResultPayload is the serialized outcome of a finished job, pending
// one-time delivery.
type ResultPayload struct {
	Outcome      Outcome `json:"outcome"`
	Matches      []Match `json:"matches,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"message,omitempty"`
}

// Failure builds a failed payload from a code and message.
func Failure(code, message string) ResultPayload {
	return ResultPayload{
		Outcome:      OutcomeFailed,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}

// ResultInfo is the non-destructive view of a stored result, used by the
// status operation so polling never consumes the payload.
type ResultInfo struct {
	Outcome     Outcome
	CompletedAt time.Time
}

// DatasetMeta is the backend-advertised metadata for one target dataset.
type DatasetMeta struct {
	// MinQueryLen is the smallest query the engine indexes (one k-mer unit).
	MinQueryLen int
	// MaxQueryLen is the largest scoring window the engine accepts.
	MaxQueryLen int
	// KmerLength is the engine's comparison unit size, informational.
	KmerLength int
}

// Query is the backend's native form of a job, produced by the executor
// after validation.
type Query struct {
	Dataset           string
	Partition         string
	Sequence          string
	ResultCap         int
	ScoreThreshold    float64
	KmerRateThreshold float64
	Mode              OutputMode
}
