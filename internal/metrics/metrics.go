// Package metrics exposes Prometheus collectors for the gateway service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kmergate_jobs_total",
			Help: "Total number of finished search jobs, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kmergate_jobs_running",
			Help: "Number of search jobs currently executing.",
		},
	)

	jobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kmergate_job_duration_seconds",
			Help:    "Histogram of job wall-clock durations, labeled by outcome.",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 600, 1800},
		},
		[]string{"outcome"},
	)

	submissionsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kmergate_submissions_rejected_total",
			Help: "Total submissions rejected because the job pool was full.",
		},
	)

	resultsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kmergate_results_delivered_total",
			Help: "Total result payloads delivered (and thereby consumed).",
		},
	)

	resultsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kmergate_results_swept_total",
			Help: "Total unclaimed result payloads removed by retention sweeps.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job with its outcome and duration.
func ObserveJob(outcome string, duration time.Duration) {
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncRunningJobs increments the running jobs gauge.
func IncRunningJobs() {
	jobsRunning.Inc()
}

// DecRunningJobs decrements the running jobs gauge.
func DecRunningJobs() {
	jobsRunning.Dec()
}

// ObserveRejectedSubmission counts a submission refused at admission.
func ObserveRejectedSubmission() {
	submissionsRejectedTotal.Inc()
}

// ObserveResultDelivered counts a consumed result payload.
func ObserveResultDelivered() {
	resultsDeliveredTotal.Inc()
}

// ObserveResultsSwept counts results removed by a retention sweep.
func ObserveResultsSwept(n int64) {
	if n > 0 {
		resultsSweptTotal.Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
