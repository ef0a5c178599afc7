// Package api exposes the HTTP interface for the search gateway.
package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mkarlsen/kmergate/internal/admission"
	"github.com/mkarlsen/kmergate/internal/config"
	"github.com/mkarlsen/kmergate/internal/metrics"
	"github.com/mkarlsen/kmergate/internal/search"
)

// Runner starts admitted jobs and cancels live tasks by handle.
type Runner interface {
	Start(job search.Job)
	Cancel(handle string, grace time.Duration) bool
}

// Server wires HTTP handlers to the ledger, admission controller, and
// job runner.
type Server struct {
	router    chi.Router
	ledger    search.Ledger
	admission *admission.Controller
	runner    Runner
	backend   search.Backend
	idGen     search.IDGenerator
	clock     search.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	ledger search.Ledger,
	ctrl *admission.Controller,
	runner Runner,
	backend search.Backend,
	idGen search.IDGenerator,
	clock search.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ledger:    ledger,
		admission: ctrl,
		runner:    runner,
		backend:   backend,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))
	r.Use(metrics.Middleware)
	r.Use(s.occupancyMiddleware)

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed,
			r.Method+" is not supported on "+r.URL.Path)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "no such endpoint")
	})

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metadata", s.metadata)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireJSONMiddleware)
		r.Post("/search", s.submitSearch)
		r.Post("/status", s.jobStatus)
		r.Post("/result", s.jobResult)
		r.Post("/cancel", s.cancelJob)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.ledger.RunningCount(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "ledger unavailable")
		return
	}
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, codeInternal, "search engine unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// occupancyMiddleware stamps every response with the current job pool
// occupancy so clients can back off before submitting. When the running
// count cannot be read the header carries -1; the pool limit is static
// and always reported.
func (s *Server) occupancyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		running, max, err := s.admission.Occupancy(r.Context())
		if err != nil {
			s.logger.Warn("occupancy lookup failed", zap.Error(err))
			running = -1
		}
		w.Header().Set("X-Kmergate-Jobs-Running", strconv.Itoa(running))
		w.Header().Set("X-Kmergate-Jobs-Max", strconv.Itoa(max))
		next.ServeHTTP(w, r)
	})
}

// requireJSONMiddleware rejects POST bodies that do not declare JSON.
func requireJSONMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if mediaType(ct) != "application/json" {
			writeError(w, http.StatusBadRequest, codeInvalidRequest,
				"Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}
