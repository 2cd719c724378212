// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/rolodex/internal/adapters/parser"
	"github.com/okian/rolodex/internal/domain/merge"
	"github.com/okian/rolodex/internal/domain/types"
)

const defaultMaxBodyBytes = 32 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	Readiness
	StatsProvider

	Submit(ctx context.Context, data []byte, req types.SubmitRequest) (types.Job, error)
	Job(id string) (types.Job, error)
	Jobs() []types.Job
	Pause(ctx context.Context, id string) (types.Job, error)
	Resume(ctx context.Context, id string) (types.Job, error)
	Cancel(ctx context.Context, id string) (types.Job, error)
}

// Option configures the Server.
type Option func(*Server)

// WithMaxBodyBytes caps the upload size accepted by POST /imports.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.importsHandler.maxBody = n
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler  *HealthHandler
	statsHandler   *StatsHandler
	importsHandler *ImportsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		healthHandler:  NewHealthHandler(deps),
		statsHandler:   NewStatsHandler(deps),
		importsHandler: NewImportsHandler(deps),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /metrics", s.healthHandler.HandleMetrics)
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	h := s.importsHandler
	mux.HandleFunc("POST /imports", MetricsMiddleware(h.HandleSubmit, "imports"))
	mux.HandleFunc("GET /imports", MetricsMiddleware(h.HandleList, "imports"))
	mux.HandleFunc("GET /imports/{id}", MetricsMiddleware(h.HandleGet, "import"))
	mux.HandleFunc("POST /imports/{id}/pause", MetricsMiddleware(h.HandlePause, "import_pause"))
	mux.HandleFunc("POST /imports/{id}/resume", MetricsMiddleware(h.HandleResume, "import_resume"))
	mux.HandleFunc("POST /imports/{id}/cancel", MetricsMiddleware(h.HandleCancel, "import_cancel"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeServiceError translates service errors into HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, types.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, types.ErrJobFinished):
		writeError(w, http.StatusConflict, "job_finished", err)
	case errors.Is(err, types.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "backpressure", errors.Join(ErrBackpressure, err))
	case errors.Is(err, types.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", errors.Join(ErrUnavailable, err))
	case errors.Is(err, types.ErrUploadTooLarge), errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", errors.Join(ErrTooLarge, err))
	case errors.Is(err, types.ErrEmptyUpload),
		errors.Is(err, parser.ErrUnsupportedFormat),
		errors.Is(err, merge.ErrUnknownStrategy),
		errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
