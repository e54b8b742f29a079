package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"filingwatch/internal/domain"
)

// PollTrigger starts a polling cycle in the background, reporting false
// when one is already in flight.
type PollTrigger interface {
	TriggerAsync(ctx context.Context) bool
}

// Server is the diagnostics HTTP adapter: health, failure ledger,
// manual retry and poll triggers, and Prometheus metrics.
type Server struct {
	state   *domain.StateManager
	trigger PollTrigger
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates the diagnostics server. metricsHandler serves
// GET /metrics and may be nil to disable the endpoint.
func NewServer(state *domain.StateManager, trigger PollTrigger, metricsHandler http.Handler, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		state:   state,
		trigger: trigger,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	s.routes(metricsHandler)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /failures", s.handleListFailures)
	s.mux.HandleFunc("POST /failures/{accession}/retry", s.handleRetry)
	s.mux.HandleFunc("POST /poll", s.handlePoll)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
}

// failureResponse is the JSON shape of one failure ledger entry.
type failureResponse struct {
	ID           int64  `json:"id"`
	Accession    string `json:"accession"`
	Ticker       string `json:"ticker"`
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	OccurredAt   string `json:"occurred_at"`
	RetryCount   int    `json:"retry_count"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	processed, err := s.state.CountProcessed(r.Context())
	if err != nil {
		s.logger.Error("health check state query failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "state store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"processed": processed,
	})
}

const (
	defaultFailureLimit = 20
	maxFailureLimit     = 200
)

func (s *Server) handleListFailures(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailureLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxFailureLimit)
	}

	failures, err := s.state.ListFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("failure ledger query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]failureResponse, 0, len(failures))
	for _, f := range failures {
		out = append(out, failureToResponse(f))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"failures": out})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	accession := r.PathValue("accession")

	err := s.state.IncrementRetry(r.Context(), accession)
	switch {
	case errors.Is(err, domain.ErrEmptyAccession):
		s.writeError(w, http.StatusBadRequest, "accession is required")
	case errors.Is(err, domain.ErrFilingNotFound):
		s.writeError(w, http.StatusNotFound, "no current failure for accession")
	case err != nil:
		s.logger.Error("retry bump failed", "accession", accession, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"accession": accession, "status": "retry recorded"})
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	// The cycle outlives this request, so it must not inherit the
	// request context.
	if !s.trigger.TriggerAsync(context.WithoutCancel(r.Context())) {
		s.writeError(w, http.StatusConflict, "polling cycle already in flight")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cycle started"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func failureToResponse(f domain.FailureRecord) failureResponse {
	return failureResponse{
		ID:           f.ID,
		Accession:    f.Accession,
		Ticker:       f.Ticker,
		ErrorType:    f.ErrorType,
		ErrorMessage: f.ErrorMessage,
		OccurredAt:   f.OccurredAt.UTC().Format("2006-01-02T15:04:05Z"),
		RetryCount:   f.RetryCount,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
