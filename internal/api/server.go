// Package api serves the operational HTTP surface of the intake daemon.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"document-intake/internal/models"
	"document-intake/internal/pipeline"
	"document-intake/internal/queue"
	"document-intake/internal/telemetry"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Backend is what the handlers read from. *pipeline.Orchestrator implements it.
type Backend interface {
	Status(ctx context.Context) pipeline.Status
	RecentJobs(ctx context.Context, limit int) ([]models.JournalEntry, error)
	JobAudit(ctx context.Context, jobID string) ([]models.AuditLog, error)
	DeadLetters(ctx context.Context, limit int64) ([]queue.DeadLetter, error)
}

// Server wires HTTP handlers for the ops API.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

// New constructs the API server.
func New(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{backend: backend, logger: logger}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/status", s.handleStatus)
	r.Get("/jobs", s.handleJobs)
	r.Get("/jobs/{id}/audit", s.handleAudit)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status(r.Context()))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	jobs, err := s.backend.RecentJobs(r.Context(), limit)
	if err != nil {
		s.logger.Error("read journal", "error", err)
		http.Error(w, "failed to read journal", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	items, err := s.backend.JobAudit(r.Context(), id)
	if err != nil {
		s.logger.Error("read audit", "job_id", id, "error", err)
		http.Error(w, "failed to read audit", http.StatusInternalServerError)
		return
	}
	if len(items) == 0 {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleDLQ returns dead-lettered durable messages with their reasons.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.backend.DeadLetters(r.Context(), int64(limit))
	if err != nil {
		s.logger.Error("read dlq", "error", err)
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
