package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fredcamaral/overlaysync/internal/adapters/secondary/monitoring"
	"github.com/fredcamaral/overlaysync/internal/domain/entities"
	"github.com/fredcamaral/overlaysync/internal/domain/ports"
	"github.com/fredcamaral/overlaysync/internal/domain/services"
)

// maxIngestBytes bounds one ingest request body
const maxIngestBytes = 1 << 20

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string    `json:"error"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventsResponse is the catch-up view of drained events
type EventsResponse struct {
	Events    []entities.EventRecord `json:"events"`
	Dropped   uint64                 `json:"dropped"`
	NextSince uint64                 `json:"next_since"`
}

// HealthResponse summarises the helper for local tooling
type HealthResponse struct {
	Status      string                  `json:"status"`
	Online      bool                    `json:"online"`
	HasState    bool                    `json:"has_state"`
	HeartbeatMs int64                   `json:"heartbeat_ms,omitempty"`
	Connections int                     `json:"connections"`
	Ring        *ports.RingStats        `json:"ring,omitempty"`
	Runtime     monitoring.RuntimeStats `json:"runtime"`
	Time        time.Time               `json:"time"`
}

// handleIngest merges one producer's partial snapshot
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	producer, err := entities.ParseProducerTag(mux.Vars(r)["producer"])
	if err != nil {
		s.handleError(w, err, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.handleError(w, err, http.StatusRequestEntityTooLarge)
			return
		}
		s.handleError(w, err, http.StatusBadRequest)
		return
	}

	snapshot, err := s.deps.Reconciler.IngestJSON(r.Context(), producer, body)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrMalformedPayload), errors.Is(err, services.ErrInvalidUpdate):
		s.handleError(w, err, http.StatusBadRequest)
		return
	case errors.Is(err, services.ErrReconcilerStopped):
		s.handleError(w, err, http.StatusServiceUnavailable)
		return
	default:
		s.handleError(w, err, http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleState returns the canonical snapshot, or 204 before the first publish
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.deps.Reconciler.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

// handleEvents serves drained events newer than ?since=
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.handleError(w, fmt.Errorf("parsing since: %w", err), http.StatusBadRequest)
			return
		}
		since = parsed
	}

	records, next := s.deps.History.Since(since)
	if records == nil {
		records = []entities.EventRecord{}
	}

	s.writeJSON(w, http.StatusOK, EventsResponse{
		Events:    records,
		Dropped:   s.deps.History.Dropped(),
		NextSince: next,
	})
}

// handleHealth reports liveness of every wired component
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Runtime: s.deps.Runtime.Stats(),
		Time:    time.Now().UTC(),
	}

	if snapshot, ok := s.deps.Reconciler.Latest(); ok {
		response.HasState = true
		response.Online = snapshot.Online
		response.HeartbeatMs = snapshot.HeartbeatMs
	}

	if s.deps.Hub != nil {
		response.Connections = s.deps.Hub.ConnectionCount()
	}

	if s.deps.Ring != nil {
		if stats, ok := s.deps.Ring.Stats(); ok {
			response.Ring = &stats
		}
	}

	if !response.Runtime.Healthy {
		response.Status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleError handles error responses with sanitized messages
func (s *Server) handleError(w http.ResponseWriter, err error, status int) {
	var message string
	switch status {
	case http.StatusBadRequest:
		message = err.Error()
	case http.StatusNotFound:
		message = "Resource not found"
	case http.StatusMethodNotAllowed:
		message = "Method not allowed"
	case http.StatusRequestEntityTooLarge:
		message = "Request body too large"
	case http.StatusTooManyRequests:
		message = "Too many requests"
	case http.StatusServiceUnavailable:
		message = "Service shutting down"
	case http.StatusInternalServerError:
		message = "Internal server error"
	default:
		message = "An error occurred"
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "HTTP error",
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Time:    time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(response); encodeErr != nil {
		s.logger.Error("Failed to encode error response", slog.String("error", encodeErr.Error()))
	}
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		s.handleError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("Failed to write JSON response", slog.String("error", err.Error()))
	}
}
