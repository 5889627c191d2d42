// Package handler exposes the telemetry ingest HTTP API: remote pipelines
// report events in batches, and close their sessions with a summary call.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/ingest"
	"github.com/indexwatch/indexwatch/internal/ingest/buffer"
	"github.com/indexwatch/indexwatch/internal/ingest/validator"
	"github.com/indexwatch/indexwatch/internal/race"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/logger"
)

type Handler struct {
	buffer          *buffer.Buffer
	detector        *race.Detector
	maxPayloadBytes int
	logger          *slog.Logger
}

// New creates the ingest handler. detector may be nil to disable race
// checks.
func New(buf *buffer.Buffer, detector *race.Detector, cfg config.IngestConfig) *Handler {
	return &Handler{
		buffer:          buf,
		detector:        detector,
		maxPayloadBytes: cfg.MaxPayloadBytes,
		logger:          slog.Default().With("component", "ingest-handler"),
	}
}

// Track accepts a JSON array of events. The whole batch is validated before
// anything is buffered; a structurally invalid event rejects the request
// with per-field details.
func (h *Handler) Track(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var inputs []ingest.EventInput
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(inputs) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty event batch")
		return
	}

	for i := range inputs {
		if err := validator.ValidateEventInput(&inputs[i], h.maxPayloadBytes); err != nil {
			var validationErr *validator.ValidationError
			if errors.As(err, &validationErr) {
				h.writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":  "validation failed",
					"index":  i,
					"fields": validationErr.Fields,
				})
				return
			}
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	now := time.Now().UTC()
	for _, in := range inputs {
		e := in.ToEvent(now)
		if h.detector != nil {
			h.detector.Observe(ctx, e)
		}
		h.buffer.Track(ctx, e)
	}

	log.Debug("events accepted", "count", len(inputs))
	h.writeJSON(w, http.StatusAccepted, ingest.TrackResponse{Accepted: len(inputs)})
}

// EndSession records the closing summary event for a session and forces a
// flush so the run's tail is durable before the caller exits.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	ctx := logger.WithSessionID(r.Context(), sessionID)

	var in ingest.SessionEndInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h.buffer.Track(ctx, event.Event{
		SessionID: sessionID,
		Stage:     event.StageSession,
		Level:     event.LevelStats,
		Payload: map[string]any{
			"duration_ms":       in.DurationMs,
			"memory_peak_bytes": in.MemoryPeakBytes,
		},
		CreatedAt: time.Now().UTC(),
	})
	h.buffer.Flush(ctx)

	logger.FromContext(ctx).Info("session end recorded")
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "closed"})
}

// Health reports liveness for load balancers that only probe one path.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
