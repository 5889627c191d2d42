// Package ingest holds the wire types of the telemetry ingest API, shared
// by the HTTP handler, the validator, and clients.
package ingest

import (
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
)

// EventInput is the JSON shape accepted by the telemetry ingest endpoint.
// Remote pipelines assign their own session ids; the server only validates
// and timestamps.
type EventInput struct {
	SessionID string         `json:"session_id"`
	ItemID    int64          `json:"item_id"`
	ItemType  string         `json:"item_type,omitempty"`
	Stage     string         `json:"stage"`
	Level     string         `json:"level,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// ToEvent converts the input to a domain event, defaulting the level to
// info and the timestamp to now when absent.
func (in EventInput) ToEvent(now time.Time) event.Event {
	level := event.Level(in.Level)
	if in.Level == "" {
		level = event.LevelInfo
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	return event.Event{
		SessionID: in.SessionID,
		ItemID:    in.ItemID,
		ItemType:  in.ItemType,
		Stage:     event.Stage(in.Stage),
		Level:     level,
		Payload:   in.Payload,
		CreatedAt: createdAt,
	}
}

// SessionEndInput is the JSON body closing a session over HTTP.
type SessionEndInput struct {
	DurationMs      int64 `json:"duration_ms"`
	MemoryPeakBytes int64 `json:"memory_peak_bytes"`
}

// TrackResponse reports how many events an ingest call accepted.
type TrackResponse struct {
	Accepted int `json:"accepted"`
}
