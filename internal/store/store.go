// Package store defines the persistence contracts for telemetry events and
// race-correlation records. Implementations live in the postgres and memory
// subpackages; the event store owns every persisted event, while buffers own
// only their transient pre-flush queues.
package store

import (
	"context"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
)

// EventStore is an append-only sink plus the read paths the analyzer needs.
// Writes are concurrent-safe across sessions without coordination: session
// ids are generated per-run with high-entropy uniqueness, so independent
// writers never contend on the same key.
type EventStore interface {
	// WriteBatch appends a batch of events. The batch is not transactional
	// with respect to other writers; it only guarantees all-or-nothing
	// within itself where the backend supports it.
	WriteBatch(ctx context.Context, events []event.Event) error

	// SessionEvents returns every event for a session in chronological
	// order. A session with no events returns an empty slice, not an error.
	SessionEvents(ctx context.Context, sessionID string) ([]event.Event, error)

	// ItemEvents returns a single item's events within a session,
	// chronological.
	ItemEvents(ctx context.Context, sessionID string, itemID int64) ([]event.Event, error)

	// RecentItemEvents returns events for an item across all sessions with
	// CreatedAt >= since. Used by the race detector's store-backed fallback
	// and by operators inspecting an item.
	RecentItemEvents(ctx context.Context, itemID int64, since time.Time) ([]event.Event, error)

	// SessionIDs lists known session ids, most recent first.
	SessionIDs(ctx context.Context, limit int) ([]string, error)

	// PurgeBefore removes events created before the cutoff, returning the
	// number removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CorrelationStore persists race-correlation records.
type CorrelationStore interface {
	// Upsert merges a correlation into the store: session and stage sets
	// union, first/last seen widen, occurrence count increments.
	Upsert(ctx context.Context, c event.Correlation) error

	// List returns correlations involving at least minConcurrent sessions
	// whose last_seen falls at or after since, newest first.
	List(ctx context.Context, minConcurrent int, since time.Time, limit int) ([]event.Correlation, error)

	// PurgeBefore removes correlations whose last_seen predates the cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
