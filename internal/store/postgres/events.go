// Package postgres implements the event and correlation stores on
// PostgreSQL via lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/postgres"
)

// EventStore persists telemetry events in the `pipeline_events` table.
//
// Schema (see Migrate):
//
//	CREATE TABLE pipeline_events (
//	    id         BIGSERIAL PRIMARY KEY,
//	    session_id TEXT NOT NULL,
//	    item_id    BIGINT NOT NULL DEFAULT 0,
//	    item_type  TEXT NOT NULL DEFAULT '',
//	    stage      TEXT NOT NULL,
//	    level      TEXT NOT NULL,
//	    payload    JSONB,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//
// Insertion order per session is preserved by the serial id; chronological
// reads order by (created_at, id) so same-timestamp events keep write order.
type EventStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewEventStore creates an EventStore on an existing client.
func NewEventStore(db *postgres.Client) *EventStore {
	return &EventStore{
		db:     db,
		logger: slog.Default().With("component", "event-store"),
	}
}

// Migrate creates the telemetry tables and indexes if they do not exist.
func (s *EventStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_events (
			id         BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			item_id    BIGINT NOT NULL DEFAULT 0,
			item_type  TEXT NOT NULL DEFAULT '',
			stage      TEXT NOT NULL,
			level      TEXT NOT NULL,
			payload    JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_events_session
			ON pipeline_events (session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_events_item
			ON pipeline_events (item_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS race_correlations (
			item_id          BIGINT PRIMARY KEY,
			session_ids      TEXT[] NOT NULL,
			stages           TEXT[] NOT NULL,
			first_seen       TIMESTAMPTZ NOT NULL,
			last_seen        TIMESTAMPTZ NOT NULL,
			occurrence_count INT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_race_correlations_seen
			ON race_correlations (last_seen)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating telemetry schema: %w", err)
		}
	}
	return nil
}

// WriteBatch inserts a batch of events inside one transaction.
func (s *EventStore) WriteBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO pipeline_events (session_id, item_id, item_type, stage, level, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			payload, err := marshalPayload(e.Payload)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				e.SessionID, e.ItemID, e.ItemType,
				string(e.Stage), string(e.Level),
				payload, e.CreatedAt.UTC(),
			); err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Debug("batch written", "events", len(events))
	return nil
}

// SessionEvents returns every event for a session, chronological.
func (s *EventStore) SessionEvents(ctx context.Context, sessionID string) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT session_id, item_id, item_type, stage, level, payload, created_at
		 FROM pipeline_events WHERE session_id = $1
		 ORDER BY created_at, id`, sessionID)
}

// ItemEvents returns one item's events within a session, chronological.
func (s *EventStore) ItemEvents(ctx context.Context, sessionID string, itemID int64) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT session_id, item_id, item_type, stage, level, payload, created_at
		 FROM pipeline_events WHERE session_id = $1 AND item_id = $2
		 ORDER BY created_at, id`, sessionID, itemID)
}

// RecentItemEvents returns an item's events across sessions since the given
// time, chronological.
func (s *EventStore) RecentItemEvents(ctx context.Context, itemID int64, since time.Time) ([]event.Event, error) {
	return s.queryEvents(ctx,
		`SELECT session_id, item_id, item_type, stage, level, payload, created_at
		 FROM pipeline_events WHERE item_id = $1 AND created_at >= $2
		 ORDER BY created_at, id`, itemID, since.UTC())
}

// SessionIDs lists distinct session ids by most recent activity.
func (s *EventStore) SessionIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT session_id FROM pipeline_events
		 GROUP BY session_id ORDER BY MAX(created_at) DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeBefore deletes events created before the cutoff.
func (s *EventStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM pipeline_events WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged events: %w", err)
	}
	if n > 0 {
		s.logger.Info("events purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *EventStore) queryEvents(ctx context.Context, query string, args ...any) ([]event.Event, error) {
	rows, err := s.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			e       event.Event
			stage   string
			level   string
			payload []byte
		)
		if err := rows.Scan(&e.SessionID, &e.ItemID, &e.ItemType, &stage, &level, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.Stage = event.Stage(stage)
		e.Level = event.Level(level)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				// A corrupt payload degrades to "no data", never to a
				// failed read.
				s.logger.Warn("skipping corrupt payload", "session_id", e.SessionID, "item_id", e.ItemID, "error", err)
				e.Payload = nil
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return data, nil
}
