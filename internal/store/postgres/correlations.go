package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/postgres"
)

// CorrelationStore persists race-correlation records in the
// `race_correlations` table, one row per item, merged on conflict.
type CorrelationStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewCorrelationStore creates a CorrelationStore on an existing client.
func NewCorrelationStore(db *postgres.Client) *CorrelationStore {
	return &CorrelationStore{
		db:     db,
		logger: slog.Default().With("component", "correlation-store"),
	}
}

// Upsert merges a correlation into the item's row: session and stage sets
// union, the seen interval widens, and the occurrence count increments.
func (s *CorrelationStore) Upsert(ctx context.Context, c event.Correlation) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO race_correlations (item_id, session_ids, stages, first_seen, last_seen, occurrence_count)
		 VALUES ($1, $2, $3, $4, $5, 1)
		 ON CONFLICT (item_id) DO UPDATE SET
			session_ids = ARRAY(SELECT DISTINCT unnest(race_correlations.session_ids || EXCLUDED.session_ids)),
			stages      = ARRAY(SELECT DISTINCT unnest(race_correlations.stages || EXCLUDED.stages)),
			first_seen  = LEAST(race_correlations.first_seen, EXCLUDED.first_seen),
			last_seen   = GREATEST(race_correlations.last_seen, EXCLUDED.last_seen),
			occurrence_count = race_correlations.occurrence_count + 1`,
		c.ItemID, pq.Array(c.SessionIDs), pq.Array(c.Stages),
		c.FirstSeen.UTC(), c.LastSeen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting correlation for item %d: %w", c.ItemID, err)
	}
	return nil
}

// List returns correlations with at least minConcurrent sessions last seen
// at or after since, newest first.
func (s *CorrelationStore) List(ctx context.Context, minConcurrent int, since time.Time, limit int) ([]event.Correlation, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT item_id, session_ids, stages, first_seen, last_seen, occurrence_count
		 FROM race_correlations
		 WHERE cardinality(session_ids) >= $1 AND last_seen >= $2
		 ORDER BY last_seen DESC LIMIT $3`,
		minConcurrent, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing correlations: %w", err)
	}
	defer rows.Close()

	var out []event.Correlation
	for rows.Next() {
		var c event.Correlation
		if err := rows.Scan(&c.ItemID, pq.Array(&c.SessionIDs), pq.Array(&c.Stages),
			&c.FirstSeen, &c.LastSeen, &c.Occurrences); err != nil {
			return nil, fmt.Errorf("scanning correlation row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PurgeBefore deletes correlations last seen before the cutoff.
func (s *CorrelationStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.DB.ExecContext(ctx,
		`DELETE FROM race_correlations WHERE last_seen < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging correlations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged correlations: %w", err)
	}
	if n > 0 {
		s.logger.Info("correlations purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
