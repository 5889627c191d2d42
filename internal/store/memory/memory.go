// Package memory provides in-memory implementations of the event and
// correlation stores. They back unit tests and redis/postgres-less
// development runs; nothing here survives a restart.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
)

// EventStore is a mutex-guarded append-only slice of events.
type EventStore struct {
	mu     sync.RWMutex
	events []event.Event
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// WriteBatch appends the batch.
func (s *EventStore) WriteBatch(ctx context.Context, events []event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// SessionEvents returns a session's events in chronological order.
func (s *EventStore) SessionEvents(ctx context.Context, sessionID string) ([]event.Event, error) {
	return s.filter(func(e event.Event) bool {
		return e.SessionID == sessionID
	}), nil
}

// ItemEvents returns one item's events within a session.
func (s *EventStore) ItemEvents(ctx context.Context, sessionID string, itemID int64) ([]event.Event, error) {
	return s.filter(func(e event.Event) bool {
		return e.SessionID == sessionID && e.ItemID == itemID
	}), nil
}

// RecentItemEvents returns an item's events across sessions since the given
// time.
func (s *EventStore) RecentItemEvents(ctx context.Context, itemID int64, since time.Time) ([]event.Event, error) {
	return s.filter(func(e event.Event) bool {
		return e.ItemID == itemID && !e.CreatedAt.Before(since)
	}), nil
}

// SessionIDs lists distinct session ids by most recent activity.
func (s *EventStore) SessionIDs(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]time.Time)
	for _, e := range s.events {
		if e.CreatedAt.After(latest[e.SessionID]) {
			latest[e.SessionID] = e.CreatedAt
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return latest[ids[i]].After(latest[ids[j]])
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// PurgeBefore drops events created before the cutoff.
func (s *EventStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var purged int64
	for _, e := range s.events {
		if e.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return purged, nil
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *EventStore) filter(keep func(event.Event) bool) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Event, 0)
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	// Stable sort keeps insertion order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// CorrelationStore is a mutex-guarded map keyed by item id.
type CorrelationStore struct {
	mu           sync.RWMutex
	correlations map[int64]event.Correlation
}

// NewCorrelationStore creates an empty in-memory correlation store.
func NewCorrelationStore() *CorrelationStore {
	return &CorrelationStore{correlations: make(map[int64]event.Correlation)}
}

// Upsert merges the correlation into the item's record.
func (s *CorrelationStore) Upsert(ctx context.Context, c event.Correlation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.correlations[c.ItemID]
	if !ok {
		c.Occurrences = 1
		s.correlations[c.ItemID] = c
		return nil
	}
	existing.SessionIDs = mergeDistinct(existing.SessionIDs, c.SessionIDs)
	existing.Stages = mergeDistinct(existing.Stages, c.Stages)
	if c.FirstSeen.Before(existing.FirstSeen) {
		existing.FirstSeen = c.FirstSeen
	}
	if c.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = c.LastSeen
	}
	existing.Occurrences++
	s.correlations[c.ItemID] = existing
	return nil
}

// List returns correlations with at least minConcurrent sessions last seen
// at or after since, newest first.
func (s *CorrelationStore) List(ctx context.Context, minConcurrent int, since time.Time, limit int) ([]event.Correlation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]event.Correlation, 0)
	for _, c := range s.correlations {
		if len(c.SessionIDs) >= minConcurrent && !c.LastSeen.Before(since) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeBefore drops correlations last seen before the cutoff.
func (s *CorrelationStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, c := range s.correlations {
		if c.LastSeen.Before(cutoff) {
			delete(s.correlations, id)
			purged++
		}
	}
	return purged, nil
}

func mergeDistinct(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
