package memory

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func ev(session string, itemID int64, stage event.Stage, offsetSec int) event.Event {
	return event.Event{
		SessionID: session,
		ItemID:    itemID,
		Stage:     stage,
		Level:     event.LevelInfo,
		CreatedAt: base.Add(time.Duration(offsetSec) * time.Second),
	}
}

func TestEventStoreQueries(t *testing.T) {
	s := NewEventStore()
	ctx := context.Background()

	batch := []event.Event{
		ev("run-b", 2, event.StageRetrieval, 10),
		ev("run-a", 1, event.StageRetrieval, 0),
		ev("run-a", 1, event.StageSubmission, 2),
		ev("run-a", 2, event.StageRetrieval, 1),
	}
	if err := s.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}
	if got := s.Len(); got != 4 {
		t.Fatalf("Len() = %d, want 4", got)
	}

	sessionEvents, err := s.SessionEvents(ctx, "run-a")
	if err != nil {
		t.Fatalf("SessionEvents() error: %v", err)
	}
	if len(sessionEvents) != 3 {
		t.Fatalf("SessionEvents() returned %d events, want 3", len(sessionEvents))
	}
	for i := 1; i < len(sessionEvents); i++ {
		if sessionEvents[i].CreatedAt.Before(sessionEvents[i-1].CreatedAt) {
			t.Error("SessionEvents() must be chronological")
		}
	}

	itemEvents, err := s.ItemEvents(ctx, "run-a", 1)
	if err != nil {
		t.Fatalf("ItemEvents() error: %v", err)
	}
	if len(itemEvents) != 2 {
		t.Errorf("ItemEvents() returned %d events, want 2", len(itemEvents))
	}

	recent, err := s.RecentItemEvents(ctx, 2, base.Add(5*time.Second))
	if err != nil {
		t.Fatalf("RecentItemEvents() error: %v", err)
	}
	if len(recent) != 1 || recent[0].SessionID != "run-b" {
		t.Errorf("RecentItemEvents() = %+v, want only the run-b sighting", recent)
	}
}

func TestEventStoreSessionIDs(t *testing.T) {
	s := NewEventStore()
	ctx := context.Background()

	if err := s.WriteBatch(ctx, []event.Event{
		ev("run-old", 1, event.StageRetrieval, 0),
		ev("run-new", 1, event.StageRetrieval, 100),
	}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	ids, err := s.SessionIDs(ctx, 10)
	if err != nil {
		t.Fatalf("SessionIDs() error: %v", err)
	}
	if want := []string{"run-new", "run-old"}; !slices.Equal(ids, want) {
		t.Errorf("SessionIDs() = %v, want %v (most recent first)", ids, want)
	}

	ids, err = s.SessionIDs(ctx, 1)
	if err != nil {
		t.Fatalf("SessionIDs() error: %v", err)
	}
	if want := []string{"run-new"}; !slices.Equal(ids, want) {
		t.Errorf("SessionIDs(limit 1) = %v, want %v", ids, want)
	}
}

func TestEventStorePurgeBefore(t *testing.T) {
	s := NewEventStore()
	ctx := context.Background()

	if err := s.WriteBatch(ctx, []event.Event{
		ev("run-a", 1, event.StageRetrieval, 0),
		ev("run-a", 1, event.StageSubmission, 100),
	}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	purged, err := s.PurgeBefore(ctx, base.Add(50*time.Second))
	if err != nil {
		t.Fatalf("PurgeBefore() error: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged %d events, want 1", purged)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d after purge, want 1", got)
	}
}

func TestCorrelationStoreMergesUpserts(t *testing.T) {
	s := NewCorrelationStore()
	ctx := context.Background()

	if err := s.Upsert(ctx, event.Correlation{
		ItemID:     7,
		SessionIDs: []string{"run-a", "run-b"},
		Stages:     []string{"retrieval"},
		FirstSeen:  base,
		LastSeen:   base.Add(time.Second),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := s.Upsert(ctx, event.Correlation{
		ItemID:     7,
		SessionIDs: []string{"run-b", "run-c"},
		Stages:     []string{"retrieval", "submission"},
		FirstSeen:  base.Add(2 * time.Second),
		LastSeen:   base.Add(3 * time.Second),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	list, err := s.List(ctx, 2, time.Time{}, 10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("List() returned %d records, want 1 merged record", len(list))
	}
	c := list[0]
	if want := []string{"run-a", "run-b", "run-c"}; !slices.Equal(c.SessionIDs, want) {
		t.Errorf("SessionIDs = %v, want %v", c.SessionIDs, want)
	}
	if want := []string{"retrieval", "submission"}; !slices.Equal(c.Stages, want) {
		t.Errorf("Stages = %v, want %v", c.Stages, want)
	}
	if !c.FirstSeen.Equal(base) {
		t.Errorf("FirstSeen = %v, want the earliest sighting", c.FirstSeen)
	}
	if !c.LastSeen.Equal(base.Add(3 * time.Second)) {
		t.Errorf("LastSeen = %v, want the latest sighting", c.LastSeen)
	}

	// min_concurrent filters by distinct session count.
	list, err = s.List(ctx, 4, time.Time{}, 10)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List(min 4) returned %d records, want 0", len(list))
	}
}
