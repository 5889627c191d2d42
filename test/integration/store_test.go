// Package integration contains tests that exercise the PostgreSQL-backed
// stores and the analyzer on top of them against a real database. The tests
// skip automatically when PostgreSQL is unavailable.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/indexwatch/indexwatch/internal/analyze"
	"github.com/indexwatch/indexwatch/internal/event"
	storepg "github.com/indexwatch/indexwatch/internal/store/postgres"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/postgres"
)

// skipIfNoPostgres skips the test when PostgreSQL is unavailable.
func skipIfNoPostgres(t *testing.T) *postgres.Client {
	t.Helper()
	db, err := postgres.New(testPostgresConfig())
	if err != nil {
		t.Skipf("skipping integration test: postgres unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testPostgresConfig() config.PostgresConfig {
	return config.PostgresConfig{
		Host:            envOrDefault("TEST_POSTGRES_HOST", "localhost"),
		Port:            envOrDefaultInt("TEST_POSTGRES_PORT", 5432),
		Database:        envOrDefault("TEST_POSTGRES_DB", "indexwatch_test"),
		User:            envOrDefault("TEST_POSTGRES_USER", "indexwatch"),
		Password:        envOrDefaultPassword(),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultPassword() string {
	return envOrDefault("TEST_POSTGRES_PASSWORD", "localdev")
}

// newEventStore migrates the schema and returns a store plus a unique
// session id so parallel test runs do not see each other's rows.
func newEventStore(t *testing.T, db *postgres.Client) (*storepg.EventStore, string) {
	t.Helper()
	store := storepg.NewEventStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	return store, "it-" + uuid.NewString()
}

func TestEventStoreRoundTrip(t *testing.T) {
	db := skipIfNoPostgres(t)
	store, session := newEventStore(t, db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	batch := []event.Event{
		{
			SessionID: session,
			ItemID:    1,
			ItemType:  "post",
			Stage:     event.StageRetrieval,
			Level:     event.LevelInfo,
			Payload:   map[string]any{"item_type": "post"},
			CreatedAt: now,
		},
		{
			SessionID: session,
			ItemID:    1,
			Stage:     event.StageSubmission,
			Level:     event.LevelInfo,
			Payload:   map[string]any{"success": true},
			CreatedAt: now.Add(time.Second),
		},
	}
	if err := store.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	events, err := store.SessionEvents(ctx, session)
	if err != nil {
		t.Fatalf("SessionEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("SessionEvents() returned %d events, want 2", len(events))
	}
	if events[0].Stage != event.StageRetrieval || events[1].Stage != event.StageSubmission {
		t.Errorf("events out of order: %s, %s", events[0].Stage, events[1].Stage)
	}
	if events[0].ItemType != "post" {
		t.Errorf("ItemType = %q, want post", events[0].ItemType)
	}
	if success, ok := events[1].PayloadBool("success"); !ok || !success {
		t.Errorf("payload did not survive the JSONB round trip: %v", events[1].Payload)
	}

	itemEvents, err := store.ItemEvents(ctx, session, 1)
	if err != nil {
		t.Fatalf("ItemEvents() error: %v", err)
	}
	if len(itemEvents) != 2 {
		t.Errorf("ItemEvents() returned %d events, want 2", len(itemEvents))
	}
}

func TestEventStoreSameTimestampKeepsWriteOrder(t *testing.T) {
	db := skipIfNoPostgres(t)
	store, session := newEventStore(t, db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	batch := make([]event.Event, 5)
	for i := range batch {
		batch[i] = event.Event{
			SessionID: session,
			ItemID:    int64(i + 1),
			Stage:     event.StageRetrieval,
			Level:     event.LevelInfo,
			CreatedAt: now,
		}
	}
	if err := store.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	events, err := store.SessionEvents(ctx, session)
	if err != nil {
		t.Fatalf("SessionEvents() error: %v", err)
	}
	for i, e := range events {
		if e.ItemID != int64(i+1) {
			t.Fatalf("event %d has item %d; same-timestamp reads must keep write order", i, e.ItemID)
		}
	}
}

func TestCorrelationStoreUpsertMerges(t *testing.T) {
	db := skipIfNoPostgres(t)
	store := storepg.NewCorrelationStore(db)
	if err := storepg.NewEventStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	ctx := context.Background()

	// Random item id keeps runs independent.
	itemID := time.Now().UnixNano()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sessionA := "it-" + uuid.NewString()
	sessionB := "it-" + uuid.NewString()
	sessionC := "it-" + uuid.NewString()

	if err := store.Upsert(ctx, event.Correlation{
		ItemID:     itemID,
		SessionIDs: []string{sessionA, sessionB},
		Stages:     []string{"retrieval"},
		FirstSeen:  now,
		LastSeen:   now,
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := store.Upsert(ctx, event.Correlation{
		ItemID:     itemID,
		SessionIDs: []string{sessionB, sessionC},
		Stages:     []string{"submission"},
		FirstSeen:  now.Add(time.Second),
		LastSeen:   now.Add(time.Second),
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	list, err := store.List(ctx, 3, now.Add(-time.Minute), 100)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	var found *event.Correlation
	for i := range list {
		if list[i].ItemID == itemID {
			found = &list[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("merged correlation for item %d not listed", itemID)
	}
	if len(found.SessionIDs) != 3 {
		t.Errorf("SessionIDs = %v, want 3 distinct sessions", found.SessionIDs)
	}
	if len(found.Stages) != 2 {
		t.Errorf("Stages = %v, want retrieval and submission", found.Stages)
	}
}

func TestAnalyzerOverPostgres(t *testing.T) {
	db := skipIfNoPostgres(t)
	events, session := newEventStore(t, db)
	analyzer := analyze.New(events, storepg.NewCorrelationStore(db))
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	batch := []event.Event{
		{SessionID: session, ItemID: 1, Stage: event.StageRetrieval, Level: event.LevelInfo, CreatedAt: now},
		{SessionID: session, ItemID: 1, Stage: event.StageSubmission, Level: event.LevelInfo,
			Payload: map[string]any{"success": true}, CreatedAt: now.Add(time.Second)},
		{SessionID: session, ItemID: 2, Stage: event.StageRetrieval, Level: event.LevelInfo, CreatedAt: now},
		{SessionID: session, Stage: event.StageSession, Level: event.LevelStats, CreatedAt: now.Add(2 * time.Second)},
	}
	if err := events.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	summary, err := analyzer.Summarize(ctx, session)
	if err != nil {
		t.Fatalf("Summarize() error: %v", err)
	}
	if summary.Open {
		t.Error("session with an end event should be closed")
	}
	if summary.TotalItems != 2 {
		t.Errorf("TotalItems = %d, want 2", summary.TotalItems)
	}
	if got := summary.StatusCount[event.StatusIndexed]; got != 1 {
		t.Errorf("StatusCount[indexed] = %d, want 1", got)
	}

	report, err := analyzer.FindMissing(ctx, session, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("FindMissing() error: %v", err)
	}
	if len(report.NeverSeen) != 1 || report.NeverSeen[0] != 3 {
		t.Errorf("NeverSeen = %v, want [3]", report.NeverSeen)
	}
	if len(report.RetrievedNotProcessed) != 1 || report.RetrievedNotProcessed[0] != 2 {
		t.Errorf("RetrievedNotProcessed = %v, want [2]", report.RetrievedNotProcessed)
	}

}
