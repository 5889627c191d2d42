package retention

import (
	"context"
	"testing"
	"time"

	"github.com/indexwatch/indexwatch/internal/analyze"
	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/store/memory"
)

func TestSweeperPurgesExpiredEvents(t *testing.T) {
	events := memory.NewEventStore()
	correlations := memory.NewCorrelationStore()
	analyzer := analyze.New(events, correlations)

	old := event.Event{
		SessionID: "run-old",
		ItemID:    1,
		Stage:     event.StageRetrieval,
		Level:     event.LevelInfo,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	fresh := event.Event{
		SessionID: "run-new",
		ItemID:    2,
		Stage:     event.StageRetrieval,
		Level:     event.LevelInfo,
		CreatedAt: time.Now(),
	}
	if err := events.WriteBatch(context.Background(), []event.Event{old, fresh}); err != nil {
		t.Fatalf("WriteBatch() error: %v", err)
	}

	sweeper := NewSweeper(analyzer, nil, 30*time.Minute, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for events.Len() > 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-sweeper.Done()

	if got := events.Len(); got != 1 {
		t.Fatalf("store has %d events after sweep, want 1", got)
	}
	remaining, err := events.SessionEvents(context.Background(), "run-new")
	if err != nil {
		t.Fatalf("SessionEvents() error: %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("fresh session should survive, got %d events", len(remaining))
	}
}
