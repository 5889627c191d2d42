package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/store/memory"
)

type failingStore struct {
	*memory.EventStore
	err error
}

func (s *failingStore) WriteBatch(ctx context.Context, events []event.Event) error {
	return s.err
}

func encodeBatch(t *testing.T, batch []event.Event) []byte {
	t.Helper()
	data, err := json.Marshal(batch)
	if err != nil {
		t.Fatalf("encoding batch: %v", err)
	}
	return data
}

func TestHandleBatchPersists(t *testing.T) {
	store := memory.NewEventStore()
	handle := HandleBatch(store, nil)

	batch := []event.Event{
		{
			SessionID: "run-1",
			ItemID:    1,
			Stage:     event.StageRetrieval,
			Level:     event.LevelInfo,
			CreatedAt: time.Now().UTC(),
		},
		{
			SessionID: "run-1",
			ItemID:    1,
			Stage:     event.StageSubmission,
			Level:     event.LevelInfo,
			CreatedAt: time.Now().UTC(),
		},
	}

	if err := handle(context.Background(), []byte("run-1"), encodeBatch(t, batch)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got := store.Len(); got != 2 {
		t.Errorf("store has %d events, want 2", got)
	}
}

func TestHandleBatchSkipsUndecodable(t *testing.T) {
	store := memory.NewEventStore()
	handle := HandleBatch(store, nil)

	// A poison message must be dropped, not redelivered forever.
	if err := handle(context.Background(), []byte("run-1"), []byte("not json")); err != nil {
		t.Errorf("undecodable message should be skipped, got error: %v", err)
	}
	if got := store.Len(); got != 0 {
		t.Errorf("store has %d events, want 0", got)
	}
}

func TestHandleBatchReturnsStoreErrors(t *testing.T) {
	wantErr := errors.New("connection refused")
	store := &failingStore{EventStore: memory.NewEventStore(), err: wantErr}
	handle := HandleBatch(store, nil)

	batch := []event.Event{{SessionID: "run-1", ItemID: 1, Stage: event.StageRetrieval}}

	// Store failures propagate so the message is redelivered.
	if err := handle(context.Background(), []byte("run-1"), encodeBatch(t, batch)); !errors.Is(err, wantErr) {
		t.Errorf("handler error = %v, want %v", err, wantErr)
	}
}

func TestHandleBatchIgnoresEmptyBatch(t *testing.T) {
	store := memory.NewEventStore()
	handle := HandleBatch(store, nil)

	if err := handle(context.Background(), nil, []byte("[]")); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}
