package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/config"
)

// recordingSink captures flushed batches and signals each write.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]event.Event
	failErr error
	wrote   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{wrote: make(chan struct{}, 16)}
}

func (s *recordingSink) WriteBatch(ctx context.Context, events []event.Event) error {
	s.mu.Lock()
	batch := make([]event.Event, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	err := s.failErr
	s.mu.Unlock()
	s.wrote <- struct{}{}
	return err
}

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *recordingSink) waitForWrite(t *testing.T) {
	t.Helper()
	select {
	case <-s.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sink write")
	}
}

func testConfig(threshold int) config.IngestConfig {
	return config.IngestConfig{
		Sink:           "postgres",
		FlushThreshold: threshold,
		FlushInterval:  time.Hour, // interval flushes disabled for tests
	}
}

func testEvent(itemID int64) event.Event {
	return event.Event{
		SessionID: "session-1",
		ItemID:    itemID,
		Stage:     event.StageRetrieval,
		Level:     event.LevelInfo,
		CreatedAt: time.Now().UTC(),
	}
}

func TestFlushDrainsQueue(t *testing.T) {
	sink := newRecordingSink()
	buf := New(sink, "memory", testConfig(100), nil)

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		buf.Track(ctx, testEvent(i))
	}
	if got := buf.Len(); got != 3 {
		t.Fatalf("Len() = %d before flush, want 3", got)
	}

	buf.Flush(ctx)

	if got := buf.Len(); got != 0 {
		t.Errorf("Len() = %d after flush, want 0", got)
	}
	if got := sink.eventCount(); got != 3 {
		t.Errorf("sink received %d events, want 3", got)
	}
}

func TestFlushWithEmptyQueueSkipsSink(t *testing.T) {
	sink := newRecordingSink()
	buf := New(sink, "memory", testConfig(100), nil)

	buf.Flush(context.Background())

	if got := sink.batchCount(); got != 0 {
		t.Errorf("sink received %d batches, want 0", got)
	}
}

func TestThresholdTriggersFlush(t *testing.T) {
	sink := newRecordingSink()
	buf := New(sink, "memory", testConfig(2), nil)

	ctx := context.Background()
	buf.Track(ctx, testEvent(1))
	if got := sink.batchCount(); got != 0 {
		t.Fatalf("sink received %d batches below threshold, want 0", got)
	}

	buf.Track(ctx, testEvent(2))
	sink.waitForWrite(t)

	if got := sink.eventCount(); got != 2 {
		t.Errorf("sink received %d events, want 2", got)
	}
	if got := buf.Len(); got != 0 {
		t.Errorf("Len() = %d after threshold flush, want 0", got)
	}
}

func TestFailedFlushDropsBatch(t *testing.T) {
	sink := newRecordingSink()
	sink.failErr = errors.New("store unavailable")
	buf := New(sink, "memory", testConfig(100), nil)

	ctx := context.Background()
	buf.Track(ctx, testEvent(1))
	buf.Track(ctx, testEvent(2))
	buf.Flush(ctx)

	// At-most-once: the failed batch is gone, not re-queued.
	if got := buf.Len(); got != 0 {
		t.Errorf("Len() = %d after failed flush, want 0", got)
	}
	if got := sink.batchCount(); got != 1 {
		t.Errorf("sink received %d batches, want exactly 1 (no retry)", got)
	}

	// A later event flushes on its own; the dropped batch never reappears.
	sink.mu.Lock()
	sink.failErr = nil
	sink.mu.Unlock()
	buf.Track(ctx, testEvent(3))
	buf.Flush(ctx)

	if got := sink.eventCount(); got != 3 {
		t.Errorf("sink received %d events total, want 3", got)
	}
	last := sink.batches[len(sink.batches)-1]
	if len(last) != 1 || last[0].ItemID != 3 {
		t.Errorf("last batch = %+v, want only item 3", last)
	}
}

func TestShutdownFlushesRemainder(t *testing.T) {
	sink := newRecordingSink()
	buf := New(sink, "memory", testConfig(100), nil)

	ctx, cancel := context.WithCancel(context.Background())
	buf.Start(ctx)

	buf.Track(ctx, testEvent(1))
	cancel()
	buf.Close()

	if got := sink.eventCount(); got != 1 {
		t.Errorf("sink received %d events after shutdown, want 1", got)
	}
}
