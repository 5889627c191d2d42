// Package buffer provides the in-memory event queue that sits between the
// track path and the durable sink. Events accumulate until a size threshold
// or interval triggers a batch flush.
//
// Delivery is at-most-once: a failed flush drops its batch and reports the
// loss through the fallback log channel and metrics. This is a debug
// telemetry facility, not a transactional log. It must never make the
// observed pipeline wait on, or fail because of, its storage.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/metrics"
	"github.com/indexwatch/indexwatch/pkg/resilience"
)

// Sink receives flushed batches. Implementations: the Postgres event store,
// the Kafka relay producer, and the in-memory store for tests.
type Sink interface {
	WriteBatch(ctx context.Context, events []event.Event) error
}

// Buffer accumulates events and flushes them to a Sink in batches.
type Buffer struct {
	sink     Sink
	sinkName string

	mu            sync.Mutex
	queue         []event.Event
	threshold     int
	flushInterval time.Duration

	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	done    chan struct{}
}

// New creates a Buffer for the given sink. sinkName labels metrics and
// logs ("postgres", "kafka", "memory"). m may be nil (tests).
func New(sink Sink, sinkName string, cfg config.IngestConfig, m *metrics.Metrics) *Buffer {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	threshold := cfg.EffectiveFlushThreshold()
	return &Buffer{
		sink:          sink,
		sinkName:      sinkName,
		queue:         make([]event.Event, 0, threshold),
		threshold:     threshold,
		flushInterval: interval,
		breaker:       resilience.NewCircuitBreaker("sink-"+sinkName, resilience.CircuitBreakerConfig{}),
		metrics:       m,
		logger:        slog.Default().With("component", "event-buffer", "sink", sinkName),
		done:          make(chan struct{}),
	}
}

// Start launches the background interval-flush loop. It returns
// immediately; the loop runs until ctx is cancelled, then performs a final
// flush with a short deadline.
func (b *Buffer) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				b.Flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				b.Flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	b.logger.Info("event buffer started",
		"flush_threshold", b.threshold,
		"flush_interval", b.flushInterval,
	)
}

// Track appends one event to the queue. Reaching the threshold triggers an
// asynchronous flush so the caller is blocked only for the append.
func (b *Buffer) Track(ctx context.Context, e event.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, e)
	shouldFlush := len(b.queue) >= b.threshold
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsTrackedTotal.WithLabelValues(string(e.Stage), string(e.Level)).Inc()
	}
	if shouldFlush {
		go b.Flush(context.WithoutCancel(ctx))
	}
}

// Flush atomically drains the queue and writes the batch to the sink. On
// failure the batch is NOT restored; the loss is logged and counted.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = make([]event.Event, 0, b.threshold)
	b.mu.Unlock()

	start := time.Now()
	err := b.breaker.Execute(func() error {
		return b.sink.WriteBatch(ctx, batch)
	})
	if b.metrics != nil {
		b.metrics.FlushBatchSize.Observe(float64(len(batch)))
		b.metrics.StoreWriteDuration.WithLabelValues(b.sinkName).Observe(time.Since(start).Seconds())
		b.metrics.SinkBreakerState.Set(float64(b.breaker.GetState()))
	}
	if err != nil {
		outcome := "failed"
		if resilience.IsCircuitOpen(err) {
			outcome = "breaker_open"
		}
		b.logger.Error("flush failed, batch dropped",
			"batch_size", len(batch),
			"outcome", outcome,
			"error", err,
		)
		if b.metrics != nil {
			b.metrics.BatchFlushesTotal.WithLabelValues(outcome).Inc()
			b.metrics.EventsDroppedTotal.WithLabelValues(outcome).Add(float64(len(batch)))
		}
		return
	}

	if b.metrics != nil {
		b.metrics.BatchFlushesTotal.WithLabelValues("ok").Inc()
	}
	b.logger.Debug("batch flushed", "events", len(batch))
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close waits for the background flush loop to exit. Call after cancelling
// the context passed to Start.
func (b *Buffer) Close() {
	<-b.done
}
