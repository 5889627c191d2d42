// Package relay carries telemetry batches over Kafka for deployments where
// the ingest tier must not talk to PostgreSQL directly: the buffer flushes
// to a topic and the relay consumer persists batches on the other side.
package relay

import (
	"context"
	"log/slog"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/kafka"
)

// KafkaSink publishes flushed batches to the telemetry topic. One batch
// becomes one message, keyed by the first event's session id so a session's
// batches land on one partition and keep their relative order.
type KafkaSink struct {
	producer *kafka.Producer
	logger   *slog.Logger
}

// NewKafkaSink creates a KafkaSink on an existing producer.
func NewKafkaSink(producer *kafka.Producer) *KafkaSink {
	return &KafkaSink{
		producer: producer,
		logger:   slog.Default().With("component", "kafka-sink"),
	}
}

// WriteBatch implements buffer.Sink.
func (s *KafkaSink) WriteBatch(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.producer.Publish(ctx, kafka.Event{
		Key:   events[0].SessionID,
		Value: events,
	})
}
