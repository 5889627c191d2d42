package relay

import (
	"context"
	"log/slog"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/store"
	"github.com/indexwatch/indexwatch/pkg/kafka"
	"github.com/indexwatch/indexwatch/pkg/metrics"
)

// Consumer wraps a Kafka consumer that drains telemetry batches into the
// event store.
type Consumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// New creates a relay Consumer backed by the given Kafka consumer.
func New(kafkaConsumer *kafka.Consumer) *Consumer {
	return &Consumer{
		consumer: kafkaConsumer,
		logger:   slog.Default().With("component", "relay-consumer"),
	}
}

// Start begins consuming Kafka messages. It blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("relay consumer starting")
	return c.consumer.Start(ctx)
}

// HandleBatch returns a Kafka MessageHandler that decodes a telemetry batch
// and writes it to the event store. Undecodable messages are logged and
// skipped; store failures are returned so the message is not committed and
// gets redelivered. m may be nil (tests).
func HandleBatch(events store.EventStore, m *metrics.Metrics) kafka.MessageHandler {
	logger := slog.Default().With("component", "relay-consumer")
	return func(ctx context.Context, key []byte, value []byte) error {
		batch, err := kafka.DecodeJSON[[]event.Event](value)
		if err != nil {
			logger.Error("failed to decode telemetry batch",
				"error", err,
				"key", string(key),
			)
			if m != nil {
				m.RelayBatchesTotal.WithLabelValues("undecodable").Inc()
			}
			return nil
		}
		if len(batch) == 0 {
			return nil
		}

		if err := events.WriteBatch(ctx, batch); err != nil {
			if m != nil {
				m.RelayBatchesTotal.WithLabelValues("store_failed").Inc()
			}
			return err
		}

		if m != nil {
			m.RelayBatchesTotal.WithLabelValues("ok").Inc()
		}
		logger.Debug("telemetry batch persisted",
			"session_id", string(key),
			"events", len(batch),
		)
		return nil
	}
}
