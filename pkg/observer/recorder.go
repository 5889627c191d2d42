package observer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/ingest/buffer"
	"github.com/indexwatch/indexwatch/internal/race"
	"github.com/indexwatch/indexwatch/internal/relay"
	storepg "github.com/indexwatch/indexwatch/internal/store/postgres"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/kafka"
	"github.com/indexwatch/indexwatch/pkg/postgres"
	"github.com/indexwatch/indexwatch/pkg/redis"
)

// Recorder is the Observer implementation for one indexing run. The session
// id is generated at construction and immutable for the run's lifetime;
// there is no shared global state, so two concurrent runs in one process
// record independently.
type Recorder struct {
	sessionID string
	buffer    *buffer.Buffer
	detector  *race.Detector
	now       func() time.Time
	logger    *slog.Logger

	// Set only by New, which owns the stack it wired.
	stop    context.CancelFunc
	closers []func() error
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithSessionID pins the session id instead of generating one. Pipelines
// that already assigned a run id use this.
func WithSessionID(id string) Option {
	return func(r *Recorder) { r.sessionID = id }
}

// New wires a Recorder and its full backing stack from configuration: the
// event store (with migrations), the race index (Redis when configured,
// falling back to in-process), and the flush loop on the configured sink.
// The host pipeline owns nothing but the Recorder; Close releases it all.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Recorder, error) {
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres: %w", err)
	}
	eventStore := storepg.NewEventStore(db)
	if err := eventStore.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	correlationStore := storepg.NewCorrelationStore(db)
	closers := []func() error{db.Close}

	var index race.Index
	if cfg.Race.Index == "redis" {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, race index degraded to in-process", "error", err)
			index = race.NewMemoryIndex(cfg.Race.Window)
		} else {
			closers = append(closers, redisClient.Close)
			index = race.NewRedisIndex(redisClient, cfg.Race.Window)
		}
	} else {
		index = race.NewMemoryIndex(cfg.Race.Window)
	}
	detector := race.NewDetector(index, correlationStore, cfg.Race, nil)

	var sink buffer.Sink = eventStore
	sinkName := "postgres"
	if cfg.Ingest.Sink == "kafka" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.TelemetryEvents)
		closers = append(closers, producer.Close)
		sink = relay.NewKafkaSink(producer)
		sinkName = "kafka"
	}

	buf := buffer.New(sink, sinkName, cfg.Ingest, nil)
	flushCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	buf.Start(flushCtx)

	r := NewRecorder(buf, detector, opts...)
	r.stop = stop
	r.closers = closers
	return r, nil
}

// NewRecorder creates a Recorder on an existing buffer and detector, for
// callers that wire the stack themselves. detector may be nil, which
// disables race checks. The caller keeps ownership of the collaborators.
func NewRecorder(buf *buffer.Buffer, detector *race.Detector, opts ...Option) *Recorder {
	r := &Recorder{
		sessionID: uuid.NewString(),
		buffer:    buf,
		detector:  detector,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = slog.Default().With("component", "session-recorder", "session_id", r.sessionID)
	return r
}

// SessionID returns the id assigned to this run.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

// Close stops the flush loop, drains remaining events, and releases the
// connections opened by New. On Recorders built with NewRecorder it is a
// no-op; the collaborators' owner shuts them down.
func (r *Recorder) Close() error {
	if r.stop == nil {
		return nil
	}
	r.stop()
	r.buffer.Close()

	var firstErr error
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ItemRetrieved implements Observer.
func (r *Recorder) ItemRetrieved(ctx context.Context, itemID int64, data map[string]any) {
	itemType, _ := data["item_type"].(string)
	r.track(ctx, event.Event{
		ItemID:   itemID,
		ItemType: itemType,
		Stage:    event.StageRetrieval,
		Level:    event.LevelInfo,
		Payload:  data,
	})
}

// ItemFiltered implements Observer.
func (r *Recorder) ItemFiltered(ctx context.Context, itemID int64, shouldIndex bool, reason string) {
	payload := map[string]any{"should_index": shouldIndex}
	if reason != "" {
		payload["reason"] = reason
	}
	r.track(ctx, event.Event{
		ItemID:  itemID,
		Stage:   event.StageFiltering,
		Level:   event.LevelInfo,
		Payload: payload,
	})
}

// RecordsGenerated implements Observer.
func (r *Recorder) RecordsGenerated(ctx context.Context, itemID int64, recordCount int, genErr error) {
	level := event.LevelInfo
	payload := map[string]any{"records_count": recordCount}
	if genErr != nil {
		level = event.LevelError
		payload["error"] = genErr.Error()
	}
	r.track(ctx, event.Event{
		ItemID:  itemID,
		Stage:   event.StageGeneration,
		Level:   level,
		Payload: payload,
	})
}

// RecordsSanitized implements Observer. The pass itself is batch-level; each
// dropped item additionally gets its own warning event so missing-item
// reports can place the drop at the sanitization stage.
func (r *Recorder) RecordsSanitized(ctx context.Context, initialCount, finalCount int, droppedIDs []int64) {
	r.track(ctx, event.Event{
		Stage: event.StageSanitization,
		Level: event.LevelInfo,
		Payload: map[string]any{
			"initial_count": initialCount,
			"final_count":   finalCount,
			"dropped_count": len(droppedIDs),
		},
	})
	for _, id := range droppedIDs {
		r.track(ctx, event.Event{
			ItemID:  id,
			Stage:   event.StageSanitization,
			Level:   event.LevelWarning,
			Payload: map[string]any{"dropped": true},
		})
	}
}

// RecordsSubmitted implements Observer.
func (r *Recorder) RecordsSubmitted(ctx context.Context, recordCount int, success bool, taskID string, submitErr error) {
	level := event.LevelInfo
	payload := map[string]any{
		"records_count": recordCount,
		"success":       success,
	}
	if taskID != "" {
		payload["task_id"] = taskID
	}
	if submitErr != nil {
		level = event.LevelError
		payload["error"] = submitErr.Error()
	}
	r.track(ctx, event.Event{
		Stage:   event.StageSubmission,
		Level:   level,
		Payload: payload,
	})
}

// SessionEnd implements Observer.
func (r *Recorder) SessionEnd(ctx context.Context, duration time.Duration, memoryPeakBytes int64) {
	r.track(ctx, event.Event{
		Stage: event.StageSession,
		Level: event.LevelStats,
		Payload: map[string]any{
			"duration_ms":       duration.Milliseconds(),
			"memory_peak_bytes": memoryPeakBytes,
		},
	})
	r.buffer.Flush(ctx)
	r.logger.Info("session closed", "duration", duration)
}

// Track records a custom instrumentation point that the typed callbacks do
// not cover. An empty level defaults to info; the stage must be one of the
// pipeline stages or the event will be dropped at aggregation time.
func (r *Recorder) Track(ctx context.Context, itemID int64, stage, level string, payload map[string]any) {
	lv := event.Level(level)
	if level == "" {
		lv = event.LevelInfo
	}
	r.track(ctx, event.Event{
		ItemID:  itemID,
		Stage:   event.Stage(stage),
		Level:   lv,
		Payload: payload,
	})
}

func (r *Recorder) track(ctx context.Context, e event.Event) {
	e.SessionID = r.sessionID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if r.detector != nil {
		r.detector.Observe(ctx, e)
	}
	r.buffer.Track(ctx, e)
}
