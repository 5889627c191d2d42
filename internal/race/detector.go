package race

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/store"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/metrics"
	"github.com/indexwatch/indexwatch/pkg/resilience"
)

// Detector checks every tracked event against the recent-item index and
// emits a correlation record when a different session touched the same item
// within the window. It runs synchronously on the track path; the latency
// cost buys immediate visibility instead of a deferred batch scan.
//
// Detection never aborts ingestion: index or store failures are logged and
// swallowed, and a tripped circuit breaker skips checks entirely until the
// index recovers.
type Detector struct {
	index        Index
	correlations store.CorrelationStore
	window       time.Duration
	breaker      *resilience.CircuitBreaker
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// NewDetector creates a Detector. metrics may be nil (tests).
func NewDetector(index Index, correlations store.CorrelationStore, cfg config.RaceConfig, m *metrics.Metrics) *Detector {
	window := cfg.Window
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Detector{
		index:        index,
		correlations: correlations,
		window:       window,
		breaker:      resilience.NewCircuitBreaker("race-index", resilience.CircuitBreakerConfig{}),
		metrics:      m,
		logger:       slog.Default().With("component", "race-detector"),
	}
}

// Window returns the configured trailing window.
func (d *Detector) Window() time.Duration {
	return d.window
}

// Observe checks one event for cross-session proximity. It returns the
// emitted correlation, or nil when the event raced nothing. Batch-level
// events are never candidates.
func (d *Detector) Observe(ctx context.Context, e event.Event) *event.Correlation {
	if e.BatchLevel() || e.Stage == event.StageSession {
		return nil
	}
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.RaceCheckDuration.Observe(time.Since(start).Seconds())
		}
	}()

	var recent []Entry
	err := d.breaker.Execute(func() error {
		var err error
		recent, err = d.index.Observe(ctx, e.ItemID, e.SessionID, e.Stage, e.CreatedAt)
		return err
	})
	if err != nil {
		d.logger.Warn("race check skipped", "item_id", e.ItemID, "error", err)
		return nil
	}

	correlation := d.correlate(e, recent)
	if correlation == nil {
		return nil
	}

	if err := d.correlations.Upsert(ctx, *correlation); err != nil {
		d.logger.Error("failed to record correlation", "item_id", e.ItemID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.RacesDetectedTotal.Inc()
	}
	d.logger.Warn("concurrent sessions detected on item",
		"item_id", e.ItemID,
		"sessions", correlation.SessionIDs,
		"stages", correlation.Stages,
	)
	return correlation
}

// correlate builds one correlation from the foreign entries within the
// window, or nil when every recent entry belongs to the current session
// (a same-session retry is not a race).
func (d *Detector) correlate(e event.Event, recent []Entry) *event.Correlation {
	cutoff := e.CreatedAt.Add(-d.window)

	sessions := []string{e.SessionID}
	stages := []string{string(e.Stage)}
	firstSeen := e.CreatedAt
	foreign := false

	for _, entry := range recent {
		if entry.At.Before(cutoff) || entry.SessionID == e.SessionID {
			continue
		}
		foreign = true
		if !slices.Contains(sessions, entry.SessionID) {
			sessions = append(sessions, entry.SessionID)
		}
		if !slices.Contains(stages, string(entry.Stage)) {
			stages = append(stages, string(entry.Stage))
		}
		if entry.At.Before(firstSeen) {
			firstSeen = entry.At
		}
	}
	if !foreign {
		return nil
	}

	slices.Sort(sessions)
	slices.Sort(stages)
	return &event.Correlation{
		ItemID:     e.ItemID,
		SessionIDs: sessions,
		Stages:     stages,
		FirstSeen:  firstSeen,
		LastSeen:   e.CreatedAt,
	}
}
