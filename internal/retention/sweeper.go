// Package retention enforces the event TTL by periodically deleting
// events and race correlations older than the configured retention
// period.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/indexwatch/indexwatch/internal/analyze"
	"github.com/indexwatch/indexwatch/pkg/logger"
	"github.com/indexwatch/indexwatch/pkg/metrics"
	"github.com/indexwatch/indexwatch/pkg/resilience"
)

// sweepTimeout bounds one purge pass so a wedged database connection does
// not stall the loop past its next tick.
const sweepTimeout = 5 * time.Minute

// Sweeper runs the retention purge on a fixed interval. Rows are only
// ever deleted by age; a failed sweep is logged and retried on the next
// tick.
type Sweeper struct {
	analyzer *analyze.Analyzer
	cache    *analyze.SummaryCache
	ttl      time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	done     chan struct{}
}

// NewSweeper creates a Sweeper. cache may be nil when summary caching
// is disabled.
func NewSweeper(analyzer *analyze.Analyzer, cache *analyze.SummaryCache, ttl, interval time.Duration, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		analyzer: analyzer,
		cache:    cache,
		ttl:      ttl,
		interval: interval,
		metrics:  m,
		logger:   logger.WithComponent("retention"),
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("retention sweeper started",
		"ttl", s.ttl.String(),
		"interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Done is closed once the sweep loop has exited.
func (s *Sweeper) Done() <-chan struct{} {
	return s.done
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()

	var events, correlations int64
	err := resilience.WithTimeout(ctx, sweepTimeout, "retention-sweep", func(ctx context.Context) error {
		var purgeErr error
		events, correlations, purgeErr = s.analyzer.Purge(ctx, s.ttl)
		return purgeErr
	})
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}

	if s.metrics != nil && events > 0 {
		s.metrics.EventsPurgedTotal.Add(float64(events))
	}

	if events == 0 && correlations == 0 {
		return
	}

	// Cached summaries may now describe sessions whose early events are
	// gone; drop them so reads rebuild from what remains.
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}

	s.logger.Info("retention sweep completed",
		"events_purged", events,
		"correlations_purged", correlations,
		"duration", time.Since(start).String())
}
