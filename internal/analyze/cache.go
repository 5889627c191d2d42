package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/indexwatch/indexwatch/pkg/metrics"
	pkgredis "github.com/indexwatch/indexwatch/pkg/redis"
)

const summaryKeyPrefix = "summary:"

// SummaryCache keeps recent session summaries in Redis so dashboards
// polling the same session do not re-scan its events. Concurrent misses for
// one session collapse into a single store scan via singleflight.
type SummaryCache struct {
	client  *pkgredis.Client
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSummaryCache creates a SummaryCache. client may be nil, which turns
// the cache into a singleflight-only pass-through; m may be nil (tests).
func NewSummaryCache(client *pkgredis.Client, ttl time.Duration, m *metrics.Metrics) *SummaryCache {
	return &SummaryCache{
		client:  client,
		ttl:     ttl,
		metrics: m,
		logger:  slog.Default().With("component", "summary-cache"),
	}
}

// GetOrCompute returns the cached summary for the session or computes and
// caches it. Cache failures degrade to computing; they never surface.
func (c *SummaryCache) GetOrCompute(ctx context.Context, sessionID string, compute func() (*SessionSummary, error)) (*SessionSummary, error) {
	if summary, ok := c.get(ctx, sessionID); ok {
		return summary, nil
	}

	val, err, _ := c.group.Do(sessionID, func() (interface{}, error) {
		if summary, ok := c.get(ctx, sessionID); ok {
			return summary, nil
		}
		summary, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, sessionID, summary)
		return summary, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*SessionSummary), nil
}

// Invalidate drops every cached summary. Called after a retention sweep.
func (c *SummaryCache) Invalidate(ctx context.Context) {
	if c.client == nil {
		return
	}
	deleted, err := c.client.FlushByPattern(ctx, summaryKeyPrefix+"*")
	if err != nil {
		c.logger.Error("cache invalidate failed", "error", err)
		return
	}
	c.logger.Info("summary cache invalidated", "keys_deleted", deleted)
}

func (c *SummaryCache) get(ctx context.Context, sessionID string) (*SessionSummary, bool) {
	if c.client == nil {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(sessionID))
	if err != nil {
		if !pkgredis.IsNilError(err) {
			c.logger.Error("cache get failed", "session_id", sessionID, "error", err)
		}
		if c.metrics != nil {
			c.metrics.SummaryCacheMisses.Inc()
		}
		return nil, false
	}
	var summary SessionSummary
	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		c.logger.Error("cache unmarshal failed", "session_id", sessionID, "error", err)
		if c.metrics != nil {
			c.metrics.SummaryCacheMisses.Inc()
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.SummaryCacheHits.Inc()
	}
	return &summary, true
}

func (c *SummaryCache) set(ctx context.Context, sessionID string, summary *SessionSummary) {
	if c.client == nil || summary == nil {
		return
	}
	// Open sessions keep receiving events; caching them for the full TTL
	// would serve stale counts. They still get singleflight protection.
	if summary.Open {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		c.logger.Error("cache marshal failed", "session_id", sessionID, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(sessionID), data, c.ttl); err != nil {
		c.logger.Error("cache set failed", "session_id", sessionID, "error", err)
	}
}

func (c *SummaryCache) key(sessionID string) string {
	return fmt.Sprintf("%s%s", summaryKeyPrefix, sessionID)
}
