// Package race implements heuristic cross-session race detection: when two
// indexing sessions touch the same item within a trailing time window, a
// correlation record is emitted. Timestamp proximity is the only available
// signal, since the instrumented pipeline exposes no locks or transaction
// ids, so every correlation is a lead, not a proof.
package race

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/pkg/redis"
)

// Entry is one recent observation of an item by some session.
type Entry struct {
	SessionID string
	Stage     event.Stage
	At        time.Time
}

// Index is the detector's recent-item lookup structure. Observe returns the
// entries recorded for the item within the trailing window and then records
// the current observation as a candidate for future lookups.
type Index interface {
	Observe(ctx context.Context, itemID int64, sessionID string, stage event.Stage, at time.Time) ([]Entry, error)
}

// MemoryIndex keeps recent observations in a mutex-guarded map. It serves
// tests and single-process deployments; entries older than the window are
// pruned on access.
type MemoryIndex struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[int64][]Entry
}

// NewMemoryIndex creates a MemoryIndex with the given trailing window.
func NewMemoryIndex(window time.Duration) *MemoryIndex {
	return &MemoryIndex{
		window:  window,
		entries: make(map[int64][]Entry),
	}
}

// Observe implements Index.
func (idx *MemoryIndex) Observe(ctx context.Context, itemID int64, sessionID string, stage event.Stage, at time.Time) ([]Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := at.Add(-idx.window)
	kept := idx.entries[itemID][:0]
	for _, e := range idx.entries[itemID] {
		if e.At.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}

	recent := make([]Entry, len(kept))
	copy(recent, kept)

	idx.entries[itemID] = append(kept, Entry{SessionID: sessionID, Stage: stage, At: at})
	return recent, nil
}

// RedisIndex keeps one sorted set per item in Redis, member
// "session|stage" scored by observation time in unix milliseconds. The key
// TTL tracks the window so idle items expire on their own; shared Redis
// lets detectors on separate hosts see each other's sessions.
type RedisIndex struct {
	client *redis.Client
	window time.Duration
}

// NewRedisIndex creates a RedisIndex with the given trailing window.
func NewRedisIndex(client *redis.Client, window time.Duration) *RedisIndex {
	return &RedisIndex{client: client, window: window}
}

// Observe implements Index.
func (idx *RedisIndex) Observe(ctx context.Context, itemID int64, sessionID string, stage event.Stage, at time.Time) ([]Entry, error) {
	key := fmt.Sprintf("race:item:%d", itemID)
	min := float64(at.Add(-idx.window).UnixMilli())
	max := float64(at.Add(idx.window).UnixMilli())

	// Drop entries that have aged out of the window before reading.
	if err := idx.client.ZRemRangeByScore(ctx, key, 0, min-1); err != nil {
		return nil, err
	}
	zs, err := idx.client.ZRangeByScore(ctx, key, min, max)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		session, stg, ok := splitMember(z.Member)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			SessionID: session,
			Stage:     event.Stage(stg),
			At:        time.UnixMilli(int64(z.Score)),
		})
	}

	// TTL slightly beyond the window so a reader at the edge still sees us.
	ttl := idx.window + time.Second
	if err := idx.client.ZAdd(ctx, key, redis.ZEntry{
		Member: joinMember(sessionID, stage),
		Score:  float64(at.UnixMilli()),
	}, ttl); err != nil {
		return nil, err
	}
	return entries, nil
}

func joinMember(sessionID string, stage event.Stage) string {
	return sessionID + "|" + string(stage)
}

func splitMember(member string) (session, stage string, ok bool) {
	i := strings.LastIndexByte(member, '|')
	if i <= 0 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}
