// Package analyze is the read side of the telemetry platform: it
// reconstructs per-item timelines, aggregates sessions, reports missing
// items, and diffs two runs. Queries are pure functions over the stored
// events; the only mutation is Purge, which enforces retention.
package analyze

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/store"
	apperrors "github.com/indexwatch/indexwatch/pkg/errors"
)

// Analyzer answers operator queries from the event and correlation stores.
type Analyzer struct {
	events       store.EventStore
	correlations store.CorrelationStore
	logger       *slog.Logger
}

// New creates an Analyzer.
func New(events store.EventStore, correlations store.CorrelationStore) *Analyzer {
	return &Analyzer{
		events:       events,
		correlations: correlations,
		logger:       slog.Default().With("component", "analyzer"),
	}
}

// Summarize aggregates one session's events into a SessionSummary. A
// session with no events is reported as not found, never as an empty
// summary. Calling it twice with no new events returns identical results.
func (a *Analyzer) Summarize(ctx context.Context, sessionID string) (*SessionSummary, error) {
	events, err := a.events.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, 404, "session %s has no events", sessionID)
	}

	summary := &SessionSummary{
		SessionID:   sessionID,
		StartTime:   events[0].CreatedAt,
		EndTime:     events[0].CreatedAt,
		Open:        true,
		StatusCount: make(map[event.Status]int),
	}

	byItem := make(map[int64][]event.Event)
	for _, e := range events {
		if e.CreatedAt.Before(summary.StartTime) {
			summary.StartTime = e.CreatedAt
		}
		if e.CreatedAt.After(summary.EndTime) {
			summary.EndTime = e.CreatedAt
		}
		if e.Level == event.LevelError {
			summary.ErrorCount++
		}
		if e.Stage == event.StageSession {
			// Only the explicit summary event closes a session; a crashed
			// run stays open so it is distinguishable from a finished one.
			summary.Open = false
			summary.EndTime = e.CreatedAt
			continue
		}
		if !e.BatchLevel() {
			byItem[e.ItemID] = append(byItem[e.ItemID], e)
		}
	}

	summary.TotalItems = len(byItem)
	for _, itemEvents := range byItem {
		summary.StatusCount[event.FinalStatus(itemEvents)]++
	}
	summary.DurationMs = summary.EndTime.Sub(summary.StartTime).Milliseconds()
	return summary, nil
}

// FindMissing reports which of the expected items a session never saw, and
// where the ones it did see dropped off.
func (a *Analyzer) FindMissing(ctx context.Context, sessionID string, expected []int64) (*MissingReport, error) {
	events, err := a.events.SessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, 404, "session %s has no events", sessionID)
	}

	retrieved := make(map[int64]bool)
	terminal := make(map[int64]bool)
	byItem := make(map[int64][]event.Event)
	for _, e := range events {
		if e.BatchLevel() {
			continue
		}
		byItem[e.ItemID] = append(byItem[e.ItemID], e)
		if e.Stage == event.StageRetrieval {
			retrieved[e.ItemID] = true
		}
		if e.Stage.Terminal() {
			terminal[e.ItemID] = true
		}
	}

	report := &MissingReport{
		SessionID: sessionID,
		NeverSeen: make([]int64, 0),
		ByStage:   make(map[event.Stage][]int64),
	}
	for _, id := range expected {
		if !retrieved[id] {
			report.NeverSeen = append(report.NeverSeen, id)
		}
	}
	for id := range retrieved {
		if terminal[id] {
			continue
		}
		report.RetrievedNotProcessed = append(report.RetrievedNotProcessed, id)
		stage := event.LastStage(byItem[id])
		report.ByStage[stage] = append(report.ByStage[stage], id)
	}

	sortIDs(report.NeverSeen)
	sortIDs(report.RetrievedNotProcessed)
	for _, ids := range report.ByStage {
		sortIDs(ids)
	}
	return report, nil
}

// ItemTimeline returns one item's events within a session as a lazy,
// restartable sequence: the slice is fetched once and each range statement
// replays it from the start.
func (a *Analyzer) ItemTimeline(ctx context.Context, sessionID string, itemID int64) (iter.Seq[event.Event], error) {
	events, err := a.events.ItemEvents(ctx, sessionID, itemID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, apperrors.Newf(apperrors.ErrItemNotFound, 404, "item %d has no events in session %s", itemID, sessionID)
	}
	return func(yield func(event.Event) bool) {
		for _, e := range events {
			if !yield(e) {
				return
			}
		}
	}, nil
}

// Compare diffs the observed item sets and per-stage event counts of two
// sessions. The definition is symmetric: OnlyInA of Compare(a,b) equals
// OnlyInB of Compare(b,a).
func (a *Analyzer) Compare(ctx context.Context, sessionA, sessionB string) (*CompareReport, error) {
	eventsA, err := a.events.SessionEvents(ctx, sessionA)
	if err != nil {
		return nil, err
	}
	if len(eventsA) == 0 {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, 404, "session %s has no events", sessionA)
	}
	eventsB, err := a.events.SessionEvents(ctx, sessionB)
	if err != nil {
		return nil, err
	}
	if len(eventsB) == 0 {
		return nil, apperrors.Newf(apperrors.ErrSessionNotFound, 404, "session %s has no events", sessionB)
	}

	itemsA, stagesA := itemAndStageSets(eventsA)
	itemsB, stagesB := itemAndStageSets(eventsB)

	report := &CompareReport{
		SessionA:    sessionA,
		SessionB:    sessionB,
		OnlyInA:     make([]int64, 0),
		OnlyInB:     make([]int64, 0),
		InBoth:      make([]int64, 0),
		StageDeltas: make(map[event.Stage]StageDelta),
	}
	for id := range itemsA {
		if itemsB[id] {
			report.InBoth = append(report.InBoth, id)
		} else {
			report.OnlyInA = append(report.OnlyInA, id)
		}
	}
	for id := range itemsB {
		if !itemsA[id] {
			report.OnlyInB = append(report.OnlyInB, id)
		}
	}
	sortIDs(report.OnlyInA)
	sortIDs(report.OnlyInB)
	sortIDs(report.InBoth)

	for _, stage := range event.Stages() {
		countA, countB := stagesA[stage], stagesB[stage]
		if countA == 0 && countB == 0 {
			continue
		}
		report.StageDeltas[stage] = StageDelta{
			CountA: countA,
			CountB: countB,
			Delta:  countA - countB,
		}
	}
	return report, nil
}

// Races lists recent correlation records. Zero-valued parameters fall back
// to the caller's configured defaults.
func (a *Analyzer) Races(ctx context.Context, minConcurrent int, window time.Duration, limit int) ([]event.Correlation, error) {
	if minConcurrent < 2 {
		minConcurrent = 2
	}
	since := time.Time{}
	if window > 0 {
		since = time.Now().Add(-window)
	}
	return a.correlations.List(ctx, minConcurrent, since, limit)
}

// SessionIDs lists known session ids, most recent first.
func (a *Analyzer) SessionIDs(ctx context.Context, limit int) ([]string, error) {
	return a.events.SessionIDs(ctx, limit)
}

// Purge removes events and correlations older than the retention period.
func (a *Analyzer) Purge(ctx context.Context, olderThan time.Duration) (eventsPurged, correlationsPurged int64, err error) {
	cutoff := time.Now().Add(-olderThan)
	eventsPurged, err = a.events.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("purging events: %w", err)
	}
	correlationsPurged, err = a.correlations.PurgeBefore(ctx, cutoff)
	if err != nil {
		return eventsPurged, 0, fmt.Errorf("purging correlations: %w", err)
	}
	return eventsPurged, correlationsPurged, nil
}

func itemAndStageSets(events []event.Event) (map[int64]bool, map[event.Stage]int) {
	items := make(map[int64]bool)
	stages := make(map[event.Stage]int)
	for _, e := range events {
		if e.BatchLevel() {
			continue
		}
		items[e.ItemID] = true
		stages[e.Stage]++
	}
	return items, stages
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
