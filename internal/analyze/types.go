package analyze

import (
	"time"

	"github.com/indexwatch/indexwatch/internal/event"
)

// SessionSummary is the aggregate view of one indexing run.
type SessionSummary struct {
	SessionID   string               `json:"session_id"`
	StartTime   time.Time            `json:"start_time"`
	EndTime     time.Time            `json:"end_time"`
	DurationMs  int64                `json:"duration_ms"`
	Open        bool                 `json:"open"`
	TotalItems  int                  `json:"total_items"`
	StatusCount map[event.Status]int `json:"status_counts"`
	ErrorCount  int                  `json:"error_count"`
}

// MissingReport explains which expected items never made it through the
// pipeline and where the observed ones dropped off.
type MissingReport struct {
	SessionID string `json:"session_id"`

	// NeverSeen are expected items with no retrieval event at all.
	NeverSeen []int64 `json:"never_seen"`

	// RetrievedNotProcessed are retrieved items that never reached a
	// terminal stage (submission or deletion).
	RetrievedNotProcessed []int64 `json:"retrieved_not_processed"`

	// ByStage groups dropped items by the last stage observed before the
	// drop-off.
	ByStage map[event.Stage][]int64 `json:"by_stage"`
}

// StageDelta is the per-stage event-count difference between two sessions.
type StageDelta struct {
	CountA int `json:"count_a"`
	CountB int `json:"count_b"`
	Delta  int `json:"delta"`
}

// CompareReport is the item-set and stage-count diff of two sessions.
type CompareReport struct {
	SessionA    string                     `json:"session_a"`
	SessionB    string                     `json:"session_b"`
	OnlyInA     []int64                    `json:"only_in_a"`
	OnlyInB     []int64                    `json:"only_in_b"`
	InBoth      []int64                    `json:"in_both"`
	StageDeltas map[event.Stage]StageDelta `json:"stage_deltas"`
}
