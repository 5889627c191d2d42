// Package event defines the telemetry domain model: pipeline stages,
// severity levels, the Event record itself, and cross-session correlation
// records emitted by the race detector.
package event

import "time"

// Stage is a named step of the external indexing pipeline. Stages are
// semantically ordered (retrieval first, submission/deletion terminal) but
// the store never enforces that ordering.
type Stage string

const (
	StageRetrieval    Stage = "retrieval"
	StageFiltering    Stage = "filtering"
	StageGeneration   Stage = "generation"
	StageSanitization Stage = "sanitization"
	StageSubmission   Stage = "submission"
	StageDeletion     Stage = "deletion"

	// StageSession marks batch-level events that belong to the run as a
	// whole rather than to one item (item_id = 0), such as the closing
	// summary event.
	StageSession Stage = "session"
)

// stageRanks orders the per-item pipeline stages. StageSession is not part
// of the per-item chain and ranks below everything.
var stageRanks = map[Stage]int{
	StageRetrieval:    1,
	StageFiltering:    2,
	StageGeneration:   3,
	StageSanitization: 4,
	StageSubmission:   5,
	StageDeletion:     6,
}

// Rank returns the stage's position in pipeline order, or 0 for stages
// outside the per-item chain.
func (s Stage) Rank() int {
	return stageRanks[s]
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s == StageSession || stageRanks[s] > 0
}

// Terminal reports whether s ends an item's trip through the pipeline.
func (s Stage) Terminal() bool {
	return s == StageSubmission || s == StageDeletion
}

// Stages lists the per-item stages in pipeline order.
func Stages() []Stage {
	return []Stage{
		StageRetrieval,
		StageFiltering,
		StageGeneration,
		StageSanitization,
		StageSubmission,
		StageDeletion,
	}
}

// Level is the severity of a telemetry event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelStats   Level = "stats"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelDebug, LevelWarning, LevelError, LevelStats:
		return true
	}
	return false
}

// Event is one observation of an item passing through one pipeline stage.
//
// (session_id, item_id, stage) is deliberately not unique: a retried
// submission appends a second submission event. Every consumer aggregates
// over possibly-multiple events per key.
type Event struct {
	SessionID string         `json:"session_id"`
	ItemID    int64          `json:"item_id"`
	ItemType  string         `json:"item_type,omitempty"`
	Stage     Stage          `json:"stage"`
	Level     Level          `json:"level"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// BatchLevel reports whether the event describes the run as a whole rather
// than a single item.
func (e Event) BatchLevel() bool {
	return e.ItemID == 0
}

// PayloadBool reads a boolean payload field, tolerating the JSON round-trip.
// Missing or mistyped fields report ok=false; callers default rather than
// fail (malformed payloads are never fatal).
func (e Event) PayloadBool(key string) (bool, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PayloadString reads a string payload field, returning "" when absent.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt reads a numeric payload field. JSON decoding produces float64,
// so both are accepted.
func (e Event) PayloadInt(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Correlation is heuristic evidence that two or more sessions touched the
// same item within a short time window. It is built from timestamp
// proximity, not from locks or transaction IDs, and so proves nothing; it
// points an operator at where to look.
type Correlation struct {
	ItemID      int64     `json:"item_id"`
	SessionIDs  []string  `json:"session_ids"`
	Stages      []string  `json:"stages"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Occurrences int       `json:"occurrences"`
}
