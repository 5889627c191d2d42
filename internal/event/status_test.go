package event

import (
	"testing"
	"time"
)

var statusBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// ev builds a test event n seconds after the base time.
func ev(stage Stage, level Level, payload map[string]any, offsetSec int) Event {
	return Event{
		SessionID: "s1",
		ItemID:    42,
		Stage:     stage,
		Level:     level,
		Payload:   payload,
		CreatedAt: statusBase.Add(time.Duration(offsetSec) * time.Second),
	}
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   Status
	}{
		{
			name:   "no events",
			events: nil,
			want:   StatusUnknown,
		},
		{
			name: "full chain to successful submission",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageFiltering, LevelInfo, map[string]any{"should_index": true}, 1),
				ev(StageGeneration, LevelInfo, nil, 2),
				ev(StageSubmission, LevelInfo, map[string]any{"success": true}, 3),
			},
			want: StatusIndexed,
		},
		{
			name: "filtered out",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageFiltering, LevelInfo, map[string]any{"should_index": false, "reason": "excluded by type"}, 1),
			},
			want: StatusSkipped,
		},
		{
			name: "error at generation",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageGeneration, LevelError, map[string]any{"error": "boom"}, 1),
			},
			want: StatusFailed,
		},
		{
			name: "submission reporting failure",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageSubmission, LevelInfo, map[string]any{"success": false}, 1),
			},
			want: StatusFailed,
		},
		{
			name: "deletion confirms removal",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageDeletion, LevelInfo, nil, 1),
			},
			want: StatusIndexed,
		},
		{
			// An early error must not shadow the later successful
			// submission: the decisive event is the latest in stage
			// order, not insertion order.
			name: "error then successful retry within one attempt",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageGeneration, LevelError, map[string]any{"error": "transient"}, 1),
				ev(StageGeneration, LevelInfo, nil, 2),
				ev(StageSubmission, LevelInfo, map[string]any{"success": true}, 3),
			},
			want: StatusIndexed,
		},
		{
			// A new retrieval restarts the chain; the old successful
			// submission belongs to a finished attempt.
			name: "new retrieval after terminal stage",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageSubmission, LevelInfo, map[string]any{"success": true}, 1),
				ev(StageRetrieval, LevelInfo, nil, 10),
				ev(StageFiltering, LevelInfo, map[string]any{"should_index": false}, 11),
			},
			want: StatusSkipped,
		},
		{
			// A progress-only event at a later stage must not wash out the
			// error: the item stays failed until the next retrieval.
			name: "later info event does not override an error",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageGeneration, LevelError, map[string]any{"error": "boom"}, 1),
				ev(StageSanitization, LevelInfo, nil, 2),
			},
			want: StatusFailed,
		},
		{
			name: "later info event does not override a filtering exclusion",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageFiltering, LevelInfo, map[string]any{"should_index": false}, 1),
				ev(StageGeneration, LevelInfo, nil, 2),
			},
			want: StatusSkipped,
		},
		{
			name: "filtering without verdict is not a skip",
			events: []Event{
				ev(StageRetrieval, LevelInfo, nil, 0),
				ev(StageFiltering, LevelInfo, nil, 1),
			},
			want: StatusUnknown,
		},
		{
			name: "tie on stage rank resolved by timestamp",
			events: []Event{
				ev(StageSubmission, LevelInfo, map[string]any{"success": false}, 0),
				ev(StageSubmission, LevelInfo, map[string]any{"success": true}, 1),
			},
			want: StatusIndexed,
		},
		{
			name: "batch-level events ignored",
			events: []Event{
				{SessionID: "s1", Stage: StageSession, Level: LevelStats, CreatedAt: statusBase},
			},
			want: StatusUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FinalStatus(tt.events)
			if got != tt.want {
				t.Errorf("FinalStatus() = %q, want %q", got, tt.want)
			}
			// Deriving again from the same events must not change the answer.
			if again := FinalStatus(tt.events); again != got {
				t.Errorf("FinalStatus() not idempotent: first %q, second %q", got, again)
			}
		})
	}
}

func TestLastStage(t *testing.T) {
	events := []Event{
		ev(StageRetrieval, LevelInfo, nil, 0),
		ev(StageFiltering, LevelInfo, map[string]any{"should_index": true}, 1),
		ev(StageGeneration, LevelError, nil, 2),
	}
	if got := LastStage(events); got != StageGeneration {
		t.Errorf("LastStage() = %q, want %q", got, StageGeneration)
	}
	if got := LastStage(nil); got != "" {
		t.Errorf("LastStage(nil) = %q, want empty", got)
	}
}

func TestSkipReason(t *testing.T) {
	events := []Event{
		ev(StageRetrieval, LevelInfo, nil, 0),
		ev(StageFiltering, LevelInfo, map[string]any{"should_index": false, "reason": "draft status"}, 1),
	}
	if got := SkipReason(events); got != "draft status" {
		t.Errorf("SkipReason() = %q, want %q", got, "draft status")
	}

	indexed := []Event{
		ev(StageRetrieval, LevelInfo, nil, 0),
		ev(StageFiltering, LevelInfo, map[string]any{"should_index": true}, 1),
	}
	if got := SkipReason(indexed); got != "" {
		t.Errorf("SkipReason() = %q, want empty for indexed item", got)
	}
}

func TestErrorCount(t *testing.T) {
	events := []Event{
		ev(StageRetrieval, LevelInfo, nil, 0),
		ev(StageGeneration, LevelError, nil, 1),
		ev(StageRetrieval, LevelInfo, nil, 10),
		ev(StageGeneration, LevelError, nil, 11),
	}
	// Errors from earlier attempts still count; the status does not.
	if got := ErrorCount(events); got != 2 {
		t.Errorf("ErrorCount() = %d, want 2", got)
	}
}
