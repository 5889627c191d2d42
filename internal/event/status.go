package event

import "sort"

// Status is the derived disposition of one item within one session.
type Status string

const (
	StatusIndexed Status = "indexed"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// FinalStatus derives an item's status from its events under the
// last-stage-wins rule: the status comes from the event latest in pipeline
// stage order within the item's most recent attempt, not from log insertion
// order, since retries can append error events before an eventual success.
//
// A new retrieval event restarts the chain: everything before it belongs to
// an earlier attempt and no longer influences the status. That is the only
// way an item leaves a terminal state.
func FinalStatus(events []Event) Status {
	attempt := latestAttempt(events)
	decisive := decisiveEvent(attempt)
	if decisive == nil {
		return StatusUnknown
	}

	if decisive.Level == LevelError {
		return StatusFailed
	}
	switch decisive.Stage {
	case StageFiltering:
		return StatusSkipped
	case StageSubmission:
		if success, ok := decisive.PayloadBool("success"); ok && !success {
			return StatusFailed
		}
		return StatusIndexed
	case StageDeletion:
		return StatusIndexed
	}
	return StatusUnknown
}

// LastStage returns the furthest pipeline stage reached in the item's most
// recent attempt, or "" when the item has no per-item events.
func LastStage(events []Event) Stage {
	attempt := latestAttempt(events)
	var furthest *Event
	for i := range attempt {
		e := &attempt[i]
		if furthest == nil || e.Stage.Rank() >= furthest.Stage.Rank() {
			furthest = e
		}
	}
	if furthest == nil {
		return ""
	}
	return furthest.Stage
}

// SkipReason returns the reason attached to the filtering event that
// excluded the item, or "" when the item was not skipped.
func SkipReason(events []Event) string {
	attempt := latestAttempt(events)
	for i := len(attempt) - 1; i >= 0; i-- {
		e := attempt[i]
		if e.Stage != StageFiltering {
			continue
		}
		if should, ok := e.PayloadBool("should_index"); ok && !should {
			return e.PayloadString("reason")
		}
	}
	return ""
}

// ErrorCount counts error-level events across all attempts.
func ErrorCount(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Level == LevelError {
			n++
		}
	}
	return n
}

// latestAttempt slices events down to the most recent retrieval-started
// chain, in chronological order. Events before the first retrieval (or all
// events, when no retrieval was ever observed) form a single attempt.
func latestAttempt(events []Event) []Event {
	chrono := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Stage.Rank() > 0 {
			chrono = append(chrono, e)
		}
	}
	sort.SliceStable(chrono, func(i, j int) bool {
		return chrono[i].CreatedAt.Before(chrono[j].CreatedAt)
	})

	start := 0
	for i, e := range chrono {
		if e.Stage == StageRetrieval {
			start = i
		}
	}
	return chrono[start:]
}

// decisiveEvent picks the verdict-bearing event latest in stage order,
// breaking rank ties by timestamp. Progress-only events never qualify: a
// later-stage info event must not override an earlier error or filtering
// exclusion, since an item resolved terminal stays terminal until a new
// retrieval opens the next attempt. Input must be chronological.
func decisiveEvent(attempt []Event) *Event {
	var decisive *Event
	for i := range attempt {
		e := &attempt[i]
		if !carriesVerdict(e) {
			continue
		}
		if decisive == nil || e.Stage.Rank() >= decisive.Stage.Rank() {
			decisive = e
		}
	}
	return decisive
}

// carriesVerdict reports whether an event states a disposition: an error
// outcome, a filtering exclusion, or reaching a terminal stage.
func carriesVerdict(e *Event) bool {
	if e.Level == LevelError {
		return true
	}
	switch e.Stage {
	case StageFiltering:
		should, ok := e.PayloadBool("should_index")
		return ok && !should
	case StageSubmission, StageDeletion:
		return true
	}
	return false
}
