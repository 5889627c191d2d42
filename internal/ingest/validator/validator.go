// Package validator checks incoming telemetry events before they reach the
// buffer. Only structural problems reject an event (unknown stage or level,
// missing session id, oversized payload); missing stage-specific payload
// fields are tolerated and defaulted downstream.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/indexwatch/indexwatch/internal/event"
	"github.com/indexwatch/indexwatch/internal/ingest"
)

const maxSessionIDLength = 128

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	return strings.Join(parts, "; ")
}

// ValidateEventInput checks one incoming event against structural rules.
// maxPayloadBytes bounds the serialised payload; 0 disables the check.
func ValidateEventInput(in *ingest.EventInput, maxPayloadBytes int) error {
	errs := make(map[string]string)

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		errs["session_id"] = "session_id is required"
	} else if len(sessionID) > maxSessionIDLength {
		errs["session_id"] = fmt.Sprintf("session_id must be at most %d characters", maxSessionIDLength)
	}

	if !event.Stage(in.Stage).Valid() {
		errs["stage"] = fmt.Sprintf("unknown stage %q", in.Stage)
	}
	if in.Level != "" && !event.Level(in.Level).Valid() {
		errs["level"] = fmt.Sprintf("unknown level %q", in.Level)
	}
	if in.ItemID < 0 {
		errs["item_id"] = "item_id must not be negative"
	}

	if maxPayloadBytes > 0 && len(in.Payload) > 0 {
		data, err := json.Marshal(in.Payload)
		if err != nil {
			errs["payload"] = "payload is not serialisable"
		} else if len(data) > maxPayloadBytes {
			errs["payload"] = fmt.Sprintf("payload must be at most %d bytes", maxPayloadBytes)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
