package analyze

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/indexwatch/indexwatch/internal/event"
	apperrors "github.com/indexwatch/indexwatch/pkg/errors"
)

// csvHeader is the flat-file layout consumed by spreadsheet triage.
var csvHeader = []string{"item_id", "type", "final_status", "skip_reason", "error_count", "last_stage"}

// ExportCSV writes one row per item of the session to w, ordered by item
// id. Batch-level events contribute nothing.
func (a *Analyzer) ExportCSV(ctx context.Context, sessionID string, w io.Writer) error {
	events, err := a.events.SessionEvents(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return apperrors.Newf(apperrors.ErrSessionNotFound, 404, "session %s has no events", sessionID)
	}

	byItem := make(map[int64][]event.Event)
	for _, e := range events {
		if e.BatchLevel() {
			continue
		}
		byItem[e.ItemID] = append(byItem[e.ItemID], e)
	}
	ids := make([]int64, 0, len(byItem))
	for id := range byItem {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, id := range ids {
		itemEvents := byItem[id]
		row := []string{
			strconv.FormatInt(id, 10),
			itemType(itemEvents),
			string(event.FinalStatus(itemEvents)),
			event.SkipReason(itemEvents),
			strconv.Itoa(event.ErrorCount(itemEvents)),
			string(event.LastStage(itemEvents)),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row for item %d: %w", id, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// itemType returns the first non-empty item type observed for the item.
func itemType(events []event.Event) string {
	for _, e := range events {
		if e.ItemType != "" {
			return e.ItemType
		}
	}
	return ""
}
