// Package observer is the in-process instrumentation surface for indexing
// pipelines: the host constructs a Recorder per run, hands it to the
// pipeline's extension points as an Observer, and closes it when the run
// ends. Events flow through the same buffer, race detection, and storage
// stack the ingest service uses, without an HTTP hop.
//
//	rec, err := observer.New(ctx, cfg)
//	if err != nil { ... }
//	defer rec.Close()
//	pipeline.Run(ctx, rec)
//
// No observer call ever returns an error, because telemetry must never
// abort the pipeline it watches.
package observer

import (
	"context"
	"time"
)

// Observer is the instrumentation capability handed to an indexing
// pipeline. Implementations must be safe for concurrent use from whatever
// goroutine drives the pipeline.
type Observer interface {
	// ItemRetrieved records that the pipeline fetched one item. data may
	// carry an "item_type" key and any stage-specific fields.
	ItemRetrieved(ctx context.Context, itemID int64, data map[string]any)

	// ItemFiltered records the include/exclude decision for an item.
	ItemFiltered(ctx context.Context, itemID int64, shouldIndex bool, reason string)

	// RecordsGenerated records how many search records were produced for an
	// item; genErr marks a generation failure.
	RecordsGenerated(ctx context.Context, itemID int64, recordCount int, genErr error)

	// RecordsSanitized records the batch-level sanitization pass and which
	// items were dropped by it.
	RecordsSanitized(ctx context.Context, initialCount, finalCount int, droppedIDs []int64)

	// RecordsSubmitted records the outcome of pushing a record batch to the
	// search backend.
	RecordsSubmitted(ctx context.Context, recordCount int, success bool, taskID string, submitErr error)

	// SessionEnd closes the run with its summary figures and forces a
	// buffer flush.
	SessionEnd(ctx context.Context, duration time.Duration, memoryPeakBytes int64)
}
