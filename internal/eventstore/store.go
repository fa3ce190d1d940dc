package eventstore

import "context"

// Store is the append-only, filterable, replayable event log contract that
// every other component depends on (spec.md §4.1). Implementations must
// hand out dense, gap-free, monotonically increasing IDs starting at 1.
type Store interface {
	// Append records a new event and returns it with its assigned ID and
	// timestamps populated. Durable event types (see Durable) must be
	// persisted before Append returns; best-effort types may be buffered.
	Append(ctx context.Context, eventType Type, subject Subject, payload map[string]interface{}, causationID *uint64) (Event, error)

	// Stream returns every event with ID > sinceID, in ID order, allowing a
	// caller to resume a replay after a restart.
	Stream(ctx context.Context, sinceID uint64) ([]Event, error)

	// Filter returns every event matching f, in ID order.
	Filter(ctx context.Context, f Filter) ([]Event, error)

	// LastID returns the highest assigned event ID, or 0 if the log is
	// empty.
	LastID(ctx context.Context) (uint64, error)

	// Flush blocks until any buffered best-effort events are durable.
	Flush(ctx context.Context) error

	// Reset discards the entire log. Intended for tests.
	Reset(ctx context.Context) error
}
