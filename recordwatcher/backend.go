package recordwatcher

import (
	"context"

	"pgcdc/event"
)

// Backend buffers one transaction's row events under the coalescing
// law and yields the surviving terminal events at commit (§4.5). A
// RecordWatcher owns exactly one Backend instance per transaction,
// chosen by aggregation_strategy.
type Backend interface {
	// Begin resets the backend for a new transaction.
	Begin(ctx context.Context, b *event.BeginTransaction) error
	// Apply coalesces e into the backend's state for its (table, primary key).
	Apply(ctx context.Context, e event.Event) error
	// Drain returns every surviving terminal event, in no particular
	// order, and releases the transaction's buffered state.
	Drain(ctx context.Context) ([]event.Event, error)
	// Rollback discards buffered state without draining, for a
	// transaction that aborts before commit.
	Rollback(ctx context.Context) error
}

// rowKey extracts the (table, primary key) aggregation key from a row
// event; e must be one of Insert, Update, Delete.
func rowKey(e event.Event) (event.Key, bool) {
	switch ev := e.(type) {
	case *event.Insert:
		return event.RowKey(ev.FullTable(), ev.PrimaryKey), true
	case *event.Update:
		return event.RowKey(ev.FullTable(), ev.PrimaryKey), true
	case *event.Delete:
		return event.RowKey(ev.FullTable(), ev.PrimaryKey), true
	default:
		return event.Key{}, false
	}
}
