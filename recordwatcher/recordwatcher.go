// Package recordwatcher implements the aggregation engine of §4.5: it
// presents the Replicator's raw per-statement event stream as one
// terminal event per (table, primary key) per transaction, coalesced
// according to the prior/incoming state table, and dispatches each
// terminal event through a Dispatcher built with the on_insert/
// on_update/on_save/on_destroy registration DSL.
package recordwatcher

import (
	"context"

	"pgcdc/event"
	"pgcdc/watcher"
)

// DefaultSizeThreshold is the estimated transaction size (2 GiB, per
// §4.5) at or above which the default StrategySelector spills to a
// TempTableBackend instead of buffering in memory.
const DefaultSizeThreshold = 2 << 30

// StrategySelector picks the Backend for a transaction from its
// BeginTransaction event (§4.5's aggregation_strategy).
type StrategySelector func(b *event.BeginTransaction) Backend

// DefaultStrategySelector returns memory for any transaction under
// DefaultSizeThreshold. If newTempTable is non-nil, transactions at or
// above the threshold spill to the backend it constructs; a nil
// newTempTable means every transaction uses memory regardless of size.
func DefaultStrategySelector(newTempTable func() Backend) StrategySelector {
	return func(b *event.BeginTransaction) Backend {
		if newTempTable != nil && b.EstimatedSize() >= DefaultSizeThreshold {
			return newTempTable()
		}
		return NewMemoryBackend()
	}
}

// RecordWatcher is a watcher.Watcher that buffers row events for the
// duration of a transaction and, on commit, drains its Backend and
// fans every surviving terminal event out through a Dispatcher.
type RecordWatcher struct {
	Strategy   StrategySelector
	dispatcher *Dispatcher

	backend Backend
}

// New builds a RecordWatcher dispatching terminal events through d. A
// nil strategy always uses MemoryBackend.
func New(d *Dispatcher, strategy StrategySelector) *RecordWatcher {
	if strategy == nil {
		strategy = DefaultStrategySelector(nil)
	}
	return &RecordWatcher{Strategy: strategy, dispatcher: d}
}

func (w *RecordWatcher) OnEvent(ctx context.Context, e event.Event) error {
	switch ev := e.(type) {
	case *event.BeginTransaction:
		w.backend = w.Strategy(ev)
		return w.backend.Begin(ctx, ev)

	case *event.CommitTransaction:
		terminal, err := w.backend.Drain(ctx)
		if err != nil {
			return err
		}
		for _, t := range terminal {
			if err := w.dispatcher.dispatch(ctx, t); err != nil {
				return err
			}
		}
		return nil

	case *event.Insert, *event.Update, *event.Delete:
		return w.backend.Apply(ctx, e)

	default:
		return nil
	}
}

// ShouldWatchTable implements §4.5's override: the union of every
// table name registered on the Dispatcher for any callback.
func (w *RecordWatcher) ShouldWatchTable(fullTable string) bool {
	return w.dispatcher.shouldWatchTable(fullTable)
}

// ValidContextPrefix defaults to true, matching watcher.Base; a
// RecordWatcher built around a Dispatcher that needs transaction
// context should wrap this with its own predicate.
func (w *RecordWatcher) ValidContextPrefix(string) bool { return true }

var _ watcher.Watcher = (*RecordWatcher)(nil)
