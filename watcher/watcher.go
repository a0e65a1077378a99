// Package watcher defines the small capability contract the Replicator
// drives (§4.4) and two decorators over it: LoggingWatcher for
// observability and StreamingWatcher for handing events to a parallel
// worker as they arrive within a transaction.
package watcher

import (
	"context"

	"pgcdc/event"
)

// Watcher is implemented by application code that wants to observe a
// replicated event stream. OnEvent is called synchronously, in stream
// order, from the Replicator's own goroutine; a returned error aborts
// the stream (§4.4).
type Watcher interface {
	// OnEvent handles a single event from the stream.
	OnEvent(ctx context.Context, e event.Event) error
	// ShouldWatchTable is consulted before row decoding for a table.
	// The relation cache lookup still occurs even when this returns false.
	ShouldWatchTable(fullTable string) bool
	// ValidContextPrefix is consulted on every logical message to decide
	// whether its payload should replace the transaction context.
	ValidContextPrefix(prefix string) bool
}

// Base implements Watcher's two predicates with their defaults (both
// true). Embed it in a concrete watcher that only needs to implement
// OnEvent.
type Base struct{}

// ShouldWatchTable defaults to true: watch every table.
func (Base) ShouldWatchTable(string) bool { return true }

// ValidContextPrefix defaults to true: accept every logical message prefix.
func (Base) ValidContextPrefix(string) bool { return true }
