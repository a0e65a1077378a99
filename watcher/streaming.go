package watcher

import (
	"context"

	"pgcdc/event"
)

// TransactionHandler processes one transaction's worth of events,
// reading from stream until it is closed after the commit event is
// delivered. A returned error is surfaced to the producer at commit
// time and aborts the replication stream (§4.6).
type TransactionHandler func(stream <-chan event.Event) error

// StreamingWatcher hands events to a TransactionHandler running on a
// single dedicated worker goroutine per transaction, using a bounded
// channel for back-pressure instead of buffering the whole
// transaction before dispatch.
type StreamingWatcher struct {
	Handler TransactionHandler
	// QueueSize returns the channel capacity for a transaction; nil
	// means the default of 5000.
	QueueSize func(begin *event.BeginTransaction) int
	// ShouldWatchFn and ValidContextFn override the Base defaults
	// (both true) when non-nil.
	ShouldWatchFn  func(fullTable string) bool
	ValidContextFn func(prefix string) bool

	queue chan event.Event
	errCh chan error
}

const defaultQueueSize = 5000

// NewStreamingWatcher builds a StreamingWatcher around handler.
func NewStreamingWatcher(handler TransactionHandler) *StreamingWatcher {
	return &StreamingWatcher{Handler: handler}
}

func (w *StreamingWatcher) OnEvent(ctx context.Context, e event.Event) error {
	switch ev := e.(type) {
	case *event.BeginTransaction:
		size := defaultQueueSize
		if w.QueueSize != nil {
			size = w.QueueSize(ev)
		}
		queue := make(chan event.Event, size)
		errCh := make(chan error, 1)
		w.queue, w.errCh = queue, errCh
		go func() { errCh <- w.Handler(queue) }()
		return nil

	case *event.CommitTransaction:
		if err := w.enqueue(ctx, e); err != nil {
			return err
		}
		close(w.queue)
		err := <-w.errCh
		w.queue, w.errCh = nil, nil
		return err

	default:
		return w.enqueue(ctx, e)
	}
}

func (w *StreamingWatcher) enqueue(ctx context.Context, e event.Event) error {
	select {
	case w.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *StreamingWatcher) ShouldWatchTable(fullTable string) bool {
	if w.ShouldWatchFn != nil {
		return w.ShouldWatchFn(fullTable)
	}
	return true
}

func (w *StreamingWatcher) ValidContextPrefix(prefix string) bool {
	if w.ValidContextFn != nil {
		return w.ValidContextFn(prefix)
	}
	return true
}
