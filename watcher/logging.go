package watcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pgcdc/event"
)

// LoggingWatcher decorates any Watcher with structured logging of
// every event it forwards, using the same logrus library the rest of
// this module's ambient stack logs with.
type LoggingWatcher struct {
	Inner  Watcher
	Logger *logrus.Logger
}

// NewLoggingWatcher wraps inner. A nil logger falls back to logrus's
// standard logger.
func NewLoggingWatcher(inner Watcher, logger *logrus.Logger) *LoggingWatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoggingWatcher{Inner: inner, Logger: logger}
}

func (w *LoggingWatcher) OnEvent(ctx context.Context, e event.Event) error {
	fields := eventFields(e)
	start := time.Now()
	err := w.Inner.OnEvent(ctx, e)
	fields["duration_ms"] = time.Since(start).Milliseconds()

	entry := w.Logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Error("watcher: event handling failed")
		return err
	}
	entry.Debug("watcher: event handled")
	return nil
}

func (w *LoggingWatcher) ShouldWatchTable(fullTable string) bool {
	return w.Inner.ShouldWatchTable(fullTable)
}

func (w *LoggingWatcher) ValidContextPrefix(prefix string) bool {
	return w.Inner.ValidContextPrefix(prefix)
}

func eventFields(e event.Event) logrus.Fields {
	fields := logrus.Fields{
		"xid": e.XactID(),
		"lsn": e.Position().String(),
	}
	switch ev := e.(type) {
	case *event.BeginTransaction:
		fields["kind"] = "begin"
		fields["estimated_size"] = ev.EstimatedSize()
	case *event.CommitTransaction:
		fields["kind"] = "commit"
	case *event.Insert:
		fields["kind"] = "insert"
		fields["table"] = ev.FullTable()
		fields["primary_key"] = ev.PrimaryKey.String()
	case *event.Update:
		fields["kind"] = "update"
		fields["table"] = ev.FullTable()
		fields["primary_key"] = ev.PrimaryKey.String()
	case *event.Delete:
		fields["kind"] = "delete"
		fields["table"] = ev.FullTable()
		fields["primary_key"] = ev.PrimaryKey.String()
	}
	return fields
}
