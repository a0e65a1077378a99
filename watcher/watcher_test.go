package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgcdc/event"
)

type recordingWatcher struct {
	Base
	events []event.Event
	failOn func(event.Event) error
}

func (w *recordingWatcher) OnEvent(_ context.Context, e event.Event) error {
	w.events = append(w.events, e)
	if w.failOn != nil {
		return w.failOn(e)
	}
	return nil
}

func TestBaseDefaults(t *testing.T) {
	var b Base
	if !b.ShouldWatchTable("anything") || !b.ValidContextPrefix("anything") {
		t.Fatalf("Base defaults should both be true")
	}
}

func TestLoggingWatcherDelegatesAndPropagatesError(t *testing.T) {
	wantErr := errors.New("boom")
	inner := &recordingWatcher{failOn: func(event.Event) error { return wantErr }}
	lw := NewLoggingWatcher(inner, nil)

	err := lw.OnEvent(context.Background(), &event.Insert{Schema: "public", Table: "t"})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error to propagate, got %v", err)
	}
	if len(inner.events) != 1 {
		t.Fatalf("expected inner watcher to receive the event")
	}
}

func TestStreamingWatcherDeliversEventsInOrderAndClosesOnCommit(t *testing.T) {
	var received []event.Event
	done := make(chan struct{})
	sw := NewStreamingWatcher(func(stream <-chan event.Event) error {
		for e := range stream {
			received = append(received, e)
		}
		close(done)
		return nil
	})

	ctx := context.Background()
	begin := &event.BeginTransaction{Xid: 1}
	insert := &event.Insert{Xid: 1, Table: "t"}
	commit := &event.CommitTransaction{Xid: 1}

	if err := sw.OnEvent(ctx, begin); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := sw.OnEvent(ctx, insert); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := sw.OnEvent(ctx, commit); err != nil {
		t.Fatalf("commit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("worker never finished")
	}

	if len(received) != 2 {
		t.Fatalf("expected 2 events delivered to worker, got %d", len(received))
	}
}

func TestStreamingWatcherPropagatesWorkerError(t *testing.T) {
	wantErr := errors.New("worker failed")
	sw := NewStreamingWatcher(func(stream <-chan event.Event) error {
		for range stream {
		}
		return wantErr
	})

	ctx := context.Background()
	_ = sw.OnEvent(ctx, &event.BeginTransaction{Xid: 1})
	err := sw.OnEvent(ctx, &event.CommitTransaction{Xid: 1})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected worker error to surface at commit, got %v", err)
	}
}
