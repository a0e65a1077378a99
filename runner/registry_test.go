package runner

import (
	"context"
	"testing"

	"pgcdc/event"
	"pgcdc/watcher"
)

type stubWatcher struct{ watcher.Base }

func (stubWatcher) OnEvent(context.Context, event.Event) error { return nil }

func TestRegistryLookupReturnsRegisteredFactory(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", func(slotName string, cfg SlotConfig) (watcher.Watcher, error) {
		return stubWatcher{}, nil
	})

	factory, err := reg.lookup("stub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, err := factory("my_slot", SlotConfig{})
	if err != nil {
		t.Fatalf("unexpected error building watcher: %v", err)
	}
	if w == nil {
		t.Fatalf("expected a non-nil watcher")
	}
}

func TestRegistryLookupUnknownNameFails(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.lookup("missing"); err == nil {
		t.Fatalf("expected an error for an unregistered watcher name")
	}
}

func TestRegistryRegisterDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	factory := func(slotName string, cfg SlotConfig) (watcher.Watcher, error) {
		return stubWatcher{}, nil
	}
	reg.Register("dup", factory)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on duplicate registration")
		}
	}()
	reg.Register("dup", factory)
}
