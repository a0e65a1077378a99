package recordwatcher

import (
	"context"
	"testing"

	"pgcdc/event"
)

func TestDispatcherOnUpdateFiltersByChangedColumns(t *testing.T) {
	d := NewDispatcher()
	var fired int
	d.OnUpdate("records", []string{"status"}, func(context.Context, event.Event) error {
		fired++
		return nil
	})

	pk, _ := event.NewPrimaryKey(int64(1))
	unrelated := &event.Update{Table: "records", PrimaryKey: pk, Old: event.DecodedRow{"status": "a", "name": "x"}, New: event.DecodedRow{"status": "a", "name": "y"}}
	must(t, d.dispatch(context.Background(), unrelated))
	if fired != 0 {
		t.Fatalf("expected handler not to fire when changed column untouched, fired=%d", fired)
	}

	relevant := &event.Update{Table: "records", PrimaryKey: pk, Old: event.DecodedRow{"status": "a"}, New: event.DecodedRow{"status": "b"}}
	must(t, d.dispatch(context.Background(), relevant))
	if fired != 1 {
		t.Fatalf("expected handler to fire once, fired=%d", fired)
	}
}

func TestDispatcherOnSaveFiresOnInsertAlwaysAndUpdateWhenFiltered(t *testing.T) {
	d := NewDispatcher()
	var inserts, updates int
	d.OnSave("records", []string{"name"}, func(_ context.Context, e event.Event) error {
		switch e.(type) {
		case *event.Insert:
			inserts++
		case *event.Update:
			updates++
		}
		return nil
	})

	pk, _ := event.NewPrimaryKey(int64(1))
	must(t, d.dispatch(context.Background(), &event.Insert{Table: "records", PrimaryKey: pk, New: event.DecodedRow{"name": "x"}}))
	must(t, d.dispatch(context.Background(), &event.Update{Table: "records", PrimaryKey: pk, Old: event.DecodedRow{"other": 1}, New: event.DecodedRow{"other": 2}}))
	must(t, d.dispatch(context.Background(), &event.Update{Table: "records", PrimaryKey: pk, Old: event.DecodedRow{"name": "x"}, New: event.DecodedRow{"name": "y"}}))

	if inserts != 1 {
		t.Fatalf("expected 1 insert fire, got %d", inserts)
	}
	if updates != 1 {
		t.Fatalf("expected 1 update fire (only the name-changing one), got %d", updates)
	}
}

func TestDispatcherShouldWatchTableIsUnionOfRegistrations(t *testing.T) {
	d := NewDispatcher()
	d.OnInsert("a", func(context.Context, event.Event) error { return nil })
	d.OnDestroy("b", func(context.Context, event.Event) error { return nil })

	if !d.shouldWatchTable("a") || !d.shouldWatchTable("b") {
		t.Fatalf("expected registered tables to be watched")
	}
	if d.shouldWatchTable("c") {
		t.Fatalf("expected unregistered table not to be watched")
	}
}

type namedTable struct{ name string }

func (n namedTable) TableName() string { return n.name }

func TestDispatcherAcceptsTableNamer(t *testing.T) {
	d := NewDispatcher()
	d.OnInsert(namedTable{name: "widgets"}, func(context.Context, event.Event) error { return nil })
	if !d.shouldWatchTable("widgets") {
		t.Fatalf("expected TableNamer-registered table to be watched")
	}
}

func TestRecordWatcherEndToEndInsertUpdateDispatchesSingleInsert(t *testing.T) {
	d := NewDispatcher()
	var got *event.Insert
	d.OnInsert("records", func(_ context.Context, e event.Event) error {
		got = e.(*event.Insert)
		return nil
	})

	w := New(d, nil)
	ctx := context.Background()
	pk, _ := event.NewPrimaryKey(int64(42))

	must(t, w.OnEvent(ctx, &event.BeginTransaction{}))
	must(t, w.OnEvent(ctx, &event.Insert{Table: "records", PrimaryKey: pk, New: event.DecodedRow{"name": "OriginalName"}}))
	must(t, w.OnEvent(ctx, &event.Update{Table: "records", PrimaryKey: pk, Old: event.DecodedRow{"name": "OriginalName"}, New: event.DecodedRow{"name": "UpdatedName"}}))
	must(t, w.OnEvent(ctx, &event.CommitTransaction{}))

	if got == nil {
		t.Fatalf("expected OnInsert handler to fire")
	}
	if got.New["name"] != "UpdatedName" {
		t.Fatalf("expected latest name, got %v", got.New["name"])
	}
}
