package recordwatcher

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"pgcdc/event"
)

// RecordHandler processes one terminal event for a registered table.
// e is always the concrete type implied by the registration that
// invoked it: *event.Insert for OnInsert/OnSave-on-insert,
// *event.Update for OnUpdate/OnSave-on-update, *event.Delete for
// OnDestroy.
type RecordHandler func(ctx context.Context, e event.Event) error

// TableNamer lets a registration target be any value exposing a table
// name, per §4.5 ("table may be a literal name or any object exposing
// table_name").
type TableNamer interface{ TableName() string }

func tableNameOf(table any) string {
	switch t := table.(type) {
	case string:
		return t
	case TableNamer:
		return t.TableName()
	default:
		panic(fmt.Sprintf("recordwatcher: table must be a string or TableNamer, got %T", table))
	}
}

type registrationKind int

const (
	kindInsert registrationKind = iota
	kindUpdate
	kindDestroy
)

type registration struct {
	kind    registrationKind
	changed mapset.Set[string]
	handler RecordHandler
}

// Dispatcher is a builder that accumulates per-table handler
// registrations in registration order and, at commit time, fans each
// terminal event out to every matching handler.
type Dispatcher struct {
	registrations map[string][]registration
	tables        mapset.Set[string]
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		registrations: make(map[string][]registration),
		tables:        mapset.NewThreadUnsafeSet[string](),
	}
}

// OnInsert registers handler to fire on every terminal Insert for table.
func (d *Dispatcher) OnInsert(table any, handler RecordHandler) *Dispatcher {
	return d.register(table, registration{kind: kindInsert, handler: handler})
}

// OnUpdate registers handler to fire on terminal Updates for table. If
// changed is non-empty, the handler only fires when the update's Diff
// touches at least one of those columns.
func (d *Dispatcher) OnUpdate(table any, changed []string, handler RecordHandler) *Dispatcher {
	return d.register(table, registration{kind: kindUpdate, changed: toSet(changed), handler: handler})
}

// OnSave registers handler as the union of OnInsert and OnUpdate: it
// fires on every terminal Insert and on terminal Updates matching
// changed, for table.
func (d *Dispatcher) OnSave(table any, changed []string, handler RecordHandler) *Dispatcher {
	d.register(table, registration{kind: kindInsert, handler: handler})
	return d.register(table, registration{kind: kindUpdate, changed: toSet(changed), handler: handler})
}

// OnDestroy registers handler to fire on every terminal Delete for table.
func (d *Dispatcher) OnDestroy(table any, handler RecordHandler) *Dispatcher {
	return d.register(table, registration{kind: kindDestroy, handler: handler})
}

func (d *Dispatcher) register(table any, reg registration) *Dispatcher {
	name := tableNameOf(table)
	d.tables.Add(name)
	d.registrations[name] = append(d.registrations[name], reg)
	return d
}

func toSet(cols []string) mapset.Set[string] {
	if len(cols) == 0 {
		return nil
	}
	return mapset.NewThreadUnsafeSet(cols...)
}

// shouldWatchTable implements §4.5's "should_watch_table? is
// overridden to the union of table names registered for any callback".
func (d *Dispatcher) shouldWatchTable(fullTable string) bool {
	return d.tables.Contains(fullTable)
}

// dispatch fans e out to every registration matching its kind and,
// for updates, its changed-column filter, in registration order.
func (d *Dispatcher) dispatch(ctx context.Context, e event.Event) error {
	table, kind, ok := classify(e)
	if !ok {
		return nil
	}
	for _, reg := range d.registrations[table] {
		if reg.kind != kind {
			continue
		}
		if reg.kind == kindUpdate && reg.changed != nil && !diffIntersects(e, reg.changed) {
			continue
		}
		if err := reg.handler(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func classify(e event.Event) (table string, kind registrationKind, ok bool) {
	switch ev := e.(type) {
	case *event.Insert:
		return ev.FullTable(), kindInsert, true
	case *event.Update:
		return ev.FullTable(), kindUpdate, true
	case *event.Delete:
		return ev.FullTable(), kindDestroy, true
	default:
		return "", 0, false
	}
}

func diffIntersects(e event.Event, changed mapset.Set[string]) bool {
	u, ok := e.(*event.Update)
	if !ok {
		return true
	}
	for k := range u.Diff() {
		if changed.Contains(k) {
			return true
		}
	}
	return false
}
