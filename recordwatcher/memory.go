package recordwatcher

import (
	"context"

	"pgcdc/event"
)

// MemoryBackend is the default aggregation backend: a plain map kept
// for the lifetime of one transaction (§4.5 "in-memory").
type MemoryBackend struct {
	cells map[event.Key]event.Event
}

// NewMemoryBackend builds an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{cells: make(map[event.Key]event.Event)}
}

func (b *MemoryBackend) Begin(context.Context, *event.BeginTransaction) error {
	b.cells = make(map[event.Key]event.Event)
	return nil
}

func (b *MemoryBackend) Apply(_ context.Context, e event.Event) error {
	key, ok := rowKey(e)
	if !ok {
		return nil
	}
	result, erase := coalesce(b.cells[key], e)
	if erase {
		delete(b.cells, key)
		return nil
	}
	b.cells[key] = result
	return nil
}

func (b *MemoryBackend) Drain(context.Context) ([]event.Event, error) {
	out := make([]event.Event, 0, len(b.cells))
	for _, e := range b.cells {
		out = append(out, e)
	}
	b.cells = make(map[event.Key]event.Event)
	return out, nil
}

func (b *MemoryBackend) Rollback(context.Context) error {
	b.cells = make(map[event.Key]event.Event)
	return nil
}
