package runner

import (
	"fmt"
	"sync"

	"pgcdc/watcher"
)

// WatcherFactory builds a fresh watcher.Watcher for a slot. It is
// called once per slot start (and again on every retried restart), the
// same way database/sql calls a registered driver's Open on every
// connection rather than caching a single instance.
type WatcherFactory func(slotName string, cfg SlotConfig) (watcher.Watcher, error)

// Registry resolves the YAML "watcher:" name to a WatcherFactory. Go
// has no runtime class-name lookup, so the host application registers
// its watcher constructors under the same names it writes into its
// config, mirroring database/sql's driver registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]WatcherFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]WatcherFactory)}
}

// Register associates name with factory. Registering the same name
// twice panics, the same behavior database/sql.Register uses for
// duplicate driver names.
func (r *Registry) Register(name string, factory WatcherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("runner: watcher %q already registered", name))
	}
	r.factories[name] = factory
}

func (r *Registry) lookup(name string) (WatcherFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("runner: no watcher registered under %q", name)
	}
	return f, nil
}
