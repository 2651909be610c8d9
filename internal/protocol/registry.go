// Package protocol keys pluggable protocol adapters by name. Adapters are
// compiled in and register themselves from init; --protocol selects one at
// startup.
package protocol

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lexelby/apiary/internal/config"
	"github.com/lexelby/apiary/internal/domain"
)

// Factory builds one adapter instance for one worker thread.
type Factory func(cfg config.Config, sink domain.StatsSink) (domain.Adapter, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register installs a factory under name. Later registrations of the same
// name win, which lets tests substitute adapters.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// New builds the named adapter.
func New(name string, cfg config.Config, sink domain.StatsSink) (domain.Adapter, error) {
	mu.RLock()
	f, found := registry[name]
	mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("protocol %q (have: %v): %w", name, Names(), domain.ErrUnknownProtocol)
	}
	return f(cfg, sink)
}

// Names lists registered protocols, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
