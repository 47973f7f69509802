package cloud

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry maps provider names to constructors. Providers register themselves
// at startup; the configured provider is resolved exactly once.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
	}
}

// Register adds a provider constructor under the given name.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// Resolve constructs the provider registered under name.
func (r *Registry) Resolve(name string, cfg Settings, logger *slog.Logger) (API, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("cloud provider %q is not registered", name)
	}
	return ctor(cfg, logger)
}

// List returns the registered provider names, sorted for stable output.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
