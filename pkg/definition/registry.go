package definition

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a pure, side-effect-free lookup of loaded workflow
// definitions. Definitions are immutable after Add; Get returns the
// loaded value, never a live view of the source file.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Add validates and registers a definition. Registering the same name
// twice is an error: definitions are versioned by file, not mutated in
// place.
func (r *Registry) Add(def Definition) error {
	def = def.Normalized()
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("definition: workflow %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each calls fn for every registered definition, in name order.
func (r *Registry) Each(fn func(Definition)) {
	for _, name := range r.Names() {
		if def, ok := r.Get(name); ok {
			fn(def)
		}
	}
}

// LoadRegistry loads every definition in dir into a new registry.
func LoadRegistry(dir string) (*Registry, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	reg := NewRegistry()
	for _, f := range files {
		if err := reg.Add(f.Definition); err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
	}
	return reg, nil
}
