package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry errors.
var (
	// ErrUnknownType is returned by Make for unregistered node types.
	ErrUnknownType = errors.New("graph: unknown node type")

	// ErrDuplicateType is returned when registering a name twice.
	ErrDuplicateType = errors.New("graph: node type already registered")
)

// Factory creates a node instance with the given identity hash.
type Factory func(hash uint64) (EngineNode, error)

// Registry maps node type names to factories. Registries are built
// explicitly at startup, see nodes.Register.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a node type.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("graph: invalid registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, name)
	}
	r.factories[name] = f
	return nil
}

// Make instantiates a node of the named type.
func (r *Registry) Make(name string, hash uint64) (EngineNode, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	n, err := f(hash)
	if err != nil {
		return nil, fmt.Errorf("graph: make %q: %w", name, err)
	}
	return n, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
