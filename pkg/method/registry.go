package method

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry indexes tables by receiver type. Tables are added once, when an
// agent type is registered, and read on every dispatch.
type Registry struct {
	mu     sync.RWMutex
	tables map[reflect.Type]*Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[reflect.Type]*Table)}
}

// Add indexes t under its receiver type. Adding the same table twice is a
// no-op; a different table for the same type is an error.
func (r *Registry) Add(t *Table) error {
	if t.recv == nil {
		return fmt.Errorf("%s - %s: table has no receiver type", logPrefix, t.name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tables[t.recv]; ok && existing != t {
		return fmt.Errorf("%s - %s: receiver %s already served by table %s", logPrefix, t.name, t.recv, existing.name)
	}
	r.tables[t.recv] = t
	return nil
}

// Lookup returns the table for target's dynamic type.
func (r *Registry) Lookup(target any) (*Table, bool) {
	if target == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[reflect.TypeOf(target)]
	return t, ok
}

// Resolve finds method name on target.
func (r *Registry) Resolve(target any, name string) (*Def, error) {
	t, ok := r.Lookup(target)
	if !ok {
		return nil, fmt.Errorf("%s - no table for %T: %w: %s", logPrefix, target, ErrNotFound, name)
	}
	return t.Resolve(name)
}

// Describe lists target's callable methods, sorted by name.
func (r *Registry) Describe(target any) []Signature {
	t, ok := r.Lookup(target)
	if !ok {
		return nil
	}
	return t.Describe()
}
