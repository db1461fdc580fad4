package agent

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

// Refs holds live objects an agent keeps between calls without persisting
// them (connections, caches). Values that implement io.Closer are closed
// when the arena is dropped.
type Refs struct {
	mu     sync.Mutex
	values map[string]any
}

// NewRefs creates an empty arena.
func NewRefs() *Refs {
	return &Refs{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (r *Refs) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[key]
	return v, ok
}

// Put stores value under key, replacing any previous value.
func (r *Refs) Put(key string, value any) {
	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
}

// LoadOrStore returns the existing value for key, or stores and returns the
// one built by create. create runs under the arena lock.
func (r *Refs) LoadOrStore(key string, create func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.values[key]; ok {
		return v
	}
	v := create()
	r.values[key] = v
	return v
}

// Keys lists the stored keys, sorted.
func (r *Refs) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.values))
	for k := range r.values {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored values.
func (r *Refs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

// Drop empties the arena and closes the values that can be closed.
func (r *Refs) Drop() {
	r.mu.Lock()
	values := r.values
	r.values = make(map[string]any)
	r.mu.Unlock()
	for key, v := range values {
		if c, ok := v.(io.Closer); ok {
			if err := c.Close(); err != nil {
				slog.Warn(fmt.Sprintf("agent:refs - close %s: %v", key, err))
			}
		}
	}
}

// RefAs returns the value under key when it has type T.
func RefAs[T any](r *Refs, key string) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	v, ok := r.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
