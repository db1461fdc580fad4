// Package cache keeps a bounded set of resident instances keyed by id.
//
// Entries are ranked by score = useCount / age. When a Put takes the cache over
// capacity, the lowest scoring entries are evicted. The score is never
// re-normalised, so an entry with an early burst of hits keeps outranking one
// with later steady traffic until it ages enough; this mirrors the historical
// behaviour and is kept on purpose.
package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const logPrefix = "cache:cache"

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 100

type entry[V any] struct {
	id       string
	value    V
	created  time.Time
	uses     int64
	inflight int
	evicted  bool
	removed  bool
	onIdle   func(V)
}

// Cache is a capacity-bounded instance cache. It is safe for concurrent use;
// it does not serialise calls into the cached values themselves.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*entry[V]
	onEvict  func(id string, value V)
	now      func() time.Time
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithOnEvict sets a hook run for every evicted value. For entries evicted while
// held by Acquire, the hook runs after the last release.
func WithOnEvict[V any](fn func(id string, value V)) Option[V] {
	return func(c *Cache[V]) { c.onEvict = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// New creates a cache holding at most capacity entries.
func New[V any](capacity int, opts ...Option[V]) *Cache[V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache[V]{
		capacity: capacity,
		entries:  make(map[string]*entry[V], capacity+1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity returns the configured capacity.
func (c *Cache[V]) Capacity() int { return c.capacity }

// Get returns the value for id and counts the hit.
func (c *Cache[V]) Get(id string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	e.uses++
	return e.value, true
}

// Acquire is Get plus a hold: the entry's eviction hook will not run until
// release is called. release is idempotent.
func (c *Cache[V]) Acquire(id string) (V, func(), bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, func() {}, false
	}
	e.uses++
	e.inflight++
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(e) })
	}
	return e.value, release, true
}

func (c *Cache[V]) release(e *entry[V]) {
	c.mu.Lock()
	e.inflight--
	fire := e.evicted && e.inflight == 0
	c.mu.Unlock()
	if fire {
		c.finish(e)
	}
}

// Put stores value under id, replacing any previous entry, and evicts the
// lowest scoring other entries while the cache is over capacity.
func (c *Cache[V]) Put(id string, value V) {
	c.mu.Lock()
	now := c.now()
	fresh := &entry[V]{id: id, value: value, created: now}
	c.entries[id] = fresh

	var victims []*entry[V]
	if overshoot := len(c.entries) - c.capacity; overshoot > 0 {
		victims = c.selectVictims(overshoot, fresh, now)
		for _, v := range victims {
			delete(c.entries, v.id)
			v.evicted = true
		}
	}
	var ready []*entry[V]
	for _, v := range victims {
		if v.inflight == 0 {
			ready = append(ready, v)
		}
	}
	c.mu.Unlock()

	if len(victims) > 0 {
		slog.Debug(fmt.Sprintf("%s - evicted %d entries (capacity %d)", logPrefix, len(victims), c.capacity))
	}
	for _, v := range ready {
		c.fireEvict(v)
	}
}

// selectVictims returns the n lowest scoring entries other than keep. Must be
// called with c.mu held.
func (c *Cache[V]) selectVictims(n int, keep *entry[V], now time.Time) []*entry[V] {
	candidates := make([]*entry[V], 0, len(c.entries))
	for _, e := range c.entries {
		if e != keep {
			candidates = append(candidates, e)
		}
	}
	// Map order is random; sort by id first so equal scores break the same way
	// every time.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].id < candidates[j].id })
	sort.SliceStable(candidates, func(i, j int) bool {
		return score(candidates[i], now) < score(candidates[j], now)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	return candidates[:n]
}

// score is useCount / age in milliseconds. Age is clamped to 1ms so an entry
// created in the same millisecond still gets a finite score.
func score[V any](e *entry[V], now time.Time) float64 {
	age := now.Sub(e.created).Milliseconds()
	if age < 1 {
		age = 1
	}
	return float64(e.uses) / float64(age)
}

// Score returns the current score of id.
func (c *Cache[V]) Score(id string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return 0, false
	}
	return score(e, c.now()), true
}

// Remove takes id out of the cache. Instead of the eviction hook, onIdle (when
// not nil) runs once no Acquire holds the entry: at once if it is idle,
// otherwise on the last release. It reports whether id was resident.
func (c *Cache[V]) Remove(id string, onIdle func(V)) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, id)
	e.evicted = true
	e.removed = true
	e.onIdle = onIdle
	idle := e.inflight == 0
	c.mu.Unlock()

	if idle {
		c.finish(e)
	}
	return true
}

// Len returns the number of resident entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Range calls fn for a snapshot of the resident entries, outside the lock.
// Returning false stops the iteration.
func (c *Cache[V]) Range(fn func(id string, value V) bool) {
	c.mu.Lock()
	snapshot := make([]*entry[V], 0, len(c.entries))
	for _, e := range c.entries {
		snapshot = append(snapshot, e)
	}
	c.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })
	for _, e := range snapshot {
		if !fn(e.id, e.value) {
			return
		}
	}
}

// Clear removes every entry, running the eviction hook for idle ones.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	var ready []*entry[V]
	for id, e := range c.entries {
		delete(c.entries, id)
		e.evicted = true
		if e.inflight == 0 {
			ready = append(ready, e)
		}
	}
	c.mu.Unlock()
	for _, e := range ready {
		c.fireEvict(e)
	}
}

// finish runs the teardown of an entry that left the cache and is idle.
func (c *Cache[V]) finish(e *entry[V]) {
	if e.removed {
		if e.onIdle != nil {
			e.onIdle(e.value)
		}
		return
	}
	c.fireEvict(e)
}

func (c *Cache[V]) fireEvict(e *entry[V]) {
	if c.onEvict != nil {
		c.onEvict(e.id, e.value)
	}
}
