// Package correlation matches late responses to the calls that issued them.
//
// A Queue holds the pending calls of one channel (an agent id, or a
// transport-wide pool) keyed by request id. Each entry leaves the queue exactly
// once: by Resolve, Fail, Cancel, Pull, a timeout or Close. Whichever of those
// claims the entry first wins and the others become no-ops.
package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const logPrefix = "correlation:queue"

var (
	// ErrDuplicateID is returned by Push when the id is already pending.
	ErrDuplicateID = errors.New("request id already pending")
	// ErrCancelled is delivered to a callback whose entry was cancelled.
	ErrCancelled = errors.New("call cancelled")
	// ErrTimeout is delivered to a callback whose entry timed out.
	ErrTimeout = errors.New("call timed out")
	// ErrClosed is delivered to callbacks still pending when their queue closes,
	// and returned by Push on a closed queue.
	ErrClosed = errors.New("correlation queue closed")
)

// Callback receives the outcome of one call: a response, or a failure.
type Callback func(resp *jsonrpc.Response, err error)

type pending struct {
	cb         Callback
	registered time.Time
	timer      *time.Timer
}

// Queue is the pending-call table of one channel. It is safe for concurrent use.
type Queue struct {
	name    string
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*pending
	closed  bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithTimeout fails entries with ErrTimeout when no outcome arrives within d.
// Zero disables the timeout, which is the default.
func WithTimeout(d time.Duration) QueueOption {
	return func(q *Queue) { q.timeout = d }
}

// NewQueue creates an empty queue for the named channel.
func NewQueue(name string, opts ...QueueOption) *Queue {
	q := &Queue{name: name, entries: make(map[string]*pending)}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the channel name.
func (q *Queue) Name() string { return q.name }

// Push registers cb under id.
func (q *Queue) Push(id string, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("%s - nil callback for %s", logPrefix, id)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%s - push %s on %s: %w", logPrefix, id, q.name, ErrClosed)
	}
	if _, ok := q.entries[id]; ok {
		return fmt.Errorf("%s - push %s on %s: %w", logPrefix, id, q.name, ErrDuplicateID)
	}
	p := &pending{cb: cb, registered: time.Now()}
	if q.timeout > 0 {
		p.timer = time.AfterFunc(q.timeout, func() { q.expire(id, p) })
	}
	q.entries[id] = p
	return nil
}

// Resolve delivers resp to the entry for id. It reports whether an entry was
// pending; a late or duplicate response returns false and is dropped.
func (q *Queue) Resolve(id string, resp *jsonrpc.Response) bool {
	p := q.take(id, nil)
	if p == nil {
		slog.Debug(fmt.Sprintf("%s - dropping response for %s on %s: not pending", logPrefix, id, q.name))
		return false
	}
	p.cb(resp, nil)
	return true
}

// Fail delivers err to the entry for id.
func (q *Queue) Fail(id string, err error) bool {
	p := q.take(id, nil)
	if p == nil {
		return false
	}
	p.cb(nil, err)
	return true
}

// Cancel fails the entry for id with ErrCancelled. Cancelling an entry that has
// already been resolved is a no-op and returns false.
func (q *Queue) Cancel(id string) bool {
	return q.Fail(id, ErrCancelled)
}

// Pull removes the entry for id and hands its callback to the caller without
// invoking it.
func (q *Queue) Pull(id string) (Callback, bool) {
	p := q.take(id, nil)
	if p == nil {
		return nil, false
	}
	return p.cb, true
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close fails every pending entry with err (ErrClosed when nil) and rejects
// further pushes.
func (q *Queue) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	q.closed = true
	drained := q.entries
	q.entries = make(map[string]*pending)
	q.mu.Unlock()

	if len(drained) > 0 {
		slog.Debug(fmt.Sprintf("%s - closing %s with %d pending", logPrefix, q.name, len(drained)))
	}
	for _, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.cb(nil, err)
	}
}

func (q *Queue) expire(id string, p *pending) {
	if q.take(id, p) == nil {
		return
	}
	slog.Debug(fmt.Sprintf("%s - %s on %s timed out after %s", logPrefix, id, q.name, q.timeout))
	p.cb(nil, ErrTimeout)
}

// take removes and returns the entry for id. When want is set, only that exact
// entry is taken, so a stale timer cannot claim a later entry reusing the id.
func (q *Queue) take(id string, want *pending) *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.entries[id]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(q.entries, id)
	if p.timer != nil && want == nil {
		p.timer.Stop()
	}
	return p
}
