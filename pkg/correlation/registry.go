package correlation

import (
	"context"
	"sort"
	"sync"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

// Registry holds one Queue per channel, created on first use.
type Registry struct {
	opts []QueueOption

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewRegistry creates a registry whose queues are built with opts.
func NewRegistry(opts ...QueueOption) *Registry {
	return &Registry{opts: opts, queues: make(map[string]*Queue)}
}

// Queue returns the queue for channel, creating it if needed.
func (r *Registry) Queue(channel string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[channel]
	if !ok {
		q = NewQueue(channel, r.opts...)
		r.queues[channel] = q
	}
	return q
}

// Lookup returns the queue for channel without creating it.
func (r *Registry) Lookup(channel string) (*Queue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[channel]
	return q, ok
}

// Remove drops the queue for channel, failing its pending calls with ErrClosed.
func (r *Registry) Remove(channel string) {
	r.mu.Lock()
	q, ok := r.queues[channel]
	delete(r.queues, channel)
	r.mu.Unlock()
	if ok {
		q.Close(ErrClosed)
	}
}

// Channels lists the channels that currently have a queue.
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.queues))
	for name := range r.queues {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close removes every queue.
func (r *Registry) Close() {
	for _, name := range r.Channels() {
		r.Remove(name)
	}
}

type outcome struct {
	resp *jsonrpc.Response
	err  error
}

// Waiter turns a Callback into a blocking wait. Only the first outcome is kept.
type Waiter struct {
	ch chan outcome
}

// NewWaiter creates a Waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan outcome, 1)}
}

// Callback returns the callback to register for the call.
func (w *Waiter) Callback() Callback {
	return func(resp *jsonrpc.Response, err error) {
		select {
		case w.ch <- outcome{resp: resp, err: err}:
		default:
		}
	}
}

// Wait blocks until the outcome arrives or ctx ends. On ctx end the caller is
// expected to cancel the correlation entry.
func (w *Waiter) Wait(ctx context.Context) (*jsonrpc.Response, error) {
	select {
	case o := <-w.ch:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
