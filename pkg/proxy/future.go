package proxy

import (
	"context"
	"sync"
)

// Future is a call in flight. The outcome is kept once it arrives, so Wait
// can be called any number of times.
type Future[T any] struct {
	call *pendingCall
	done chan struct{}

	once sync.Once
	val  T
	err  error
}

// Go starts a call without blocking. The call stays registered until it
// resolves, fails, times out on the channel or is cancelled.
func Go[T any](ctx context.Context, c *Caller, methodName string, args ...any) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	p, err := c.start(ctx, methodName, args...)
	if err != nil {
		f.finish(f.val, err)
		return f
	}
	f.call = p
	go func() {
		resp, err := p.wait(context.Background())
		var out T
		if err == nil {
			err = decodeInto(resp, &out)
		}
		f.finish(out, err)
	}()
	return f
}

func (f *Future[T]) finish(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed when the outcome is known.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the outcome is known or ctx ends. An ended ctx does not
// cancel the call; use Cancel for that.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel abandons the call. A response that arrives later is discarded. It
// reports whether the call was still pending.
func (f *Future[T]) Cancel() bool {
	if f.call == nil {
		return false
	}
	return f.call.queue.Cancel(f.call.id)
}
