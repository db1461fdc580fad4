// Package proxy turns method calls into routed requests and waits for their
// responses. Typed clients for a contract are written by hand on top of a
// Caller (see pkg/builtin for examples).
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
)

const logPrefix = "proxy:caller"

// PoolChannel is the correlation channel used by callers that do not act on
// behalf of a local agent.
const PoolChannel = "proxy"

// Sender is the part of the host a Caller needs.
type Sender interface {
	SendAsync(ctx context.Context, sender, target string, req *jsonrpc.Request, cb correlation.Callback)
	SenderURL(agentID, target string) (string, bool)
}

// Caller sends the methods of one contract to one target.
type Caller struct {
	host     Sender
	queues   *correlation.Registry
	agentID  string
	target   string
	contract *method.Contract
}

// NewCaller creates a caller acting for agentID (empty for none).
func NewCaller(host Sender, queues *correlation.Registry, agentID, target string, contract *method.Contract) *Caller {
	return &Caller{host: host, queues: queues, agentID: agentID, target: target, contract: contract}
}

// Target returns the URL calls are sent to.
func (c *Caller) Target() string { return c.target }

// Contract returns the contract the caller speaks.
func (c *Caller) Contract() *method.Contract { return c.contract }

// Invoke calls methodName with positional args named by the contract and
// blocks until the response arrives or ctx ends. A remote error is returned
// as *jsonrpc.Error. The result is decoded into out, a non-nil pointer, or
// discarded when out is nil; a call that returned nothing leaves out alone.
func (c *Caller) Invoke(ctx context.Context, methodName string, out any, args ...any) error {
	if out != nil {
		if rv := reflect.ValueOf(out); rv.Kind() != reflect.Pointer || rv.IsNil() {
			return fmt.Errorf("%s - out must be a non-nil pointer, got %T", logPrefix, out)
		}
	}
	p, err := c.start(ctx, methodName, args...)
	if err != nil {
		return err
	}
	resp, err := p.wait(ctx)
	if err != nil {
		return err
	}
	return decodeInto(resp, out)
}

// Call is Invoke with a typed result.
func Call[T any](ctx context.Context, c *Caller, methodName string, args ...any) (T, error) {
	var out T
	err := c.Invoke(ctx, methodName, &out, args...)
	return out, err
}

type pendingCall struct {
	queue  *correlation.Queue
	id     string
	method string
	waiter *correlation.Waiter
}

// start registers a one-shot correlation entry and submits the request.
func (c *Caller) start(ctx context.Context, methodName string, args ...any) (*pendingCall, error) {
	req, err := c.contract.Request(methodName, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - %s.%s: %w", logPrefix, c.contract.Name(), methodName, err)
	}
	channel := c.agentID
	if channel == "" {
		channel = PoolChannel
	}
	q := c.queues.Queue(channel)
	w := correlation.NewWaiter()
	if err := q.Push(req.ID, w.Callback()); err != nil {
		return nil, err
	}

	sender := ""
	if c.agentID != "" {
		sender, _ = c.host.SenderURL(c.agentID, c.target)
	}
	id := req.ID
	c.host.SendAsync(ctx, sender, c.target, req, func(resp *jsonrpc.Response, err error) {
		if err != nil {
			q.Fail(id, err)
			return
		}
		q.Resolve(id, resp)
	})
	return &pendingCall{queue: q, id: id, method: methodName, waiter: w}, nil
}

func (p *pendingCall) wait(ctx context.Context) (*jsonrpc.Response, error) {
	resp, err := p.waiter.Wait(ctx)
	if ctxErr := ctx.Err(); err != nil && errors.Is(err, ctxErr) {
		if p.queue.Cancel(p.id) {
			slog.Debug(fmt.Sprintf("%s - %s (%s) abandoned: %v", logPrefix, p.method, p.id, ctxErr))
			return nil, ctxErr
		}
		// The outcome won the race; use it.
		return p.waiter.Wait(context.Background())
	}
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, resp.Error
	}
	return resp, nil
}

func decodeInto(resp *jsonrpc.Response, out any) error {
	if out == nil || !resp.HasValue() {
		return nil
	}
	dst := reflect.ValueOf(out).Elem()
	v, err := method.Convert(resp.Result, dst.Type())
	if err != nil {
		return jsonrpc.NewError(jsonrpc.CodeRemoteException, fmt.Sprintf("unexpected result: %v", err))
	}
	dst.Set(v)
	return nil
}
