// Package builtin provides the agent types every host ships with and typed
// clients for them. The clients are plain adapters over a proxy.Caller, one
// method per contract method.
package builtin

import (
	"context"

	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/proxy"
)

// EchoContract is spoken by demo.echo.
var EchoContract = method.NewContract("demo.echo").
	Method("echo", method.Required("message")).
	Method("ping")

// CounterContract is spoken by demo.counter.
var CounterContract = method.NewContract("demo.counter").
	Method("increment", method.Required("by")).
	Method("get").
	Method("reset").
	Method("startTicking", method.Required("intervalMs")).
	Method("stopTicking")

// RelayContract is spoken by demo.relay.
var RelayContract = method.NewContract("demo.relay").
	Method("relay", method.Required("target"), method.Required("message")).
	Method("fanout", method.Required("targets"), method.Required("message"))

// EchoClient calls a demo.echo agent.
type EchoClient struct {
	c *proxy.Caller
}

// NewEchoClient wraps a caller speaking EchoContract.
func NewEchoClient(c *proxy.Caller) *EchoClient { return &EchoClient{c: c} }

func (e *EchoClient) Echo(ctx context.Context, message string) (string, error) {
	return proxy.Call[string](ctx, e.c, "echo", message)
}

// EchoAsync starts an echo call without waiting for it.
func (e *EchoClient) EchoAsync(ctx context.Context, message string) *proxy.Future[string] {
	return proxy.Go[string](ctx, e.c, "echo", message)
}

func (e *EchoClient) Ping(ctx context.Context) (string, error) {
	return proxy.Call[string](ctx, e.c, "ping")
}

// CounterClient calls a demo.counter agent.
type CounterClient struct {
	c *proxy.Caller
}

// NewCounterClient wraps a caller speaking CounterContract.
func NewCounterClient(c *proxy.Caller) *CounterClient { return &CounterClient{c: c} }

func (k *CounterClient) Increment(ctx context.Context, by int) (int, error) {
	return proxy.Call[int](ctx, k.c, "increment", by)
}

func (k *CounterClient) Get(ctx context.Context) (int, error) {
	return proxy.Call[int](ctx, k.c, "get")
}

func (k *CounterClient) Reset(ctx context.Context) error {
	return k.c.Invoke(ctx, "reset", nil)
}

// StartTicking makes the counter increment itself every interval and returns
// the task id.
func (k *CounterClient) StartTicking(ctx context.Context, intervalMs int) (string, error) {
	return proxy.Call[string](ctx, k.c, "startTicking", intervalMs)
}

func (k *CounterClient) StopTicking(ctx context.Context) (bool, error) {
	return proxy.Call[bool](ctx, k.c, "stopTicking")
}

// RelayClient calls a demo.relay agent.
type RelayClient struct {
	c *proxy.Caller
}

// NewRelayClient wraps a caller speaking RelayContract.
func NewRelayClient(c *proxy.Caller) *RelayClient { return &RelayClient{c: c} }

func (r *RelayClient) Relay(ctx context.Context, target, message string) (string, error) {
	return proxy.Call[string](ctx, r.c, "relay", target, message)
}

func (r *RelayClient) Fanout(ctx context.Context, targets []string, message string) ([]string, error) {
	return proxy.Call[[]string](ctx, r.c, "fanout", targets, message)
}
