package builtin

import (
	"context"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/proxy"
)

// Relay forwards messages to echo agents through typed proxies.
type Relay struct {
	agent.Base
}

func (r *Relay) echo(target string) *EchoClient {
	return NewEchoClient(r.Env().Caller(target, EchoContract))
}

func (r *Relay) relay(ctx context.Context, target, message string) (string, error) {
	return r.echo(target).Echo(ctx, message)
}

// fanout echoes message at every target concurrently. Answers keep the order
// of targets; the first failure is returned once every call has settled.
func (r *Relay) fanout(ctx context.Context, targets []string, message string) ([]string, error) {
	if len(targets) == 0 {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "targets is empty")
	}
	futures := make([]*proxy.Future[string], len(targets))
	for i, target := range targets {
		futures[i] = r.echo(target).EchoAsync(ctx, message)
	}
	out := make([]string, len(targets))
	var first error
	for i, f := range futures {
		v, err := f.Wait(ctx)
		if err != nil && first == nil {
			first = err
		}
		out[i] = v
	}
	if first != nil {
		return nil, first
	}
	return out, nil
}

var relayTable = agent.NewTable("demo.relay", (*Relay)(nil)).
	Implements(RelayContract).
	MustRegister("relay", (*Relay).relay, method.Required("target"), method.Required("message")).
	MustRegister("fanout", (*Relay).fanout, method.Required("targets"), method.Required("message"))

// RelayType is demo.relay. It keeps nothing between calls, so every call gets
// a fresh instance.
var RelayType = &agent.Type{
	Name:    "demo.relay",
	Version: "1.0.0",
	New: func(env *agent.Env) (agent.Agent, error) {
		return &Relay{Base: agent.NewBase(env)}, nil
	},
	Methods: relayTable,
}
