package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/proxy"
	"github.com/morezero/agent-host/pkg/scheduler"
	"github.com/morezero/agent-host/pkg/state"
)

// Host is what an agent sees of the runtime that hosts it.
type Host interface {
	Send(ctx context.Context, sender, target string, req *jsonrpc.Request) (*jsonrpc.Response, error)
	SendAsync(ctx context.Context, sender, target string, req *jsonrpc.Request, cb correlation.Callback)
	SenderURL(agentID, target string) (string, bool)
	URLs(agentID string) []string
	Caller(agentID, target string, contract *method.Contract) *proxy.Caller
	StateOf(ctx context.Context, agentID string) (state.Store, error)
	SchedulerOf(agentID string) scheduler.Scheduler
	RefsOf(agentID string) *Refs
}

// Env is the per-instance environment: identity, type, host and the current
// state and scheduler, which change when the host swaps its factories.
type Env struct {
	id   string
	typ  *Type
	host Host

	mu    sync.RWMutex
	state state.Store
	sched scheduler.Scheduler
}

// NewEnv creates an environment. st and sched may be nil.
func NewEnv(id string, typ *Type, host Host, st state.Store, sched scheduler.Scheduler) *Env {
	return &Env{id: id, typ: typ, host: host, state: st, sched: sched}
}

// ID returns the agent id.
func (e *Env) ID() string { return e.id }

// Type returns the agent's type.
func (e *Env) Type() *Type { return e.typ }

// Host returns the hosting runtime.
func (e *Env) Host() Host { return e.host }

// State returns the agent's state store.
func (e *Env) State() state.Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Scheduler returns the agent's scheduler, or nil when the host has none.
func (e *Env) Scheduler() scheduler.Scheduler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sched
}

// Refs returns the agent's in-memory arena. It outlives the instance and is
// dropped when the agent is deleted.
func (e *Env) Refs() *Refs {
	if e.host == nil {
		return nil
	}
	return e.host.RefsOf(e.id)
}

// URLs lists the addresses the agent is reachable at.
func (e *Env) URLs() []string {
	if e.host == nil {
		return nil
	}
	return e.host.URLs(e.id)
}

// Send calls target on behalf of the agent and waits for the response.
func (e *Env) Send(ctx context.Context, target string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if e.host == nil {
		return nil, fmt.Errorf("%s - %s is not hosted", logPrefix, e.id)
	}
	sender, _ := e.host.SenderURL(e.id, target)
	return e.host.Send(ctx, sender, target, req)
}

// SendAsync calls target on behalf of the agent; cb receives the outcome.
func (e *Env) SendAsync(ctx context.Context, target string, req *jsonrpc.Request, cb correlation.Callback) {
	if e.host == nil {
		go cb(nil, fmt.Errorf("%s - %s is not hosted", logPrefix, e.id))
		return
	}
	sender, _ := e.host.SenderURL(e.id, target)
	e.host.SendAsync(ctx, sender, target, req, cb)
}

// Caller returns a proxy caller for target acting as this agent.
func (e *Env) Caller(target string, contract *method.Contract) *proxy.Caller {
	return e.host.Caller(e.id, target, contract)
}

func (e *Env) refreshState(ctx context.Context) error {
	if e.host == nil {
		return nil
	}
	st, err := e.host.StateOf(ctx, e.id)
	if err != nil {
		return fmt.Errorf("%s - refresh state of %s: %w", logPrefix, e.id, err)
	}
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
	return nil
}

func (e *Env) refreshScheduler() {
	if e.host == nil {
		return
	}
	sched := e.host.SchedulerOf(e.id)
	e.mu.Lock()
	e.sched = sched
	e.mu.Unlock()
}
