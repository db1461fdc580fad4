// Package agent defines what the host runs: addressable, stateful agents,
// the environment the host hands them, and the catalog of agent types.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/state"
)

const logPrefix = "agent:agent"

// Agent is an addressable instance hosted by the runtime. Concrete types
// embed Base and register a method table through a Type.
type Agent interface {
	ID() string
	Env() *Env
}

// Signaler receives lifecycle and registry-change signals from the host.
type Signaler interface {
	OnSignal(ctx context.Context, sig Signal) error
}

// Signal names.
const (
	SignalCreate                 = "create"
	SignalInit                   = "init"
	SignalDestroy                = "destroy"
	SignalDelete                 = "delete"
	SignalInvoke                 = "invoke"
	SignalRespond                = "respond"
	SignalResponse               = "response"
	SignalException              = "exception"
	SignalSend                   = "send"
	SignalAddTransportService    = "addTransportService"
	SignalRemoveTransportService = "removeTransportService"
	SignalSetStateFactory        = "setStateFactory"
	SignalSetSchedulerFactory    = "setSchedulerFactory"
)

// Signal is delivered to an agent by the host. Data depends on Name:
// the request for invoke and send, the response for respond, response and
// exception, the transport key for the transport signals.
type Signal struct {
	Name string
	Data any
}

// Base carries the behaviour shared by every agent. Embed it by value and
// create it with NewBase.
type Base struct {
	env *Env
}

// NewBase binds a Base to its environment.
func NewBase(env *Env) Base {
	return Base{env: env}
}

// ID returns the agent id.
func (b *Base) ID() string { return b.env.ID() }

// Env returns the agent's environment.
func (b *Base) Env() *Env { return b.env }

// OnAccess accepts every sender for private methods. Override to restrict.
func (b *Base) OnAccess(sender, tag string) bool { return true }

// IsSelf reports whether sender is one of the agent's own URLs.
func (b *Base) IsSelf(sender string) bool {
	if sender == "" {
		return false
	}
	return slices.Contains(b.env.URLs(), sender)
}

// OnSignal handles the signals every agent reacts to. Types that override it
// should call it for the signals they do not consume.
func (b *Base) OnSignal(ctx context.Context, sig Signal) error {
	switch sig.Name {
	case SignalDelete:
		return b.onDelete(ctx)
	case SignalSetStateFactory:
		return b.env.refreshState(ctx)
	case SignalSetSchedulerFactory:
		b.env.refreshScheduler()
	case SignalException:
		if resp, ok := sig.Data.(*jsonrpc.Response); ok && resp.Error != nil {
			slog.Debug(fmt.Sprintf("%s - %s answered with error: %v", logPrefix, b.ID(), resp.Error))
		}
	}
	return nil
}

// onDelete cancels the agent's tasks and wipes its state, keeping only the
// type marker. The host removes the state itself afterwards.
func (b *Base) onDelete(ctx context.Context) error {
	if sched := b.env.Scheduler(); sched != nil {
		for _, id := range sched.Tasks() {
			sched.CancelTask(id)
		}
	}
	st := b.env.State()
	if st == nil {
		return nil
	}
	if err := st.Clear(ctx); err != nil {
		return fmt.Errorf("%s - clear state of %s: %w", logPrefix, b.ID(), err)
	}
	if typ := b.env.Type(); typ != nil {
		if err := st.Put(ctx, state.KeyType, typ.Ref()); err != nil {
			return fmt.Errorf("%s - restore type of %s: %w", logPrefix, b.ID(), err)
		}
	}
	return nil
}
