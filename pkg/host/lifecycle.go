package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/events"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/state"
)

// CreateAgent creates agent id of the type typeRef resolves to ("name",
// "name@1", "name@1.2.0"...). The id must be new.
func (h *Host) CreateAgent(ctx context.Context, id, typeRef string) (agent.Agent, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if id == "" {
		return nil, fmt.Errorf("%s - agent id is required", logPrefix)
	}
	typ, err := h.catalog.Lookup(typeRef)
	if err != nil {
		return nil, err
	}

	states := h.stateFactory()
	st, err := states.Create(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s - create %s: %w", logPrefix, id, err)
	}
	if err := st.Put(ctx, state.KeyType, typ.Ref()); err != nil {
		_ = states.Delete(ctx, id)
		return nil, fmt.Errorf("%s - store type of %s: %w", logPrefix, id, err)
	}

	a, err := h.instantiate(ctx, id, typ, st, agent.SignalCreate, agent.SignalInit)
	if err != nil {
		_ = states.Delete(ctx, id)
		return nil, err
	}
	if typ.Reusable {
		h.instances.Put(id, a)
	}

	slog.Info(fmt.Sprintf("%s - Created agent %s (%s)", logPrefix, id, typ.Ref()))
	h.publish(ctx, events.KindCreated, id, typ.Ref())
	return a, nil
}

// GetAgent returns the instance of agent id, loading it if needed. Instances
// of non-reusable types are built for the caller and are not cached.
func (h *Host) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	a, release, err := h.checkout(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Env().Type().Reusable {
		release()
	}
	return a, nil
}

// HasAgent reports whether agent id exists.
func (h *Host) HasAgent(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if _, ok := h.deleting.Load(id); ok {
		return false, nil
	}
	if _, ok := h.instances.Get(id); ok {
		return true, nil
	}
	return h.stateFactory().Exists(ctx, id)
}

// DeleteAgent signals delete to the agent and removes its state, tasks,
// pending calls and refs. A resident instance gets the destroy signal only
// after calls still running on it return; the rest of the teardown waits with
// it. Deleting an unknown agent is a no-op.
func (h *Host) DeleteAgent(ctx context.Context, id string) error {
	a, release, err := h.checkout(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	typ := a.Env().Type()
	bg := context.WithoutCancel(ctx)

	sigErr := h.signal(ctx, a, agent.Signal{Name: agent.SignalDelete})
	h.deleting.Store(id, struct{}{})
	done := make(chan error, 1)
	cached := h.instances.Remove(id, func(resident agent.Agent) {
		h.signal(bg, resident, agent.Signal{Name: agent.SignalDestroy})
		done <- h.teardown(bg, id, typ)
	})
	release()
	if !cached {
		return errors.Join(sigErr, h.teardown(ctx, id, typ))
	}

	select {
	case err := <-done:
		return errors.Join(sigErr, err)
	default:
		slog.Info(fmt.Sprintf("%s - Delete of %s waits for calls in flight", logPrefix, id))
		return sigErr
	}
}

// teardown drops everything the host keeps for agent id.
func (h *Host) teardown(ctx context.Context, id string, typ *agent.Type) error {
	defer h.deleting.Delete(id)

	h.factoryMu.RLock()
	scheds := h.scheds
	h.factoryMu.RUnlock()
	if scheds != nil {
		scheds.Destroy(id)
	}
	h.queues.Remove(id)
	h.refsMu.Lock()
	refs, ok := h.refs[id]
	delete(h.refs, id)
	h.refsMu.Unlock()
	if ok {
		refs.Drop()
	}

	if err := h.stateFactory().Delete(ctx, id); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("%s - delete state of %s: %w", logPrefix, id, err)
	}
	slog.Info(fmt.Sprintf("%s - Deleted agent %s", logPrefix, id))
	h.publish(ctx, events.KindDeleted, id, typ.Ref())
	return nil
}

// Describe lists the methods agent id answers.
func (h *Host) Describe(ctx context.Context, id string) ([]method.Signature, error) {
	a, release, err := h.checkout(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	return h.dispatcher.Describe(a), nil
}

// Receive handles a request a transport delivered for agent agentID. A
// request with a callback is acknowledged at once; its outcome is sent to the
// callback URL later.
func (h *Host) Receive(ctx context.Context, sender, agentID string, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Callback == nil || req.Callback.URL == "" {
		return h.invokeLocal(ctx, sender, agentID, req)
	}

	cb := *req.Callback
	call := req.Clone()
	call.Callback = nil
	bg := context.WithoutCancel(ctx)
	h.SendAsync(bg, sender, localURL(agentID), call, func(resp *jsonrpc.Response, err error) {
		params := jsonrpc.Params{}
		switch {
		case err != nil:
			params["error"] = jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		case resp.IsError():
			params["error"] = resp.Error
		default:
			params["result"] = resp.Result
		}
		out := jsonrpc.NewRequest(cb.Method, params)
		from, _ := h.SenderURL(agentID, cb.URL)
		h.SendAsync(bg, from, cb.URL, out, func(r *jsonrpc.Response, err error) {
			if err != nil {
				slog.Warn(fmt.Sprintf("%s - callback %s to %s failed: %v", logPrefix, cb.Method, cb.URL, err))
			} else if r.IsError() {
				slog.Warn(fmt.Sprintf("%s - callback %s to %s answered: %v", logPrefix, cb.Method, cb.URL, r.Error))
			}
		})
	})
	return jsonrpc.NewResponse(req.ID, nil)
}

// invokeLocal runs req on agent id. Every failure comes back as a response.
func (h *Host) invokeLocal(ctx context.Context, sender, id string, req *jsonrpc.Request) *jsonrpc.Response {
	a, release, err := h.checkout(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeNotFound, fmt.Sprintf("Agent '%s' not found", id)))
		}
		slog.Warn(fmt.Sprintf("%s - load %s: %v", logPrefix, id, err))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error()))
	}
	defer release()

	h.signal(ctx, a, agent.Signal{Name: agent.SignalInvoke, Data: req})
	resp := h.dispatcher.Invoke(method.WithSender(ctx, sender), a, req)
	if resp.IsError() {
		h.signal(ctx, a, agent.Signal{Name: agent.SignalException, Data: resp})
	} else {
		h.signal(ctx, a, agent.Signal{Name: agent.SignalRespond, Data: resp})
	}
	return resp
}

// checkout returns a usable instance of agent id and the function to call
// when done with it. Resident instances are held against eviction until then;
// instances of non-reusable types get the destroy signal.
func (h *Host) checkout(ctx context.Context, id string) (agent.Agent, func(), error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%s - %w: empty id", logPrefix, ErrAgentNotFound)
	}
	if _, ok := h.deleting.Load(id); ok {
		return nil, nil, fmt.Errorf("%s - %w: %s is being deleted", logPrefix, ErrAgentNotFound, id)
	}
	if a, release, ok := h.instances.Acquire(id); ok {
		return a, release, nil
	}

	// Concurrent first loads of one agent share a single state read.
	v, err, _ := h.loads.Do(id, func() (any, error) {
		if a, ok := h.instances.Get(id); ok {
			return a, nil
		}
		typ, st, err := h.resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if !typ.Reusable {
			return typ, nil
		}
		a, err := h.instantiate(ctx, id, typ, st, agent.SignalInit)
		if err != nil {
			return nil, err
		}
		h.instances.Put(id, a)
		return a, nil
	})
	if err != nil {
		return nil, nil, err
	}

	switch loaded := v.(type) {
	case agent.Agent:
		if a, release, ok := h.instances.Acquire(id); ok {
			return a, release, nil
		}
		// Evicted before we could hold it; use it once more.
		return loaded, func() {}, nil
	case *agent.Type:
		st, err := h.StateOf(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		a, err := h.instantiate(ctx, id, loaded, st, agent.SignalInit)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { h.signal(context.WithoutCancel(ctx), a, agent.Signal{Name: agent.SignalDestroy}) }, nil
	}
	return nil, nil, fmt.Errorf("%s - unexpected load result %T", logPrefix, v)
}

// resolve reads the type marker of agent id.
func (h *Host) resolve(ctx context.Context, id string) (*agent.Type, state.Store, error) {
	st, err := h.StateOf(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var ref string
	found, err := st.Get(ctx, state.KeyType, &ref)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - read type of %s: %w", logPrefix, id, err)
	}
	if !found || ref == "" {
		return nil, nil, fmt.Errorf("%s - agent %s has no type", logPrefix, id)
	}
	typ, err := h.catalog.Lookup(ref)
	if err != nil {
		return nil, nil, err
	}
	return typ, st, nil
}

func (h *Host) instantiate(ctx context.Context, id string, typ *agent.Type, st state.Store, signals ...string) (agent.Agent, error) {
	env := agent.NewEnv(id, typ, h, st, h.SchedulerOf(id))
	a, err := typ.New(env)
	if err != nil {
		return nil, fmt.Errorf("%s - instantiate %s (%s): %w", logPrefix, id, typ.Ref(), err)
	}
	if a == nil {
		return nil, fmt.Errorf("%s - %s constructor returned nil", logPrefix, typ.Ref())
	}
	for _, name := range signals {
		if err := h.signal(ctx, a, agent.Signal{Name: name}); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (h *Host) publish(ctx context.Context, kind, id, typeRef string) {
	event := &events.AgentChangedEvent{
		Host:      h.cfg.Name,
		AgentID:   id,
		Type:      typeRef,
		Kind:      kind,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if kind == events.KindCreated {
		event.URLs = h.URLs(id)
	}
	if err := h.events.PublishChanged(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - publish %s event for %s: %v", logPrefix, kind, id, err))
	}
}
