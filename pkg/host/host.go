// Package host runs agents and routes calls between them. A call to an agent
// this host runs is dispatched in-process; any other call is handed to the
// transport serving the target URL's scheme.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/cache"
	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/dispatcher"
	"github.com/morezero/agent-host/pkg/events"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/proxy"
	"github.com/morezero/agent-host/pkg/scheduler"
	"github.com/morezero/agent-host/pkg/state"
	"github.com/morezero/agent-host/pkg/transport"
)

const logPrefix = "host:host"

var (
	// ErrNoTransport is matched by *ProtocolError.
	ErrNoTransport = errors.New("no transport for protocol")
	// ErrAgentNotFound is returned for ids the state factory does not know.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("host is shut down")
)

// ProtocolError reports a target URL no registered transport can carry.
type ProtocolError struct {
	Protocol string
	URL      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("no transport service registered for protocol %q (url %q)", e.Protocol, e.URL)
}

// Unwrap makes errors.Is(err, ErrNoTransport) hold.
func (e *ProtocolError) Unwrap() error { return ErrNoTransport }

// Config tunes a Host. Zero values use the defaults below.
type Config struct {
	// Name is the host name reported in lifecycle events.
	Name string
	// Shortcut dispatches calls addressed to a local agent through a
	// transport URL in-process.
	Shortcut bool
	// CacheSize bounds the resident instances of reusable types.
	CacheSize int
	// MaxWorkers bounds local asynchronous calls running at once.
	MaxWorkers int64
	// CallTimeout fails proxy calls that get no answer in time. Zero waits
	// until the caller's context ends.
	CallTimeout time.Duration
	// ProxyCacheSize bounds the cached proxy callers.
	ProxyCacheSize int
}

// Defaults.
const (
	DefaultMaxWorkers = 64
)

// Option configures a Host at construction.
type Option func(*Host)

// WithSchedulerFactory replaces the in-process timer scheduler.
func WithSchedulerFactory(f scheduler.Factory) Option {
	return func(h *Host) { h.scheds = f }
}

// WithEvents publishes agent lifecycle events.
func WithEvents(p events.EventPublisher) Option {
	return func(h *Host) { h.events = p }
}

// Host is the agent runtime. Create it with New and stop it with Shutdown.
type Host struct {
	cfg        Config
	catalog    *agent.Catalog
	dispatcher *dispatcher.Dispatcher
	instances  *cache.Cache[agent.Agent]
	loads      singleflight.Group
	queues     *correlation.Registry
	proxies    *proxy.Factory
	workers    *semaphore.Weighted
	events     events.EventPublisher

	transports atomic.Pointer[[]transport.Service]
	writeMu    sync.Mutex

	factoryMu sync.RWMutex
	states    state.Factory
	scheds    scheduler.Factory

	refsMu sync.Mutex
	refs   map[string]*agent.Refs

	// deleting holds ids whose teardown waits for in-flight calls.
	deleting sync.Map

	// runMu orders wg.Add in SendAsync before the closing Wait.
	runMu  sync.RWMutex
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a host running the types of catalog with state kept in states.
func New(catalog *agent.Catalog, states state.Factory, cfg Config, opts ...Option) (*Host, error) {
	if catalog == nil || states == nil {
		return nil, fmt.Errorf("%s - catalog and state factory are required", logPrefix)
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}

	h := &Host{
		cfg:        cfg,
		catalog:    catalog,
		dispatcher: dispatcher.NewDispatcher(catalog.Methods()),
		workers:    semaphore.NewWeighted(cfg.MaxWorkers),
		events:     &events.NoOpPublisher{},
		states:     states,
		refs:       make(map[string]*agent.Refs),
	}
	var queueOpts []correlation.QueueOption
	if cfg.CallTimeout > 0 {
		queueOpts = append(queueOpts, correlation.WithTimeout(cfg.CallTimeout))
	}
	h.queues = correlation.NewRegistry(queueOpts...)
	h.instances = cache.New[agent.Agent](cfg.CacheSize, cache.WithOnEvict(func(id string, a agent.Agent) {
		h.signal(context.Background(), a, agent.Signal{Name: agent.SignalDestroy})
	}))
	proxies, err := proxy.NewFactory(h, h.queues, cfg.ProxyCacheSize)
	if err != nil {
		return nil, err
	}
	h.proxies = proxies
	empty := []transport.Service{}
	h.transports.Store(&empty)

	for _, opt := range opts {
		opt(h)
	}
	if h.scheds == nil {
		h.scheds = scheduler.NewTimerFactory(h.runTask)
	}
	return h, nil
}

// Catalog returns the agent types this host runs.
func (h *Host) Catalog() *agent.Catalog { return h.catalog }

// Name returns the configured host name.
func (h *Host) Name() string { return h.cfg.Name }

// runTask delivers a scheduled request. Tasks run as the agent itself.
func (h *Host) runTask(ctx context.Context, agentID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	return h.invokeLocal(ctx, localURL(agentID), agentID, req), nil
}

// StateOf returns the agent's store from the current state factory.
func (h *Host) StateOf(ctx context.Context, agentID string) (state.Store, error) {
	st, err := h.stateFactory().Get(ctx, agentID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%s - %w: %s", logPrefix, ErrAgentNotFound, agentID)
	}
	return st, err
}

// SchedulerOf returns the agent's scheduler from the current factory.
func (h *Host) SchedulerOf(agentID string) scheduler.Scheduler {
	h.factoryMu.RLock()
	f := h.scheds
	h.factoryMu.RUnlock()
	if f == nil {
		return nil
	}
	return f.Get(agentID)
}

// RefsOf returns the agent's in-memory arena, creating it on first use.
func (h *Host) RefsOf(agentID string) *agent.Refs {
	h.refsMu.Lock()
	defer h.refsMu.Unlock()
	r, ok := h.refs[agentID]
	if !ok {
		r = agent.NewRefs()
		h.refs[agentID] = r
	}
	return r
}

// Caller returns a proxy caller for target acting as agentID ("" for none).
func (h *Host) Caller(agentID, target string, contract *method.Contract) *proxy.Caller {
	return h.proxies.Caller(agentID, target, contract)
}

// Queues exposes the correlation registry, one queue per calling agent.
func (h *Host) Queues() *correlation.Registry { return h.queues }

func (h *Host) stateFactory() state.Factory {
	h.factoryMu.RLock()
	defer h.factoryMu.RUnlock()
	return h.states
}

// signal delivers sig to a, turning panics into errors.
func (h *Host) signal(ctx context.Context, a agent.Agent, sig agent.Signal) (err error) {
	s, ok := a.(agent.Signaler)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s - %s panicked on %s: %v", logPrefix, a.ID(), sig.Name, r)
		}
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - signal %s to %s: %v", logPrefix, sig.Name, a.ID(), err))
		}
	}()
	return s.OnSignal(ctx, sig)
}

// broadcast delivers sig to every resident agent. Failures are collected and
// do not stop the broadcast.
func (h *Host) broadcast(ctx context.Context, sig agent.Signal) error {
	var errs []error
	h.instances.Range(func(id string, a agent.Agent) bool {
		if err := h.signal(ctx, a, sig); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// SetStateFactory swaps the state factory and tells resident agents.
func (h *Host) SetStateFactory(ctx context.Context, f state.Factory) error {
	if f == nil {
		return fmt.Errorf("%s - nil state factory", logPrefix)
	}
	h.factoryMu.Lock()
	h.states = f
	h.factoryMu.Unlock()
	return h.broadcast(ctx, agent.Signal{Name: agent.SignalSetStateFactory})
}

// SetSchedulerFactory swaps the scheduler factory, closing the previous one
// when it can be closed, and tells resident agents.
func (h *Host) SetSchedulerFactory(ctx context.Context, f scheduler.Factory) error {
	if f == nil {
		return fmt.Errorf("%s - nil scheduler factory", logPrefix)
	}
	h.factoryMu.Lock()
	old := h.scheds
	h.scheds = f
	h.factoryMu.Unlock()
	if c, ok := old.(interface{ Close() }); ok && old != f {
		c.Close()
	}
	return h.broadcast(ctx, agent.Signal{Name: agent.SignalSetSchedulerFactory})
}

// Shutdown stops the host: transports are closed, in-flight local calls are
// awaited (bounded by ctx), resident agents get the destroy signal and pending
// proxy calls fail.
func (h *Host) Shutdown(ctx context.Context) error {
	h.runMu.Lock()
	first := h.closed.CompareAndSwap(false, true)
	h.runMu.Unlock()
	if !first {
		return nil
	}
	slog.Info(fmt.Sprintf("%s - Shutting down host %s", logPrefix, h.cfg.Name))

	var errs []error
	h.writeMu.Lock()
	services := *h.transports.Load()
	empty := []transport.Service{}
	h.transports.Store(&empty)
	h.writeMu.Unlock()
	for _, svc := range services {
		if err := svc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s - close %s: %w", logPrefix, svc.Key(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("%s - waiting for workers: %w", logPrefix, ctx.Err()))
	}

	h.factoryMu.RLock()
	scheds := h.scheds
	h.factoryMu.RUnlock()
	if c, ok := scheds.(interface{ Close() }); ok {
		c.Close()
	}
	h.instances.Clear()
	h.queues.Close()
	return errors.Join(errs...)
}
