package host

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/transport"
)

// LocalScheme addresses agents of this host without a transport.
const LocalScheme = "local"

var localPrefix = regexp.MustCompile(`^local:/{0,2}`)

func localURL(agentID string) string { return LocalScheme + ":" + agentID }

// localID returns the agent id of a "local:" URL.
func localID(target string) (string, bool) {
	loc := localPrefix.FindStringIndex(target)
	if loc == nil {
		return "", false
	}
	return target[loc[1]:], true
}

type route struct {
	local   bool
	agentID string
	svc     transport.Service
}

// route picks how target is reached: the local scheme first, then a
// transport URL addressed to this host (when shortcutting), then the
// transport serving the URL's scheme.
func (h *Host) route(target string) (route, error) {
	if id, ok := localID(target); ok {
		return route{local: true, agentID: id}, nil
	}
	services := h.transportList()
	if h.cfg.Shortcut {
		for _, svc := range services {
			if id, ok := svc.ResolveLocalID(target); ok {
				return route{local: true, agentID: id}, nil
			}
		}
	}
	scheme := transport.Scheme(target)
	for _, svc := range services {
		if slices.Contains(svc.Protocols(), scheme) {
			return route{svc: svc}, nil
		}
	}
	return route{}, &ProtocolError{Protocol: scheme, URL: target}
}

// Send delivers req to target and waits for the response. A target no
// transport can carry yields a *ProtocolError.
func (h *Host) Send(ctx context.Context, sender, target string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	req.EnsureID()
	r, err := h.route(target)
	if err != nil {
		return nil, err
	}
	if r.local {
		return h.invokeLocal(ctx, sender, r.agentID, req), nil
	}
	return r.svc.Send(ctx, sender, target, req)
}

// SendAsync delivers req to target; cb receives the outcome exactly once and
// never before SendAsync returns. Local calls run on a bounded worker pool.
func (h *Host) SendAsync(ctx context.Context, sender, target string, req *jsonrpc.Request, cb correlation.Callback) {
	if h.closed.Load() {
		go cb(nil, ErrClosed)
		return
	}
	req.EnsureID()
	r, err := h.route(target)
	if err != nil {
		go cb(nil, err)
		return
	}
	if !r.local {
		r.svc.SendAsync(ctx, sender, target, req, cb)
		return
	}

	h.runMu.RLock()
	if h.closed.Load() {
		h.runMu.RUnlock()
		go cb(nil, ErrClosed)
		return
	}
	h.wg.Add(1)
	h.runMu.RUnlock()
	go func() {
		defer h.wg.Done()
		if err := h.workers.Acquire(ctx, 1); err != nil {
			cb(nil, err)
			return
		}
		defer h.workers.Release(1)
		cb(h.invokeLocal(ctx, sender, r.agentID, req), nil)
	}()
}

// SenderURL returns the URL agentID should present when calling target: its
// local URL for local targets, otherwise its URL on the transport that
// carries target.
func (h *Host) SenderURL(agentID, target string) (string, bool) {
	if _, ok := localID(target); ok {
		return localURL(agentID), true
	}
	scheme := transport.Scheme(target)
	for _, svc := range h.transportList() {
		if !slices.Contains(svc.Protocols(), scheme) {
			continue
		}
		if url, ok := svc.ResolveURL(agentID); ok {
			return url, true
		}
	}
	return "", false
}

// AgentID returns the id of the local agent url addresses.
func (h *Host) AgentID(url string) (string, bool) {
	if id, ok := localID(url); ok {
		return id, id != ""
	}
	for _, svc := range h.transportList() {
		if id, ok := svc.ResolveLocalID(url); ok {
			return id, true
		}
	}
	return "", false
}

// URLs lists the addresses agentID is reachable at, local URL first.
func (h *Host) URLs(agentID string) []string {
	urls := []string{localURL(agentID)}
	for _, svc := range h.transportList() {
		if url, ok := svc.ResolveURL(agentID); ok {
			urls = append(urls, url)
		}
	}
	return urls
}

func (h *Host) transportList() []transport.Service {
	return *h.transports.Load()
}

// Transports returns the registered transport keys.
func (h *Host) Transports() []string {
	services := h.transportList()
	keys := make([]string, len(services))
	for i, svc := range services {
		keys[i] = svc.Key()
	}
	return keys
}

// AddTransport registers svc, replacing a service with the same key, and
// tells resident agents.
func (h *Host) AddTransport(ctx context.Context, svc transport.Service) error {
	if h.closed.Load() {
		return ErrClosed
	}
	h.writeMu.Lock()
	current := h.transportList()
	next := make([]transport.Service, 0, len(current)+1)
	for _, s := range current {
		if s.Key() != svc.Key() {
			next = append(next, s)
		}
	}
	next = append(next, svc)
	h.transports.Store(&next)
	h.writeMu.Unlock()

	slog.Info(fmt.Sprintf("%s - Registered transport %s %v", logPrefix, svc.Key(), svc.Protocols()))
	return h.broadcast(ctx, agent.Signal{Name: agent.SignalAddTransportService, Data: svc.Key()})
}

// RemoveTransport unregisters the service with key and tells resident
// agents. The service is not closed. It reports whether the key was known.
func (h *Host) RemoveTransport(ctx context.Context, key string) (bool, error) {
	h.writeMu.Lock()
	current := h.transportList()
	next := make([]transport.Service, 0, len(current))
	for _, s := range current {
		if s.Key() != key {
			next = append(next, s)
		}
	}
	removed := len(next) != len(current)
	if removed {
		h.transports.Store(&next)
	}
	h.writeMu.Unlock()

	if !removed {
		return false, nil
	}
	slog.Info(fmt.Sprintf("%s - Removed transport %s", logPrefix, key))
	return true, h.broadcast(ctx, agent.Signal{Name: agent.SignalRemoveTransportService, Data: key})
}
