// Package transport defines how a host reaches agents it does not run itself,
// and how requests from other hosts reach it.
package transport

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/jsonrpc"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

// Service carries requests to agent URLs of the protocols it serves.
type Service interface {
	// Key identifies the service in the host's registry.
	Key() string
	// Protocols lists the URL schemes the service handles.
	Protocols() []string
	// Send delivers req and waits for the response.
	Send(ctx context.Context, sender, target string, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// SendAsync delivers req; cb receives the outcome exactly once, never
	// before SendAsync returns.
	SendAsync(ctx context.Context, sender, target string, req *jsonrpc.Request, cb correlation.Callback)
	// ResolveLocalID returns the agent id when url addresses an agent of
	// this host through this service.
	ResolveLocalID(url string) (string, bool)
	// ResolveURL returns the URL of a local agent on this service.
	ResolveURL(agentID string) (string, bool)
	Close() error
}

// Receiver handles requests arriving from a transport. It is implemented by
// the host.
type Receiver interface {
	Receive(ctx context.Context, sender, agentID string, req *jsonrpc.Request) *jsonrpc.Response
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, sender, agentID string, req *jsonrpc.Request) *jsonrpc.Response

// Receive implements Receiver.
func (f ReceiverFunc) Receive(ctx context.Context, sender, agentID string, req *jsonrpc.Request) *jsonrpc.Response {
	return f(ctx, sender, agentID, req)
}

// Scheme returns the lower-cased scheme of rawURL, or "" when it has none.
func Scheme(rawURL string) string {
	i := strings.Index(rawURL, ":")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(rawURL[:i])
}

// AgentURL is the parsed form of "scheme://host/agents/{id}".
type AgentURL struct {
	Scheme  string
	Host    string
	AgentID string
}

// ParseAgentURL splits an agent URL. The agent id is path-unescaped.
func ParseAgentURL(rawURL string) (*AgentURL, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	escaped, ok := strings.CutPrefix(u.EscapedPath(), "/agents/")
	if !ok || escaped == "" || strings.Contains(escaped, "/") {
		return nil, false
	}
	id, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, false
	}
	return &AgentURL{Scheme: strings.ToLower(u.Scheme), Host: u.Host, AgentID: id}, true
}

// String renders the URL, escaping the agent id.
func (u *AgentURL) String() string {
	return u.Scheme + "://" + u.Host + "/agents/" + url.PathEscape(u.AgentID)
}
