package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-host/pkg/commsutil"
	"github.com/morezero/agent-host/pkg/correlation"
	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const natsLogPrefix = "transport:nats"

// ProtocolNATS is the URL scheme served by the NATS transport.
const ProtocolNATS = "nats"

// DefaultRequestTimeout bounds a remote call when the caller's context has
// no deadline.
const DefaultRequestTimeout = 25 * time.Second

// NATSConfig configures a NATS transport.
type NATSConfig struct {
	// HostName is the host part of this host's agent URLs.
	HostName string
	// Codec encodes outgoing envelopes. Incoming ones are decoded by their
	// content type. Defaults to JSON.
	Codec jsonrpc.Codec
	// RequestTimeout bounds remote calls. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// QueueGroup lets several processes serve the same host name.
	QueueGroup string
}

// NATS carries requests over COMMS subjects. Agent "nats://{host}/agents/{id}"
// listens on "agents.{host}.{id}"; replies to asynchronous calls come back on
// a per-transport inbox.
type NATS struct {
	nc      *comms.Conn
	cfg     NATSConfig
	pending *correlation.Queue
	inbox   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	requests *comms.Subscription
	replies  *comms.Subscription
	closed   bool
}

// NewNATS creates a transport over an open connection. The connection stays
// owned by the caller.
func NewNATS(nc *comms.Conn, cfg NATSConfig) *NATS {
	if cfg.Codec == nil {
		cfg.Codec = jsonrpc.JSON
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NATS{
		nc:      nc,
		cfg:     cfg,
		pending: correlation.NewQueue("nats:"+cfg.HostName, correlation.WithTimeout(cfg.RequestTimeout)),
		inbox:   nc.NewInbox(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to the requests addressed to this host's agents.
func (t *NATS) Start(r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.requests != nil {
		return nil
	}
	subject := commsutil.BuildHostSubject(t.cfg.HostName)
	handler := func(msg *comms.Msg) {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serve(r, msg)
		}()
	}
	var err error
	if t.cfg.QueueGroup != "" {
		t.requests, err = t.nc.QueueSubscribe(subject, t.cfg.QueueGroup, handler)
	} else {
		t.requests, err = t.nc.Subscribe(subject, handler)
	}
	if err != nil {
		return fmt.Errorf("%s - subscribe %s: %w", natsLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Listening on %s", natsLogPrefix, subject))
	return nil
}

// Key implements Service.
func (t *NATS) Key() string { return ProtocolNATS + "://" + t.cfg.HostName }

// Protocols implements Service.
func (t *NATS) Protocols() []string { return []string{ProtocolNATS} }

// ResolveURL implements Service.
func (t *NATS) ResolveURL(agentID string) (string, bool) {
	if agentID == "" {
		return "", false
	}
	return (&AgentURL{Scheme: ProtocolNATS, Host: t.cfg.HostName, AgentID: agentID}).String(), true
}

// ResolveLocalID implements Service.
func (t *NATS) ResolveLocalID(rawURL string) (string, bool) {
	u, ok := ParseAgentURL(rawURL)
	if !ok || u.Scheme != ProtocolNATS || u.Host != t.cfg.HostName {
		return "", false
	}
	return u.AgentID, true
}

// Send implements Service. A target nobody listens on yields a NOT_FOUND
// response rather than an error.
func (t *NATS) Send(ctx context.Context, sender, target string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	msg, err := t.requestMsg(sender, target, req)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	reply, err := t.nc.RequestMsgWithContext(ctx, msg)
	if errors.Is(err, comms.ErrNoResponders) {
		return notFound(req.ID, target), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - request %s to %s: %w", natsLogPrefix, req.Method, target, err)
	}
	return decodeReply(reply)
}

// SendAsync implements Service.
func (t *NATS) SendAsync(_ context.Context, sender, target string, req *jsonrpc.Request, cb correlation.Callback) {
	fail := func(err error) { go cb(nil, err) }

	if err := t.ensureReplies(); err != nil {
		fail(err)
		return
	}
	msg, err := t.requestMsg(sender, target, req)
	if err != nil {
		fail(err)
		return
	}

	token := uuid.NewString()
	reqID := req.ID
	err = t.pending.Push(token, func(resp *jsonrpc.Response, err error) {
		if resp != nil && resp.ID == "" {
			resp.ID = reqID
		}
		cb(resp, err)
	})
	if err != nil {
		fail(err)
		return
	}

	msg.Reply = t.inbox + "." + token
	if err := t.nc.PublishMsg(msg); err != nil {
		err = fmt.Errorf("%s - publish %s to %s: %w", natsLogPrefix, req.Method, target, err)
		go t.pending.Fail(token, err)
	}
}

// Close stops receiving, fails calls still waiting for a reply and waits
// for requests being served.
func (t *NATS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	var errs []error
	for _, sub := range []*comms.Subscription{t.requests, t.replies} {
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	}
	t.mu.Unlock()

	t.pending.Close(ErrClosed)
	t.cancel()
	t.wg.Wait()
	return errors.Join(errs...)
}

func (t *NATS) ensureReplies() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.replies != nil {
		return nil
	}
	sub, err := t.nc.Subscribe(t.inbox+".*", t.handleReply)
	if err != nil {
		return fmt.Errorf("%s - subscribe reply inbox: %w", natsLogPrefix, err)
	}
	t.replies = sub
	return nil
}

func (t *NATS) handleReply(msg *comms.Msg) {
	token := strings.TrimPrefix(msg.Subject, t.inbox+".")
	if commsutil.IsNoResponders(msg) {
		t.pending.Resolve(token, notFound("", "the target"))
		return
	}
	resp, err := decodeReply(msg)
	if err != nil {
		t.pending.Fail(token, err)
		return
	}
	if !t.pending.Resolve(token, resp) {
		slog.Debug(fmt.Sprintf("%s - dropped late reply %s", natsLogPrefix, resp.ID))
	}
}

func (t *NATS) serve(r Receiver, msg *comms.Msg) {
	codec, err := commsutil.MessageCodec(msg)
	if err != nil {
		t.respond(msg, jsonrpc.JSON, jsonrpc.NewErrorResponse("", jsonrpc.NewError(jsonrpc.CodeParseError, err.Error())))
		return
	}
	req, rpcErr := jsonrpc.DecodeRequest(codec, msg.Data)
	if rpcErr != nil {
		id := ""
		if req != nil {
			id = req.ID
		}
		t.respond(msg, codec, jsonrpc.NewErrorResponse(id, rpcErr))
		return
	}

	agentID := msg.Header.Get(commsutil.HeaderAgentID)
	if agentID == "" {
		agentID = msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	}
	sender := msg.Header.Get(commsutil.HeaderSender)

	resp := r.Receive(t.ctx, sender, agentID, req)
	if resp != nil {
		t.respond(msg, codec, resp)
	}
}

func (t *NATS) respond(msg *comms.Msg, codec jsonrpc.Codec, resp *jsonrpc.Response) {
	if msg.Reply == "" {
		return
	}
	out, err := commsutil.NewMessage(msg.Reply, codec, resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - encode response %s: %v", natsLogPrefix, resp.ID, err))
		return
	}
	if err := msg.RespondMsg(out); err != nil {
		slog.Warn(fmt.Sprintf("%s - respond %s: %v", natsLogPrefix, resp.ID, err))
	}
}

func (t *NATS) requestMsg(sender, target string, req *jsonrpc.Request) (*comms.Msg, error) {
	u, ok := ParseAgentURL(target)
	if !ok || u.Scheme != ProtocolNATS {
		return nil, fmt.Errorf("%s - not a nats agent url: %q", natsLogPrefix, target)
	}
	msg, err := commsutil.NewMessage(commsutil.BuildAgentSubject(u.Host, u.AgentID), t.cfg.Codec, req)
	if err != nil {
		return nil, err
	}
	msg.Header.Set(commsutil.HeaderAgentID, u.AgentID)
	if sender != "" {
		msg.Header.Set(commsutil.HeaderSender, sender)
	}
	return msg, nil
}

func decodeReply(msg *comms.Msg) (*jsonrpc.Response, error) {
	codec, err := commsutil.MessageCodec(msg)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeRemoteException, err.Error())
	}
	return jsonrpc.DecodeResponse(codec, msg.Data)
}

func notFound(id, target string) *jsonrpc.Response {
	return jsonrpc.NewErrorResponse(id, jsonrpc.NewError(jsonrpc.CodeNotFound, fmt.Sprintf("no agent listening at %s", target)))
}
