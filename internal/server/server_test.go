package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-host/internal/config"
	"github.com/morezero/agent-host/pkg/builtin"
	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const serverTestPrefix = "server:server_test"

const testBootstrap = `{
  "name": "server-test",
  "version": "1.0.0",
  "agents": {
    "echo": {"type": "demo.echo@1", "description": "Echo for tests"},
    "tally": {"type": "demo.counter", "description": "Counter for tests"}
  }
}`

// testConfig returns a memory-backed config whose bootstrap file lives in a
// temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("AGENT_BOOTSTRAP_FILE", "")
	path := filepath.Join(t.TempDir(), "agents.json")
	if err := os.WriteFile(path, []byte(testBootstrap), 0o644); err != nil {
		t.Fatalf("%s - write bootstrap: %v", serverTestPrefix, err)
	}
	return &config.Config{
		COMMSName:          "agent-host-test",
		HostName:           "srv",
		RequestTimeout:     5 * time.Second,
		BootstrapFile:      path,
		CacheSize:          16,
		Shortcut:           true,
		MaxWorkers:         8,
		ProxyCacheSize:     16,
		WireCodec:          "json",
		StateBackend:       config.StateMemory,
		HTTPAddr:           "127.0.0.1:0",
		HealthCheckTimeout: 5 * time.Second,
	}
}

// testServer returns a Server without NATS for HTTP handler tests.
func testServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestNew_CreatesBootstrapAgents(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	for _, id := range []string{"echo", "tally"} {
		ok, err := s.Host().HasAgent(ctx, id)
		if err != nil || !ok {
			t.Errorf("%s - HasAgent(%q) = %v, %v; want true", serverTestPrefix, id, ok, err)
		}
	}
	if got := s.Host().Transports(); len(got) != 0 {
		t.Errorf("%s - transports without NATS = %v, want none", serverTestPrefix, got)
	}
}

func TestNew_BadCodec(t *testing.T) {
	cfg := testConfig(t)
	cfg.WireCodec = "xml"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatalf("%s - expected error for unknown codec", serverTestPrefix)
	}
}

func TestNew_LevelDBState(t *testing.T) {
	cfg := testConfig(t)
	cfg.StateBackend = config.StateLevelDB
	cfg.StateLevelDBPath = filepath.Join(t.TempDir(), "state")
	ctx := context.Background()

	s, err := New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	counter := builtin.NewCounterClient(s.Host().Caller("", "local:tally", builtin.CounterContract))
	if _, err := counter.Increment(ctx, 3); err != nil {
		t.Fatalf("%s - Increment: %v", serverTestPrefix, err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("%s - Shutdown: %v", serverTestPrefix, err)
	}

	// Reopening the same directory finds the agent and its count.
	s, err = New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("%s - reopen: %v", serverTestPrefix, err)
	}
	defer s.Shutdown(ctx)
	counter = builtin.NewCounterClient(s.Host().Caller("", "local:tally", builtin.CounterContract))
	got, err := counter.Get(ctx)
	if err != nil {
		t.Fatalf("%s - Get: %v", serverTestPrefix, err)
	}
	if got != 3 {
		t.Errorf("%s - count after reopen = %d, want 3", serverTestPrefix, got)
	}
}

func TestHealthHandler_Healthy(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	var body HealthOutput
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if body.Status != "healthy" || body.Host != "srv" {
		t.Errorf("%s - body = %+v", serverTestPrefix, body)
	}
	if !body.Checks.Comms || !body.Checks.State {
		t.Errorf("%s - checks = %+v, want all true", serverTestPrefix, body.Checks)
	}
}

func TestReadyHandler(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ready") {
		t.Errorf("%s - body = %q", serverTestPrefix, rec.Body.String())
	}
}

func TestAgentHandler_Success(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/echo", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200: %s", serverTestPrefix, rec.Code, rec.Body.String())
	}
	var body AgentOutput
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("%s - decode: %v", serverTestPrefix, err)
	}
	if body.ID != "echo" || body.Type != "demo.echo@1.0.0" {
		t.Errorf("%s - id/type = %q/%q", serverTestPrefix, body.ID, body.Type)
	}
	if len(body.URLs) == 0 || body.URLs[0] != "local:echo" {
		t.Errorf("%s - urls = %v", serverTestPrefix, body.URLs)
	}
	names := map[string]bool{}
	for _, m := range body.Methods {
		names[m.Method] = true
	}
	for _, want := range []string{"echo", "ping", "getMethods"} {
		if !names[want] {
			t.Errorf("%s - methods missing %q", serverTestPrefix, want)
		}
	}
}

func TestAgentHandler_NotFound(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/agents/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("%s - status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

func TestHandleHome_Success(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s - status = %d, want 200", serverTestPrefix, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("%s - content type = %q", serverTestPrefix, ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"Agent Host srv", "demo.echo@1.0.0", "demo.relay@1.0.0", `href="/agents/tally"`, "Counter for tests"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page missing %q", serverTestPrefix, want)
		}
	}
}

func TestHandleHome_OnlyRoot(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("%s - status = %d, want 404", serverTestPrefix, rec.Code)
	}
}

// startTestNATS starts an in-process NATS server and returns its URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("%s - failed to create NATS server: %v", serverTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - NATS server failed to start", serverTestPrefix)
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestServeAndDial_OverNATS(t *testing.T) {
	url := startTestNATS(t)
	cfg := testConfig(t)

	nc, err := comms.Connect(url)
	if err != nil {
		t.Fatalf("%s - connect: %v", serverTestPrefix, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, cfg, nc)
	if err != nil {
		cancel()
		nc.Close()
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()

	clientConn, err := comms.Connect(url)
	if err != nil {
		t.Fatalf("%s - client connect: %v", serverTestPrefix, err)
	}
	defer clientConn.Close()
	client, err := Dial(cfg, clientConn)
	if err != nil {
		t.Fatalf("%s - Dial: %v", serverTestPrefix, err)
	}
	defer client.Shutdown(context.Background())

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := client.Send(callCtx, "", "nats://srv/agents/echo", jsonrpc.NewRequest("echo", jsonrpc.Params{"message": "over the wire"}))
	if err != nil {
		t.Fatalf("%s - Send: %v", serverTestPrefix, err)
	}
	if resp.IsError() || resp.Result != "over the wire" {
		t.Errorf("%s - response = %+v", serverTestPrefix, resp)
	}

	resp, err = client.Send(callCtx, "", "nats://srv/agents/ghost", jsonrpc.NewRequest("ping", nil))
	if err != nil {
		t.Fatalf("%s - Send ghost: %v", serverTestPrefix, err)
	}
	if !resp.IsError() || resp.Error.Code != jsonrpc.CodeNotFound {
		t.Errorf("%s - ghost response = %+v, want NOT_FOUND", serverTestPrefix, resp)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("%s - Serve: %v", serverTestPrefix, err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("%s - Serve did not return after cancel", serverTestPrefix)
	}
}
