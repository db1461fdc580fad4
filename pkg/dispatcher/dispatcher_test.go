package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
)

const testPrefix = "dispatcher:dispatcher_test"

type mathAgent struct {
	id string
}

func (m *mathAgent) Ping(msg string) string { return msg }

func (m *mathAgent) Add(a, b int) int { return a + b }

func (m *mathAgent) Scale(v float64, factor *float64) float64 {
	if factor == nil {
		return v
	}
	return v * *factor
}

func (m *mathAgent) Round(v float64, places int) float64 { return v }

func (m *mathAgent) Nothing() {}

func (m *mathAgent) Echo(p jsonrpc.Params) jsonrpc.Params {
	return p
}

func (m *mathAgent) WhoCalls(ctx context.Context, sender string) string { return sender }

func (m *mathAgent) Structured() error {
	return fmt.Errorf("wrapped: %w", jsonrpc.NewCustomError(4001, "quota exceeded", map[string]any{"limit": 3}))
}

func (m *mathAgent) Plain() (string, error) { return "", errors.New("disk full") }

func (m *mathAgent) Explode() string { panic("kaboom") }

func (m *mathAgent) Admin() string { return "ok" }

func (m *mathAgent) OnAccess(sender, tag string) bool { return sender == "local:root" }

func (m *mathAgent) IsSelf(sender string) bool { return sender == "local:"+m.id }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	tbl := method.NewTable("math", (*mathAgent)(nil), nil).
		MustRegister("ping", (*mathAgent).Ping, method.Required("msg")).
		MustRegister("add", (*mathAgent).Add, method.Required("a"), method.Required("b")).
		MustRegister("scale", (*mathAgent).Scale, method.Required("v"), method.Optional("factor")).
		MustRegister("round", (*mathAgent).Round, method.Required("v"), method.Optional("places")).
		MustRegister("nothing", (*mathAgent).Nothing).
		MustRegister("echo", (*mathAgent).Echo).
		MustRegister("whoCalls", (*mathAgent).WhoCalls, method.SenderParam("sender")).
		MustRegister("structured", (*mathAgent).Structured).
		MustRegister("plain", (*mathAgent).Plain).
		MustRegister("explode", (*mathAgent).Explode).
		MustRegister("admin", (*mathAgent).Admin)
	if err := tbl.SetAccess("admin", method.Access{Level: method.Private, Tag: "admin"}); err != nil {
		t.Fatalf("%s - SetAccess: %v", testPrefix, err)
	}
	reg := method.NewRegistry()
	if err := reg.Add(tbl); err != nil {
		t.Fatalf("%s - registry add: %v", testPrefix, err)
	}
	return NewDispatcher(reg)
}

func invoke(t *testing.T, d *Dispatcher, name string, params jsonrpc.Params) *jsonrpc.Response {
	t.Helper()
	return d.Invoke(context.Background(), &mathAgent{id: "m1"}, &jsonrpc.Request{ID: "req-1", Method: name, Params: params})
}

func TestInvoke_Success(t *testing.T) {
	d := newTestDispatcher(t)

	resp := invoke(t, d, "ping", jsonrpc.Params{"msg": "hi"})
	if resp.Error != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, resp.Error)
	}
	if resp.Result != "hi" {
		t.Errorf("%s - result = %v, want hi", testPrefix, resp.Result)
	}
	if resp.ID != "req-1" {
		t.Errorf("%s - ID = %q, want req-1", testPrefix, resp.ID)
	}
}

func TestInvoke_ConvertsWireNumbers(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "add", jsonrpc.Params{"a": 2.0, "b": 3.0})
	if resp.Error != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, resp.Error)
	}
	if resp.Result != 5 {
		t.Errorf("%s - result = %v, want 5", testPrefix, resp.Result)
	}
}

func TestInvoke_UnknownMethod(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "nonexistent", nil)
	if resp.Error == nil {
		t.Fatal(testPrefix + " - expected error, got nil")
	}
	if resp.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("%s - code = %d, want METHOD_NOT_FOUND", testPrefix, resp.Error.Code)
	}
	if resp.ID != "req-1" {
		t.Errorf("%s - ID = %q, want req-1", testPrefix, resp.ID)
	}
}

func TestInvoke_UnknownTargetType(t *testing.T) {
	d := newTestDispatcher(t)
	resp := d.Invoke(context.Background(), struct{}{}, &jsonrpc.Request{ID: "x", Method: "ping"})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("%s - expected METHOD_NOT_FOUND for an unregistered type, got %+v", testPrefix, resp)
	}
}

func TestInvoke_MissingRequiredParam(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "add", jsonrpc.Params{"b": 1})
	if resp.Error == nil {
		t.Fatal(testPrefix + " - expected error, got nil")
	}
	if resp.Error.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("%s - code = %d, want INVALID_PARAMS", testPrefix, resp.Error.Code)
	}
	if resp.Result != nil {
		t.Errorf("%s - result must be empty on error, got %v", testPrefix, resp.Result)
	}
}

func TestInvoke_ExtraParamsIgnored(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "ping", jsonrpc.Params{"msg": "hi", "unused": true})
	if resp.Error != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, resp.Error)
	}
}

func TestInvoke_OptionalParamAbsent(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "scale", jsonrpc.Params{"v": 2.5})
	if resp.Error != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, resp.Error)
	}
	if resp.Result != 2.5 {
		t.Errorf("%s - result = %v, want 2.5", testPrefix, resp.Result)
	}

	resp = invoke(t, d, "scale", jsonrpc.Params{"v": 2.5, "factor": 2})
	if resp.Result != 5.0 {
		t.Errorf("%s - result = %v, want 5", testPrefix, resp.Result)
	}
}

func TestInvoke_OptionalPrimitiveIsConfigError(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "round", jsonrpc.Params{"v": 1.0})
	if resp.Error == nil {
		t.Fatal(testPrefix + " - expected error, got nil")
	}
	if resp.Error.Code != jsonrpc.CodeInternalError {
		t.Errorf("%s - code = %d, want INTERNAL_ERROR", testPrefix, resp.Error.Code)
	}

	resp = invoke(t, d, "round", jsonrpc.Params{"v": 1.0, "places": 2})
	if resp.Error != nil {
		t.Errorf("%s - supplying the optional primitive must work: %v", testPrefix, resp.Error)
	}
}

func TestInvoke_BadParamType(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "add", jsonrpc.Params{"a": "two", "b": 1})
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidParams {
		t.Errorf("%s - expected INVALID_PARAMS, got %+v", testPrefix, resp.Error)
	}
}

func TestInvoke_NilResultIsNoValue(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "nothing", nil)
	if resp.Error != nil {
		t.Fatalf("%s - unexpected error: %v", testPrefix, resp.Error)
	}
	if resp.Result != jsonrpc.NoValue {
		t.Errorf("%s - result = %v, want NoValue", testPrefix, resp.Result)
	}
}

func TestInvoke_BagReceivesAllParams(t *testing.T) {
	d := newTestDispatcher(t)
	in := jsonrpc.Params{"x": 1, "y": "two"}
	resp := invoke(t, d, "echo", in)
	got, ok := resp.Result.(jsonrpc.Params)
	if !ok {
		t.Fatalf("%s - result type %T, want Params", testPrefix, resp.Result)
	}
	if len(got) != 2 || got["y"] != "two" {
		t.Errorf("%s - result = %v, want %v", testPrefix, got, in)
	}
}

func TestInvoke_SenderInjected(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := method.WithSender(context.Background(), "nats://h1/agents/caller")
	resp := d.Invoke(ctx, &mathAgent{}, &jsonrpc.Request{ID: "1", Method: "whoCalls", Params: jsonrpc.Params{"sender": "spoofed"}})
	if resp.Result != "nats://h1/agents/caller" {
		t.Errorf("%s - result = %v, want the context sender", testPrefix, resp.Result)
	}
}

func TestInvoke_StructuredErrorPropagatedVerbatim(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "structured", nil)
	if resp.Error == nil {
		t.Fatal(testPrefix + " - expected error, got nil")
	}
	if resp.Error.Code != 4001 || resp.Error.Message != "quota exceeded" {
		t.Errorf("%s - error = %+v, want code 4001 quota exceeded", testPrefix, resp.Error)
	}
}

func TestInvoke_PlainErrorBecomesInternal(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "plain", nil)
	if resp.Error == nil {
		t.Fatal(testPrefix + " - expected error, got nil")
	}
	if resp.Error.Code != jsonrpc.CodeInternalError {
		t.Errorf("%s - code = %d, want INTERNAL_ERROR", testPrefix, resp.Error.Code)
	}
	if resp.Error.Data != "disk full" {
		t.Errorf("%s - data = %v, want the error message", testPrefix, resp.Error.Data)
	}
}

func TestInvoke_PanicBecomesInternal(t *testing.T) {
	d := newTestDispatcher(t)
	resp := invoke(t, d, "explode", nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInternalError {
		t.Fatalf("%s - expected INTERNAL_ERROR, got %+v", testPrefix, resp)
	}
	if resp.Error.Data != "kaboom" {
		t.Errorf("%s - data = %v, want kaboom", testPrefix, resp.Error.Data)
	}
}

func TestInvoke_PrivateMethodNeedsAuthorization(t *testing.T) {
	d := newTestDispatcher(t)

	resp := invoke(t, d, "admin", nil)
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeMethodNotFound {
		t.Errorf("%s - anonymous caller must not reach a private method, got %+v", testPrefix, resp)
	}

	ctx := method.WithSender(context.Background(), "local:root")
	resp = d.Invoke(ctx, &mathAgent{}, &jsonrpc.Request{ID: "1", Method: "admin"})
	if resp.Result != "ok" {
		t.Errorf("%s - authorized caller: result = %v, want ok", testPrefix, resp.Result)
	}
}

func TestDescribe_MatchesBinding(t *testing.T) {
	d := newTestDispatcher(t)
	for _, sig := range d.Describe(&mathAgent{}) {
		if sig.Method != "add" {
			continue
		}
		params := jsonrpc.Params{}
		for _, p := range sig.Params {
			params[p.Name] = 1
		}
		if resp := invoke(t, d, "add", params); resp.Error != nil {
			t.Errorf("%s - described params must bind: %v", testPrefix, resp.Error)
		}
		for _, p := range sig.Params {
			partial := jsonrpc.Params{}
			for _, q := range sig.Params {
				if q.Name != p.Name {
					partial[q.Name] = 1
				}
			}
			resp := invoke(t, d, "add", partial)
			if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidParams {
				t.Errorf("%s - omitting %s must give INVALID_PARAMS", testPrefix, p.Name)
			}
		}
		return
	}
	t.Fatal(testPrefix + " - add not described")
}
