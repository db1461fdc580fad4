package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/commsutil"
)

func TestGetDefaultBootstrapConfig(t *testing.T) {
	cfg := GetDefaultBootstrapConfig()

	if cfg.Version != "1.0.0" {
		t.Errorf("bootstrap:loader_test - expected version 1.0.0, got %s", cfg.Version)
	}
	if len(cfg.Agents) == 0 {
		t.Fatal("bootstrap:loader_test - expected agents, got none")
	}

	echo, ok := cfg.Agents["echo"]
	if !ok {
		t.Fatal("bootstrap:loader_test - expected echo agent")
	}
	if echo.Type != "demo.echo@1" {
		t.Errorf("bootstrap:loader_test - expected type demo.echo@1, got %s", echo.Type)
	}
	if cfg.ChangeEvents.Global != commsutil.SubjectAgentEvents {
		t.Errorf("bootstrap:loader_test - expected global subject %s, got %s", commsutil.SubjectAgentEvents, cfg.ChangeEvents.Global)
	}
}

func TestCreateResolvedBootstrap(t *testing.T) {
	cfg := GetDefaultBootstrapConfig()
	cfg.Aliases = map[string]string{"hello": "echo"}
	resolved := CreateResolvedBootstrap(cfg)

	if a := resolved.Get("echo"); a == nil || a.Type != "demo.echo@1" {
		t.Fatalf("bootstrap:loader_test - expected echo, got %v", a)
	}
	if got := resolved.TypeOf("hello"); got != "demo.echo@1" {
		t.Errorf("bootstrap:loader_test - expected alias to resolve, got %q", got)
	}
	if a := resolved.Get("nonexistent"); a != nil {
		t.Errorf("bootstrap:loader_test - expected nil for non-existent agent, got %v", a)
	}
	if got := resolved.TypeOf("nonexistent"); got != "" {
		t.Errorf("bootstrap:loader_test - expected empty type, got %q", got)
	}
	if resolved.Name() != "agent-host-bootstrap" || resolved.Version() != "1.0.0" {
		t.Errorf("bootstrap:loader_test - unexpected name/version %s/%s", resolved.Name(), resolved.Version())
	}

	// The resolved view does not alias the config.
	cfg.Agents["echo"] = BootstrapAgent{Type: "changed"}
	if resolved.TypeOf("echo") != "demo.echo@1" {
		t.Error("bootstrap:loader_test - resolved bootstrap changed with its config")
	}
}

func TestResolveAlias(t *testing.T) {
	cfg := GetDefaultBootstrapConfig()
	cfg.Aliases = map[string]string{"hello": "echo"}
	resolved := CreateResolvedBootstrap(cfg)

	if got := resolved.ResolveAlias("hello"); got != "echo" {
		t.Errorf("bootstrap:loader_test - expected echo, got %s", got)
	}
	if got := resolved.ResolveAlias("nonexistent"); got != "nonexistent" {
		t.Errorf("bootstrap:loader_test - expected passthrough for unknown alias, got %s", got)
	}
}

func TestMergeBootstrapConfigs(t *testing.T) {
	base := GetDefaultBootstrapConfig()
	override := &BootstrapConfig{
		Agents: map[string]BootstrapAgent{
			"relay":   {Type: "demo.relay"},
			"counter": {Type: "demo.counter@1.0.0"},
		},
		Aliases:      map[string]string{"r": "relay"},
		ChangeEvents: ChangeEventSubjects{Global: "custom.changed"},
	}

	merged := MergeBootstrapConfigs(base, override)

	if _, ok := merged.Agents["echo"]; !ok {
		t.Error("bootstrap:loader_test - expected echo from base to remain")
	}
	if merged.Agents["counter"].Type != "demo.counter@1.0.0" {
		t.Error("bootstrap:loader_test - expected override to replace counter")
	}
	if merged.Aliases["r"] != "relay" {
		t.Error("bootstrap:loader_test - expected override alias to be added")
	}
	if merged.ChangeEvents.Global != "custom.changed" {
		t.Errorf("bootstrap:loader_test - expected custom global subject, got %s", merged.ChangeEvents.Global)
	}
	if base.Agents["counter"].Type != "demo.counter@1" {
		t.Error("bootstrap:loader_test - merge modified the base config")
	}
}

func TestLoadBootstrapConfig_File(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	good := filepath.Join(dir, "agents.json")
	if err := os.WriteFile(bad, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(good, []byte(`{"name":"test","version":"2.0.0","agents":{"e":{"type":"demo.echo"}}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadBootstrapConfig(filepath.Join(dir, "missing.json"), bad, good)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - load: %v", err)
	}
	if cfg.Name != "test" || cfg.Agents["e"].Type != "demo.echo" {
		t.Errorf("bootstrap:loader_test - unexpected config %+v", cfg)
	}
}

func TestLoadBootstrapConfig_Comments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.json")
	body := `{
  // demo agents
  "name": "commented",
  "agents": {
    "e": {"type": "demo.echo"}, /* trailing comma next */
  },
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadBootstrapConfig(path)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - load: %v", err)
	}
	if cfg.Name != "commented" || cfg.Agents["e"].Type != "demo.echo" {
		t.Errorf("bootstrap:loader_test - unexpected config %+v", cfg)
	}
}

func TestLoadBootstrapConfig_Env(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "env.json")
	if err := os.WriteFile(path, []byte(`{"name":"from-env","agents":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_BOOTSTRAP_FILE", path)

	cfg, err := LoadBootstrapConfig()
	if err != nil {
		t.Fatalf("bootstrap:loader_test - load: %v", err)
	}
	if cfg.Name != "from-env" {
		t.Errorf("bootstrap:loader_test - expected from-env, got %s", cfg.Name)
	}
}

type fakeCreator struct {
	existing map[string]bool
	failing  string
	created  map[string]string
}

func (f *fakeCreator) HasAgent(_ context.Context, id string) (bool, error) {
	return f.existing[id], nil
}

func (f *fakeCreator) CreateAgent(_ context.Context, id, typeRef string) (agent.Agent, error) {
	if id == f.failing {
		return nil, errors.New("boom")
	}
	f.created[id] = typeRef
	return nil, nil
}

func TestApply(t *testing.T) {
	cfg := &BootstrapConfig{Agents: map[string]BootstrapAgent{
		"a": {Type: "demo.echo"},
		"b": {Type: "demo.counter"},
		"c": {Type: "demo.relay"},
		"d": {Type: "demo.echo@1"},
	}}
	host := &fakeCreator{existing: map[string]bool{"b": true}, failing: "c", created: map[string]string{}}

	created, err := Apply(context.Background(), host, CreateResolvedBootstrap(cfg))
	if err == nil {
		t.Error("bootstrap:loader_test - expected the failure of c to be reported")
	}
	if !reflect.DeepEqual(created, []string{"a", "d"}) {
		t.Errorf("bootstrap:loader_test - created = %v, want [a d]", created)
	}
	if host.created["d"] != "demo.echo@1" {
		t.Errorf("bootstrap:loader_test - d created with %q", host.created["d"])
	}
	if _, ok := host.created["b"]; ok {
		t.Error("bootstrap:loader_test - existing agent b was created again")
	}
}
