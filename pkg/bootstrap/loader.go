package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/tidwall/jsonc"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/commsutil"
)

const logPrefix = "bootstrap:loader"

// LoadBootstrapConfig loads bootstrap config from file paths or environment.
// It tries paths in order: first any paths passed in, then AGENT_BOOTSTRAP_FILE env, then defaults.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("AGENT_BOOTSTRAP_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/agents.json", "agents.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		// Bootstrap files may carry comments and trailing commas.
		var cfg BootstrapConfig
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse bootstrap file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s", logPrefix, p))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default bootstrap config", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// GetDefaultBootstrapConfig returns the embedded fallback bootstrap configuration.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:        "agent-host-bootstrap",
		Version:     "1.0.0",
		Description: "Default agents of a fresh host",
		Agents: map[string]BootstrapAgent{
			"echo": {
				Type:        "demo.echo@1",
				Description: "Answers with what it is sent",
			},
			"counter": {
				Type:        "demo.counter@1",
				Description: "Persistent counter with a ticker",
			},
		},
		Aliases: map[string]string{},
		ChangeEvents: ChangeEventSubjects{
			Global:  commsutil.SubjectAgentEvents,
			Pattern: commsutil.SubjectAgentEvents + ".{host}.{kind}",
		},
	}
}

// CreateResolvedBootstrap builds a ResolvedBootstrap for fast lookups.
func CreateResolvedBootstrap(cfg *BootstrapConfig) *ResolvedBootstrap {
	agents := make(map[string]*BootstrapAgent, len(cfg.Agents))
	for id, a := range cfg.Agents {
		entry := a
		agents[id] = &entry
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	return &ResolvedBootstrap{
		name:         cfg.Name,
		version:      cfg.Version,
		agents:       agents,
		aliases:      aliases,
		changeEvents: cfg.ChangeEvents,
	}
}

// MergeBootstrapConfigs merges an override config into a base config.
func MergeBootstrapConfigs(base, override *BootstrapConfig) *BootstrapConfig {
	merged := *base

	merged.Agents = make(map[string]BootstrapAgent, len(base.Agents)+len(override.Agents))
	for id, a := range base.Agents {
		merged.Agents[id] = a
	}
	for id, a := range override.Agents {
		merged.Agents[id] = a
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	if override.ChangeEvents.Global != "" {
		merged.ChangeEvents.Global = override.ChangeEvents.Global
	}
	if override.ChangeEvents.Pattern != "" {
		merged.ChangeEvents.Pattern = override.ChangeEvents.Pattern
	}

	return &merged
}

// AgentCreator is the part of the host Apply needs.
type AgentCreator interface {
	HasAgent(ctx context.Context, id string) (bool, error)
	CreateAgent(ctx context.Context, id, typeRef string) (agent.Agent, error)
}

// Apply creates the bootstrap agents that do not exist yet, in id order. It
// returns the ids it created. Failures are collected; the remaining agents
// are still attempted.
func Apply(ctx context.Context, host AgentCreator, rb *ResolvedBootstrap) ([]string, error) {
	ids := make([]string, 0, len(rb.agents))
	for id := range rb.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var created []string
	var errs []error
	for _, id := range ids {
		exists, err := host.HasAgent(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s - check %s: %w", logPrefix, id, err))
			continue
		}
		if exists {
			slog.Debug(fmt.Sprintf("%s - Agent %s already exists", logPrefix, id))
			continue
		}
		if _, err := host.CreateAgent(ctx, id, rb.agents[id].Type); err != nil {
			errs = append(errs, fmt.Errorf("%s - create %s (%s): %w", logPrefix, id, rb.agents[id].Type, err))
			continue
		}
		created = append(created, id)
	}
	if len(created) > 0 {
		slog.Info(fmt.Sprintf("%s - Created %d bootstrap agents: %v", logPrefix, len(created), created))
	}
	return created, errors.Join(errs...)
}
