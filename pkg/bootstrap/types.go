// Package bootstrap loads the agents a host creates when it starts.
package bootstrap

// BootstrapAgent is an agent entry in the bootstrap config.
type BootstrapAgent struct {
	// Type is a type reference such as "demo.echo" or "demo.echo@1".
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// BootstrapConfig is the root bootstrap configuration.
// Name and Version identify the file in logs.
type BootstrapConfig struct {
	Name         string                    `json:"name"`
	Version      string                    `json:"version"`
	Description  string                    `json:"description,omitempty"`
	Agents       map[string]BootstrapAgent `json:"agents"`
	Aliases      map[string]string         `json:"aliases"`
	ChangeEvents ChangeEventSubjects       `json:"changeEventSubjects"`
}

// ChangeEventSubjects defines event subject patterns.
type ChangeEventSubjects struct {
	Global  string `json:"global"`
	Pattern string `json:"pattern"`
}

// ResolvedBootstrap provides fast lookup of bootstrap agents.
type ResolvedBootstrap struct {
	name         string
	version      string
	agents       map[string]*BootstrapAgent
	aliases      map[string]string
	changeEvents ChangeEventSubjects
}

// Get returns a bootstrap agent by id or alias.
func (rb *ResolvedBootstrap) Get(id string) *BootstrapAgent {
	if a, ok := rb.agents[id]; ok {
		return a
	}
	if resolved, ok := rb.aliases[id]; ok {
		if a, ok := rb.agents[resolved]; ok {
			return a
		}
	}
	return nil
}

// TypeOf returns the type reference of a bootstrap agent.
func (rb *ResolvedBootstrap) TypeOf(id string) string {
	if a := rb.Get(id); a != nil {
		return a.Type
	}
	return ""
}

// List returns all bootstrap agents keyed by id.
func (rb *ResolvedBootstrap) List() map[string]*BootstrapAgent {
	return rb.agents
}

// ResolveAlias resolves an alias to an agent id.
func (rb *ResolvedBootstrap) ResolveAlias(alias string) string {
	if resolved, ok := rb.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// GlobalChangeSubject returns the global change event subject.
func (rb *ResolvedBootstrap) GlobalChangeSubject() string {
	return rb.changeEvents.Global
}

// Name returns the bootstrap config name.
func (rb *ResolvedBootstrap) Name() string {
	return rb.name
}

// Version returns the bootstrap config version.
func (rb *ResolvedBootstrap) Version() string {
	return rb.version
}
