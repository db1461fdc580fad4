package builtin

import "github.com/morezero/agent-host/pkg/agent"

// Types lists the built-in agent types.
func Types() []*agent.Type {
	return []*agent.Type{EchoType, CounterType, RelayType}
}

// Register adds the built-in types to catalog.
func Register(catalog *agent.Catalog) error {
	for _, t := range Types() {
		if err := catalog.Register(t); err != nil {
			return err
		}
	}
	return nil
}
