package agent

import (
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/semver"
)

// BaseTable holds the methods every agent answers, whatever its type.
var BaseTable = newBaseTable()

func newBaseTable() *method.Table {
	t := method.NewTable("agent", (*Agent)(nil), nil)
	t.MustRegister("getId", func(a Agent) string { return a.ID() })
	t.MustRegister("getUrls", func(a Agent) []string { return a.Env().URLs() })
	t.MustRegister("getType", func(a Agent) string {
		if typ := a.Env().Type(); typ != nil {
			return typ.Ref()
		}
		return ""
	})
	t.MustRegister("getMethods", func(a Agent) []method.Signature {
		if typ := a.Env().Type(); typ != nil && typ.Methods != nil {
			return typ.Methods.Describe()
		}
		return t.Describe()
	})
	return t
}

// NewTable creates the method table of a concrete agent type, inheriting
// BaseTable. receiver is a typed nil pointer of the agent type.
func NewTable(name string, receiver any) *method.Table {
	return method.NewTable(name, receiver, BaseTable)
}

// Type describes an agent type the host can instantiate.
type Type struct {
	Name    string
	Version string
	// Reusable instances stay in the host's instance cache between calls;
	// others are built per call and get the destroy signal afterwards.
	Reusable bool
	// New builds an instance around env.
	New func(env *Env) (Agent, error)
	// Methods is the type's method table, normally created with NewTable.
	Methods *method.Table
}

// Ref returns "name@version", the value stored under the state type key.
func (t *Type) Ref() string {
	return semver.BuildTypeRef(t.Name, t.Version)
}
