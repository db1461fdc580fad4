package builtin

import (
	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/method"
)

// Echo answers with what it is sent.
type Echo struct {
	agent.Base
}

func (e *Echo) echo(message string) string { return message }

func (e *Echo) ping() string { return "pong" }

// whoami returns the URL the caller presented.
func (e *Echo) whoami(sender string) string { return sender }

var echoTable = agent.NewTable("demo.echo", (*Echo)(nil)).
	Implements(EchoContract).
	MustRegister("echo", (*Echo).echo, method.Required("message")).
	MustRegister("ping", (*Echo).ping).
	MustRegister("whoami", (*Echo).whoami, method.SenderParam("sender"))

// EchoType is demo.echo. Instances hold no state and are kept resident.
var EchoType = &agent.Type{
	Name:     "demo.echo",
	Version:  "1.0.0",
	Reusable: true,
	New: func(env *agent.Env) (agent.Agent, error) {
		return &Echo{Base: agent.NewBase(env)}, nil
	},
	Methods: echoTable,
}
