package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/agent-host/pkg/agent"
	"github.com/morezero/agent-host/pkg/jsonrpc"
	"github.com/morezero/agent-host/pkg/method"
	"github.com/morezero/agent-host/pkg/scheduler"
)

const logPrefix = "builtin:counter"

const (
	keyCount    = "count"
	keyTickTask = "tickTask"

	// maxSwapAttempts bounds the compare-and-swap loop of increment.
	maxSwapAttempts = 16
)

// Counter keeps a number in its state. Updates use PutIfUnchanged so several
// instances over one store never lose an increment.
type Counter struct {
	agent.Base
}

func (c *Counter) increment(ctx context.Context, by int) (int, error) {
	st := c.Env().State()
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		var current int
		found, err := st.Get(ctx, keyCount, &current)
		if err != nil {
			return 0, err
		}
		var old any
		if found {
			old = current
		}
		ok, err := st.PutIfUnchanged(ctx, keyCount, current+by, old)
		if err != nil {
			return 0, err
		}
		if ok {
			return current + by, nil
		}
	}
	return 0, jsonrpc.NewCustomError(jsonrpc.CodeInternalError, "counter is contended", c.ID())
}

func (c *Counter) get(ctx context.Context) (int, error) {
	var n int
	if _, err := c.Env().State().Get(ctx, keyCount, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Counter) reset(ctx context.Context) error {
	return c.Env().State().Remove(ctx, keyCount)
}

// startTicking schedules increment(1) every intervalMs, replacing a previous
// ticker.
func (c *Counter) startTicking(ctx context.Context, intervalMs int) (string, error) {
	if intervalMs <= 0 {
		return "", jsonrpc.NewError(jsonrpc.CodeInvalidParams, "intervalMs must be positive")
	}
	sched := c.Env().Scheduler()
	if sched == nil {
		return "", fmt.Errorf("%s - %s has no scheduler", logPrefix, c.ID())
	}
	if _, err := c.stopTicking(ctx); err != nil {
		return "", err
	}
	every := time.Duration(intervalMs) * time.Millisecond
	id, err := sched.CreateTask(ctx, jsonrpc.NewRequest("increment", jsonrpc.Params{"by": 1}), every,
		scheduler.Interval(every), scheduler.Sequential())
	if err != nil {
		return "", err
	}
	if err := c.Env().State().Put(ctx, keyTickTask, id); err != nil {
		sched.CancelTask(id)
		return "", err
	}
	slog.Debug(fmt.Sprintf("%s - %s ticking every %s (task %s)", logPrefix, c.ID(), every, id))
	return id, nil
}

func (c *Counter) stopTicking(ctx context.Context) (bool, error) {
	st := c.Env().State()
	var id string
	found, err := st.Get(ctx, keyTickTask, &id)
	if err != nil || !found {
		return false, err
	}
	stopped := false
	if sched := c.Env().Scheduler(); sched != nil {
		stopped = sched.CancelTask(id)
	}
	return stopped, st.Remove(ctx, keyTickTask)
}

var counterTable = agent.NewTable("demo.counter", (*Counter)(nil)).
	Implements(CounterContract).
	MustRegister("increment", (*Counter).increment, method.Required("by")).
	MustRegister("get", (*Counter).get).
	MustRegister("reset", (*Counter).reset).
	MustRegister("startTicking", (*Counter).startTicking, method.Required("intervalMs")).
	MustRegister("stopTicking", (*Counter).stopTicking)

// CounterType is demo.counter.
var CounterType = &agent.Type{
	Name:     "demo.counter",
	Version:  "1.0.0",
	Reusable: true,
	New: func(env *agent.Env) (agent.Agent, error) {
		return &Counter{Base: agent.NewBase(env)}, nil
	},
	Methods: counterTable,
}
