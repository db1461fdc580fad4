// Package scheduler fires delayed and periodic requests at agents.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

const logPrefix = "scheduler:scheduler"

// Scheduler holds the tasks of one agent.
type Scheduler interface {
	// CreateTask sends req to the agent after delay and returns the task id.
	CreateTask(ctx context.Context, req *jsonrpc.Request, delay time.Duration, opts ...TaskOption) (string, error)
	// CancelTask stops a task. It reports whether the task was still active.
	CancelTask(id string) bool
	// Tasks lists the active task ids, sorted.
	Tasks() []string
	// Close cancels every task.
	Close()
}

// Factory hands out one Scheduler per agent.
type Factory interface {
	Get(agentID string) Scheduler
	// Destroy closes and forgets the agent's scheduler.
	Destroy(agentID string)
}

// DispatchFunc delivers a task's request to the agent.
type DispatchFunc func(ctx context.Context, agentID string, req *jsonrpc.Request) (*jsonrpc.Response, error)

// TaskOption configures a task.
type TaskOption func(*task)

// Interval repeats the task every d after the first run.
func Interval(d time.Duration) TaskOption {
	return func(t *task) { t.interval = d }
}

// Sequential starts the next run of a repeating task only after the previous
// one returned, measuring the interval from its end.
func Sequential() TaskOption {
	return func(t *task) { t.sequential = true }
}

type task struct {
	id         string
	req        *jsonrpc.Request
	interval   time.Duration
	sequential bool
	timer      *time.Timer
	cancelled  bool
}

// TimerFactory runs tasks on in-process timers. Tasks do not survive a
// restart.
type TimerFactory struct {
	dispatch DispatchFunc

	mu         sync.Mutex
	schedulers map[string]*timerScheduler
}

// NewTimerFactory creates a factory whose tasks are delivered through dispatch.
func NewTimerFactory(dispatch DispatchFunc) *TimerFactory {
	return &TimerFactory{dispatch: dispatch, schedulers: make(map[string]*timerScheduler)}
}

// Get implements Factory.
func (f *TimerFactory) Get(agentID string) Scheduler {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedulers[agentID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &timerScheduler{
			agentID:  agentID,
			dispatch: f.dispatch,
			ctx:      ctx,
			cancel:   cancel,
			tasks:    make(map[string]*task),
		}
		f.schedulers[agentID] = s
	}
	return s
}

// Destroy implements Factory.
func (f *TimerFactory) Destroy(agentID string) {
	f.mu.Lock()
	s, ok := f.schedulers[agentID]
	delete(f.schedulers, agentID)
	f.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Close closes every scheduler.
func (f *TimerFactory) Close() {
	f.mu.Lock()
	all := f.schedulers
	f.schedulers = make(map[string]*timerScheduler)
	f.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

type timerScheduler struct {
	agentID  string
	dispatch DispatchFunc
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

func (s *timerScheduler) CreateTask(_ context.Context, req *jsonrpc.Request, delay time.Duration, opts ...TaskOption) (string, error) {
	if req == nil || req.Method == "" {
		return "", fmt.Errorf("%s - task for %s needs a request with a method", logPrefix, s.agentID)
	}
	t := &task{id: uuid.NewString(), req: req.Clone()}
	for _, opt := range opts {
		opt(t)
	}
	if t.interval < 0 || delay < 0 {
		return "", fmt.Errorf("%s - negative delay or interval for %s", logPrefix, s.agentID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("%s - scheduler for %s is closed", logPrefix, s.agentID)
	}
	s.tasks[t.id] = t
	t.timer = time.AfterFunc(delay, func() { s.fire(t) })
	slog.Debug(fmt.Sprintf("%s - task %s for %s: %s in %s (interval %s)", logPrefix, t.id, s.agentID, req.Method, delay, t.interval))
	return t.id, nil
}

func (s *timerScheduler) fire(t *task) {
	s.mu.Lock()
	if t.cancelled {
		s.mu.Unlock()
		return
	}
	switch {
	case t.interval == 0:
		delete(s.tasks, t.id)
	case !t.sequential:
		t.timer = time.AfterFunc(t.interval, func() { s.fire(t) })
	}
	s.mu.Unlock()

	run := t.req.Clone()
	run.ID = uuid.NewString()
	resp, err := s.dispatch(s.ctx, s.agentID, run)
	switch {
	case err != nil:
		slog.Warn(fmt.Sprintf("%s - task %s for %s failed: %v", logPrefix, t.id, s.agentID, err))
	case resp != nil && resp.IsError():
		slog.Warn(fmt.Sprintf("%s - task %s for %s returned error: %v", logPrefix, t.id, s.agentID, resp.Error))
	}

	if t.interval > 0 && t.sequential {
		s.mu.Lock()
		if !t.cancelled {
			t.timer = time.AfterFunc(t.interval, func() { s.fire(t) })
		}
		s.mu.Unlock()
	}
}

func (s *timerScheduler) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

func (s *timerScheduler) Tasks() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *timerScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.tasks {
		t.cancelled = true
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.cancel()
}
