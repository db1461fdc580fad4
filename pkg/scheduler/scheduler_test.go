package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/agent-host/pkg/jsonrpc"
)

type recorder struct {
	mu    sync.Mutex
	calls []*jsonrpc.Request
	to    []string
	hold  time.Duration
	fail  bool
}

func (r *recorder) dispatch(_ context.Context, agentID string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if r.hold > 0 {
		time.Sleep(r.hold)
	}
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.to = append(r.to, agentID)
	r.mu.Unlock()
	if r.fail {
		return nil, errors.New("boom")
	}
	return jsonrpc.NewResponse(req.ID, nil), nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestCreateTask_FiresOnceAfterDelay(t *testing.T) {
	rec := &recorder{}
	f := NewTimerFactory(rec.dispatch)
	defer f.Close()
	s := f.Get("agent-1")

	req := jsonrpc.NewRequest("tick", jsonrpc.Params{"n": 1})
	id, err := s.CreateTask(context.Background(), req, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, s.Tasks())

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Tasks(), "one-shot tasks leave the list after firing")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "agent-1", rec.to[0])
	assert.Equal(t, "tick", rec.calls[0].Method)
	assert.NotEqual(t, req.ID, rec.calls[0].ID, "every run gets a fresh request id")
}

func TestCreateTask_Interval(t *testing.T) {
	rec := &recorder{}
	f := NewTimerFactory(rec.dispatch)
	defer f.Close()
	s := f.Get("agent-1")

	id, err := s.CreateTask(context.Background(), jsonrpc.NewRequest("tick", nil), 0, Interval(5*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() >= 3 }, time.Second, 2*time.Millisecond)

	assert.True(t, s.CancelTask(id))
	assert.False(t, s.CancelTask(id))
	settled := rec.count()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, rec.count(), settled+1, "at most one in-flight run after cancel")

	rec.mu.Lock()
	seen := map[string]bool{}
	for _, c := range rec.calls {
		seen[c.ID] = true
	}
	total := len(rec.calls)
	rec.mu.Unlock()
	assert.Len(t, seen, total)
}

func TestCreateTask_SequentialDoesNotOverlap(t *testing.T) {
	rec := &recorder{hold: 15 * time.Millisecond}
	var mu sync.Mutex
	running, maxRunning := 0, 0
	f := NewTimerFactory(func(ctx context.Context, id string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			running--
			mu.Unlock()
		}()
		return rec.dispatch(ctx, id, req)
	})
	defer f.Close()

	_, err := f.Get("a").CreateTask(context.Background(), jsonrpc.NewRequest("slow", nil), 0,
		Interval(time.Millisecond), Sequential())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning)
}

func TestCreateTask_FailuresKeepRepeating(t *testing.T) {
	rec := &recorder{fail: true}
	f := NewTimerFactory(rec.dispatch)
	defer f.Close()
	_, err := f.Get("a").CreateTask(context.Background(), jsonrpc.NewRequest("x", nil), 0, Interval(2*time.Millisecond))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 2*time.Millisecond)
}

func TestCreateTask_Validation(t *testing.T) {
	f := NewTimerFactory((&recorder{}).dispatch)
	defer f.Close()
	s := f.Get("a")

	_, err := s.CreateTask(context.Background(), nil, 0)
	assert.Error(t, err)
	_, err = s.CreateTask(context.Background(), jsonrpc.NewRequest("x", nil), -time.Second)
	assert.Error(t, err)
}

func TestFactory_DestroyClosesScheduler(t *testing.T) {
	rec := &recorder{}
	f := NewTimerFactory(rec.dispatch)
	s := f.Get("agent-1")
	assert.Same(t, s, f.Get("agent-1"))

	_, err := s.CreateTask(context.Background(), jsonrpc.NewRequest("later", nil), time.Hour)
	require.NoError(t, err)
	f.Destroy("agent-1")

	assert.Empty(t, s.Tasks())
	_, err = s.CreateTask(context.Background(), jsonrpc.NewRequest("later", nil), time.Hour)
	assert.Error(t, err, "a destroyed scheduler rejects new tasks")
	assert.NotSame(t, s, f.Get("agent-1"))
}
