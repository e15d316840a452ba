package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/wotbot/backend"
	"github.com/isdmx/wotbot/session"
	"github.com/isdmx/wotbot/tools"
	"github.com/isdmx/wotbot/types"
)

type fakeRuns struct {
	mu         sync.Mutex
	assistants int
	threads    int
	messages   []string
	runs       int
	runTools   []string
	polls      int
	submitted  [][]backend.ToolOutput
	cancelled  []string
	final      string
	// status answers GetRun given the number of submissions so far.
	status func(submissions int) backend.Run
	getErr error
}

func (f *fakeRuns) EnsureAssistant(context.Context, []tools.Descriptor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assistants++
	return "asst_1", nil
}

func (f *fakeRuns) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads++
	return "thread_1", nil
}

func (f *fakeRuns) AddMessage(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeRuns) CreateRun(_ context.Context, threadID, _, _ string, runTools []tools.Descriptor) (backend.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	f.runTools = nil
	for _, d := range runTools {
		f.runTools = append(f.runTools, d.Name)
	}
	return backend.Run{ID: "run_1", ThreadID: threadID, Status: backend.RunQueued}, nil
}

func (f *fakeRuns) GetRun(_ context.Context, threadID, runID string) (backend.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.getErr != nil {
		return backend.Run{}, f.getErr
	}
	run := f.status(len(f.submitted))
	run.ID = runID
	run.ThreadID = threadID
	return run, nil
}

func (f *fakeRuns) SubmitToolOutputs(_ context.Context, threadID, runID string, outputs []backend.ToolOutput) (backend.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	return backend.Run{ID: runID, ThreadID: threadID, Status: backend.RunInProgress}, nil
}

func (f *fakeRuns) CancelRun(_ context.Context, _, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeRuns) FinalMessage(context.Context, string, string) (string, error) {
	return f.final, nil
}

func requiresAction(calls ...types.ToolCall) backend.Run {
	return backend.Run{Status: backend.RunRequiresAction, PendingCalls: calls}
}

func newStatefulFixture(t *testing.T, runs *fakeRuns) (*Orchestrator, *session.MemoryStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := session.NewMemoryStore(logger, 16)
	require.NoError(t, err)
	router := tools.NewRouter(logger)
	require.NoError(t, router.Register(echoDescriptor()))

	proto := NewStatefulProtocol(logger, runs, WithPolling(time.Millisecond, 5*time.Millisecond, 100*time.Millisecond))
	return NewOrchestrator(logger, store, router, proto, WithMaxTurns(3)), store
}

func TestStatefulCompleted(t *testing.T) {
	runs := &fakeRuns{
		final: "all done",
		status: func(submissions int) backend.Run {
			if submissions == 0 {
				return requiresAction(echoCall("call_1", "hi"))
			}
			return backend.Run{Status: backend.RunCompleted}
		},
	}
	orch, store := newStatefulFixture(t, runs)
	ctx := context.Background()

	reply := orch.Handle(ctx, "s1", "say hi")
	assert.Equal(t, StateDone, reply.State)
	assert.Equal(t, "all done", reply.Text)
	assert.Equal(t, 1, reply.Rounds)

	require.Len(t, runs.submitted, 1)
	require.Len(t, runs.submitted[0], 1)
	assert.Equal(t, "call_1", runs.submitted[0][0].CallID)
	assert.Contains(t, runs.submitted[0][0].Output, `"ok":true`)
	assert.Equal(t, []string{"say hi"}, runs.messages)
	assert.Empty(t, runs.cancelled)

	c, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", c.ThreadID)
	require.Len(t, c.Turns, 2)
	assert.Equal(t, "all done", c.Turns[1].Content)

	// The thread is reused by the next message.
	orch.Handle(ctx, "s1", "again")
	assert.Equal(t, 1, runs.threads)
	assert.Equal(t, 2, runs.runs)
}

func TestStatefulRunToolsFollowMode(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := session.NewMemoryStore(logger, 16)
	require.NoError(t, err)
	router := tools.NewRouter(logger, tools.WithDeveloperOnly([]string{"debug"}))
	require.NoError(t, router.Register(echoDescriptor()))
	debug := echoDescriptor()
	debug.Name = "debug"
	require.NoError(t, router.Register(debug))

	runs := &fakeRuns{final: "ok", status: func(int) backend.Run { return backend.Run{Status: backend.RunCompleted} }}
	proto := NewStatefulProtocol(logger, runs, WithPolling(time.Millisecond, 5*time.Millisecond, 100*time.Millisecond))
	orch := NewOrchestrator(logger, store, router, proto)
	ctx := context.Background()

	orch.Handle(ctx, "dev", "/mode dev")
	orch.Handle(ctx, "dev", "hi")
	assert.ElementsMatch(t, []string{"echo", "debug"}, runs.runTools)

	// A normal session sharing the same assistant never sees the debug tool.
	orch.Handle(ctx, "plain", "hi")
	assert.Equal(t, []string{"echo"}, runs.runTools)
}

func TestStatefulQueuedThenCompleted(t *testing.T) {
	runs := &fakeRuns{final: "fine"}
	runs.status = func(int) backend.Run {
		if runs.polls < 3 {
			return backend.Run{Status: backend.RunInProgress}
		}
		return backend.Run{Status: backend.RunCompleted}
	}
	orch, _ := newStatefulFixture(t, runs)

	reply := orch.Handle(context.Background(), "s1", "hello")
	assert.Equal(t, StateDone, reply.State)
	assert.Equal(t, 3, runs.polls)
}

func TestStatefulPollTimeout(t *testing.T) {
	runs := &fakeRuns{
		status: func(int) backend.Run {
			return requiresAction(echoCall("call_1", "stuck"))
		},
	}
	orch, store := newStatefulFixture(t, runs)

	reply := orch.Handle(context.Background(), "s1", "hi")
	assert.Equal(t, StateFailed, reply.State)
	assert.Equal(t, ReasonPollTimeout, reply.Reason)
	assert.Equal(t, 1, reply.Rounds)
	require.Len(t, runs.submitted, 1)
	assert.Equal(t, []string{"run_1"}, runs.cancelled)

	c, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, c.Turns, 2)
	assert.Equal(t, defaultFallback, c.Turns[1].Content)
}

func TestStatefulRunFailed(t *testing.T) {
	runs := &fakeRuns{
		status: func(int) backend.Run {
			return backend.Run{Status: backend.RunFailed, LastError: "rate limit exceeded"}
		},
	}
	orch, _ := newStatefulFixture(t, runs)

	reply := orch.Handle(context.Background(), "s1", "hi")
	assert.Equal(t, StateFailed, reply.State)
	assert.Equal(t, "run failed: rate limit exceeded", reply.Reason)
	assert.Empty(t, runs.cancelled)
}

func TestStatefulTurnLimitCancelsRun(t *testing.T) {
	runs := &fakeRuns{}
	runs.status = func(submissions int) backend.Run {
		return requiresAction(echoCall("call_"+string(rune('a'+submissions)), "more"))
	}
	orch, _ := newStatefulFixture(t, runs)

	reply := orch.Handle(context.Background(), "s1", "hi")
	assert.Equal(t, StateFailed, reply.State)
	assert.Equal(t, ReasonTurnLimit, reply.Reason)
	assert.Len(t, runs.submitted, 3)
	assert.Equal(t, []string{"run_1"}, runs.cancelled)
}

func TestStatefulBackendError(t *testing.T) {
	runs := &fakeRuns{getErr: &backend.Error{Op: "retrieve run", Err: errors.New("connection reset")}}
	orch, _ := newStatefulFixture(t, runs)

	reply := orch.Handle(context.Background(), "s1", "hi")
	assert.Equal(t, StateFailed, reply.State)
	assert.Equal(t, ReasonBackend, reply.Reason)
	assert.Equal(t, 1, runs.polls)
	assert.Equal(t, []string{"run_1"}, runs.cancelled)
}
