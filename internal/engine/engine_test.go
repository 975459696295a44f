package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/pkg/graphfile"
)

// eventLog records every bus event in delivery order.
type eventLog struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (l *eventLog) handler(_ context.Context, ev *bus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) ofType(eventType string) []*bus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*bus.Event
	for _, ev := range l.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// indexOf returns the position of the n-th event of the given type in the
// overall delivery order, or -1.
func (l *eventLog) indexOf(eventType string, n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := 0
	for i, ev := range l.events {
		if ev.Type == eventType {
			if seen == n {
				return i
			}
			seen++
		}
	}
	return -1
}

func (l *eventLog) readyIDs() []string {
	var ids []string
	for _, ev := range l.ofType(events.TaskReady) {
		ids = append(ids, ev.Data.(events.TaskReadyPayload).TaskID)
	}
	return ids
}

type testRig struct {
	engine *Engine
	store  *store.Store
	bus    *bus.MemoryEventBus
	rec    *eventLog
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := store.Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	b := bus.NewMemoryEventBus(log)
	rec := &eventLog{}
	_, err = b.Subscribe(">", rec.handler)
	require.NoError(t, err)

	e := New(st, b, log, cfg)
	t.Cleanup(e.Close)
	return &testRig{engine: e, store: st, bus: b, rec: rec}
}

func graphDoc(name string, tasks ...graphfile.TaskSpec) *graphfile.Document {
	return &graphfile.Document{
		Version: "1",
		Session: graphfile.SessionSpec{Name: name, BaseBranch: "main"},
		Tasks:   tasks,
	}
}

func taskSpec(id string, deps ...string) graphfile.TaskSpec {
	return graphfile.TaskSpec{ID: id, Name: id, Prompt: "do " + id, Type: "coding", DependsOn: deps}
}

func (r *testRig) load(t *testing.T, doc *graphfile.Document) string {
	t.Helper()
	sessionID, err := r.engine.LoadGraph(context.Background(), doc, "test.yaml")
	require.NoError(t, err)
	return sessionID
}

func (r *testRig) runAndComplete(t *testing.T, sessionID, taskID string, cost float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.engine.MarkTaskRunning(ctx, sessionID, taskID, "w-"+taskID))
	require.NoError(t, r.engine.MarkTaskComplete(ctx, sessionID, taskID, map[string]any{"tests": "pass"}, cost))
}

func TestLinearChainCompletes(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("linear",
		taskSpec("A"), taskSpec("B", "A"), taskSpec("C", "B")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 5))

	assert.Equal(t, StateExecuting, rig.engine.State())
	assert.Equal(t, []string{"A"}, rig.rec.readyIDs())

	rig.runAndComplete(t, sessionID, "A", 0.01)
	assert.Equal(t, []string{"A", "B"}, rig.rec.readyIDs())

	rig.runAndComplete(t, sessionID, "B", 0.01)
	rig.runAndComplete(t, sessionID, "C", 0.01)

	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
	payload := complete[0].Data.(events.GraphCompletePayload)
	assert.Equal(t, 3, payload.TotalTasks)
	assert.Equal(t, 3, payload.CompletedTasks)
	assert.Equal(t, 0, payload.FailedTasks)
	assert.InDelta(t, 0.03, payload.TotalCostUSD, 1e-9)

	assert.Equal(t, StateIdle, rig.engine.State())
	assert.Empty(t, rig.engine.SessionID())

	sess, err := rig.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionComplete, sess.Status)
}

func TestDiamondJoinEmitsOnce(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	sessionID := rig.load(t, graphDoc("diamond",
		taskSpec("A"), taskSpec("B", "A"), taskSpec("C", "A"), taskSpec("D", "B", "C")))
	require.NoError(t, rig.engine.StartExecution(context.Background(), sessionID, 5))

	rig.runAndComplete(t, sessionID, "A", 0)
	assert.Equal(t, []string{"A", "B", "C"}, rig.rec.readyIDs())

	rig.runAndComplete(t, sessionID, "B", 0)
	assert.NotContains(t, rig.rec.readyIDs(), "D")

	rig.runAndComplete(t, sessionID, "C", 0)
	ready := rig.rec.readyIDs()
	count := 0
	for _, id := range ready {
		if id == "D" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	rig.runAndComplete(t, sessionID, "D", 0)
	assert.Len(t, rig.rec.ofType(events.GraphComplete), 1)
}

func TestConcurrencyCap(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("cap",
		taskSpec("t1"), taskSpec("t2"), taskSpec("t3"), taskSpec("t4"), taskSpec("t5")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 2))

	assert.Equal(t, []string{"t1", "t2"}, rig.rec.readyIDs())
	assert.Equal(t, 2, rig.engine.InFlight())

	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "t1", "w1"))
	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "t2", "w2"))
	assert.Equal(t, 0, rig.engine.InFlight())
	assert.Equal(t, []string{"t1", "t2"}, rig.rec.readyIDs())

	require.NoError(t, rig.engine.MarkTaskComplete(ctx, sessionID, "t1", nil, 0))
	assert.Equal(t, []string{"t1", "t2", "t3"}, rig.rec.readyIDs())

	counts, err := rig.store.CountTasksByStatus(ctx, sessionID)
	require.NoError(t, err)
	assert.LessOrEqual(t, rig.engine.InFlight()+counts.Running, 2)
}

func TestRetryCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRetryCeiling = 2
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("retry", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	for attempt := 0; attempt < 3; attempt++ {
		require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
		require.NoError(t, rig.engine.MarkTaskFailed(ctx, sessionID, "A", "boom", 9, 0.005))
	}

	task, err := rig.store.GetTask(ctx, sessionID, "A")
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, "boom", task.Error)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 9, *task.ExitCode)
	assert.InDelta(t, 0.015, task.CostUSD, 1e-9)

	failed := rig.rec.ofType(events.TaskFailed)
	require.Len(t, failed, 3)
	assert.True(t, failed[0].Data.(events.TaskFailedPayload).WillRetry)
	assert.True(t, failed[1].Data.(events.TaskFailedPayload).WillRetry)
	last := failed[2].Data.(events.TaskFailedPayload)
	assert.False(t, last.WillRetry)
	assert.Equal(t, 9, last.ExitCode)

	// Each retry re-emits the task, so the ready journal has one entry per
	// attempt.
	assert.Equal(t, []string{"A", "A", "A"}, rig.rec.readyIDs())

	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
	payload := complete[0].Data.(events.GraphCompletePayload)
	assert.Equal(t, 1, payload.FailedTasks)
	assert.Equal(t, 0, payload.CompletedTasks)
}

func TestOneFewerFailureCompletes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRetryCeiling = 2
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("retry-ok", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
		require.NoError(t, rig.engine.MarkTaskFailed(ctx, sessionID, "A", "flaky", 1, 0))
	}
	rig.runAndComplete(t, sessionID, "A", 0.01)

	task, err := rig.store.GetTask(ctx, sessionID, "A")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)

	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 1, complete[0].Data.(events.GraphCompletePayload).CompletedTasks)
}

func TestTerminalFailureCancelsDependents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRetryCeiling = 0
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("cascade",
		taskSpec("A"), taskSpec("B", "A"), taskSpec("C", "B"), taskSpec("X")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 5))

	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "X", "w2"))
	require.NoError(t, rig.engine.MarkTaskFailed(ctx, sessionID, "A", "bad", 1, 0))

	for _, id := range []string{"B", "C"} {
		task, err := rig.store.GetTask(ctx, sessionID, id)
		require.NoError(t, err)
		assert.Equal(t, store.TaskCancelled, task.Status, "task %s", id)
	}

	// The unrelated branch still finishes and the session settles.
	require.NoError(t, rig.engine.MarkTaskComplete(ctx, sessionID, "X", nil, 0))

	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
	payload := complete[0].Data.(events.GraphCompletePayload)
	assert.Equal(t, 4, payload.TotalTasks)
	assert.Equal(t, 1, payload.CompletedTasks)
	assert.Equal(t, 1, payload.FailedTasks)
	assert.Equal(t, StateIdle, rig.engine.State())
}

func TestLoadGraphRejectsCycle(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	_, err := rig.engine.LoadGraph(context.Background(),
		graphDoc("cyclic", taskSpec("A", "B"), taskSpec("B", "A")), "bad.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))

	sessions, err := rig.store.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestLoadGraphRejectsDanglingDependency(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())

	_, err := rig.engine.LoadGraph(context.Background(),
		graphDoc("dangling", taskSpec("A", "ghost")), "bad.yaml")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestIllegalTransitions(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	assert.True(t, errors.IsIllegalState(rig.engine.Pause(ctx)))
	assert.True(t, errors.IsIllegalState(rig.engine.Resume(ctx)))
	assert.True(t, errors.IsIllegalState(rig.engine.Cancel(ctx)))

	sessionID := rig.load(t, graphDoc("illegal", taskSpec("A"), taskSpec("B")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	err := rig.engine.StartExecution(ctx, sessionID, 1)
	assert.True(t, errors.IsIllegalState(err))

	assert.True(t, errors.IsIllegalState(rig.engine.Resume(ctx)))

	// B has not been emitted yet, so it cannot run or complete.
	err = rig.engine.MarkTaskRunning(ctx, sessionID, "B", "w1")
	assert.True(t, errors.IsIllegalState(err))
	err = rig.engine.MarkTaskComplete(ctx, sessionID, "B", nil, 0)
	assert.True(t, errors.IsIllegalState(err))
}

func TestMarkRunningUnknownTask(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("unknown", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	err := rig.engine.MarkTaskRunning(ctx, sessionID, "nope", "w1")
	assert.True(t, errors.IsNotFound(err))
}

func TestStartExecutionValidation(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	err := rig.engine.StartExecution(ctx, "missing", 2)
	assert.True(t, errors.IsNotFound(err))

	sessionID := rig.load(t, graphDoc("valid", taskSpec("A")))
	err = rig.engine.StartExecution(ctx, sessionID, 0)
	assert.True(t, errors.IsValidation(err))
}

func TestCompletedSessionCannotRestart(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("done", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))
	rig.runAndComplete(t, sessionID, "A", 0)
	require.Equal(t, StateIdle, rig.engine.State())

	err := rig.engine.StartExecution(ctx, sessionID, 1)
	assert.True(t, errors.IsIllegalState(err))
	assert.Len(t, rig.rec.ofType(events.GraphComplete), 1)
}

func TestGraphCompleteObservedInCompletingState(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	var stateAtDelivery State
	_, err := rig.bus.Subscribe(events.GraphComplete, func(_ context.Context, _ *bus.Event) error {
		stateAtDelivery = rig.engine.State()
		return nil
	})
	require.NoError(t, err)

	sessionID := rig.load(t, graphDoc("observe", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))
	rig.runAndComplete(t, sessionID, "A", 0)

	assert.Equal(t, StateCompleting, stateAtDelivery)
	assert.Equal(t, StateIdle, rig.engine.State())
}

// TestJournalMatchesStatuses checks the crash-safety contract: every task's
// final status equals the newest journal entry, and entries chain, each old
// status picking up where the previous entry left off.
func TestJournalMatchesStatuses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultRetryCeiling = 1
	rig := newTestRig(t, cfg)
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("journal",
		taskSpec("A"), taskSpec("B", "A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 2))

	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
	require.NoError(t, rig.engine.MarkTaskFailed(ctx, sessionID, "A", "first try", 1, 0))
	rig.runAndComplete(t, sessionID, "A", 0.01)
	rig.runAndComplete(t, sessionID, "B", 0.01)

	tasks, err := rig.store.ListTasks(ctx, sessionID)
	require.NoError(t, err)
	for _, task := range tasks {
		entries, err := rig.store.ListTaskLog(ctx, sessionID, task.ID)
		require.NoError(t, err)
		require.NotEmpty(t, entries, "task %s has no journal", task.ID)

		assert.Equal(t, store.TaskPending, entries[0].OldStatus)
		for i := 1; i < len(entries); i++ {
			assert.Equal(t, entries[i-1].NewStatus, entries[i].OldStatus,
				"task %s journal breaks at entry %d", task.ID, i)
		}
		assert.Equal(t, task.Status, entries[len(entries)-1].NewStatus)
	}
}

func TestReadyOrderFollowsInsertion(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("order",
		taskSpec("z"), taskSpec("m"), taskSpec("a")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 5))

	assert.Equal(t, []string{"z", "m", "a"}, rig.rec.readyIDs())
}

func TestQueuedTaskHoldsSlot(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("queued", taskSpec("A"), taskSpec("B")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	require.NoError(t, rig.engine.MarkTaskQueued(ctx, sessionID, "A", "w1"))
	assert.Equal(t, 1, rig.engine.InFlight())
	assert.Equal(t, []string{"A"}, rig.rec.readyIDs())

	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
	assert.Equal(t, 0, rig.engine.InFlight())

	require.NoError(t, rig.engine.MarkTaskComplete(ctx, sessionID, "A", nil, 0))
	assert.Equal(t, []string{"A", "B"}, rig.rec.readyIDs())
	rig.runAndComplete(t, sessionID, "B", 0)
	assert.Equal(t, StateIdle, rig.engine.State())
}

func TestHandlerReentrancyDrivesExecution(t *testing.T) {
	rig := newTestRig(t, DefaultConfig())
	ctx := context.Background()

	// A subscriber that immediately acknowledges and completes each ready
	// task, the way a run loop does. Delivery must not deadlock and the
	// whole chain must settle from the single StartExecution call.
	_, err := rig.bus.Subscribe(events.TaskReady, func(_ context.Context, ev *bus.Event) error {
		payload := ev.Data.(events.TaskReadyPayload)
		if err := rig.engine.MarkTaskRunning(ctx, payload.SessionID, payload.TaskID, "w"); err != nil {
			return err
		}
		return rig.engine.MarkTaskComplete(ctx, payload.SessionID, payload.TaskID, nil, 0.01)
	})
	require.NoError(t, err)

	sessionID := rig.load(t, graphDoc("reentrant",
		taskSpec("A"), taskSpec("B", "A"), taskSpec("C", "B")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	require.Eventually(t, func() bool {
		return rig.engine.State() == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
	payload := complete[0].Data.(events.GraphCompletePayload)
	assert.Equal(t, 3, payload.CompletedTasks)
	assert.InDelta(t, 0.03, payload.TotalCostUSD, 1e-9)
}
