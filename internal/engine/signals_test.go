package engine

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

func fastPollConfig() Config {
	cfg := DefaultConfig()
	cfg.SignalPollInterval = 20 * time.Millisecond
	return cfg
}

func waitForState(t *testing.T, e *Engine, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return e.State() == want },
		2*time.Second, 5*time.Millisecond, "engine never reached %s", want)
}

func TestPauseAndResumeSignals(t *testing.T) {
	rig := newTestRig(t, fastPollConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("pause",
		taskSpec("A"), taskSpec("B"), taskSpec("C")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 2))
	assert.Equal(t, []string{"A", "B"}, rig.rec.readyIDs())

	require.NoError(t, rig.engine.RequestPause(ctx, sessionID))
	waitForState(t, rig.engine, StatePaused)

	sess, err := rig.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPaused, sess.Status)

	// Already-dispatched work keeps going while paused. Completions are
	// recorded but nothing new is handed out.
	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "B", "w2"))
	require.NoError(t, rig.engine.MarkTaskComplete(ctx, sessionID, "A", nil, 0.01))

	task, err := rig.store.GetTask(ctx, sessionID, "A")
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, task.Status)
	assert.Equal(t, []string{"A", "B"}, rig.rec.readyIDs())

	require.NoError(t, rig.engine.RequestResume(ctx, sessionID))
	waitForState(t, rig.engine, StateExecuting)
	require.Eventually(t, func() bool {
		return slices.Contains(rig.rec.readyIDs(), "C")
	}, 2*time.Second, 5*time.Millisecond)

	resumedAt := rig.rec.indexOf(events.GraphResumed, 0)
	thirdReadyAt := rig.rec.indexOf(events.TaskReady, 2)
	require.GreaterOrEqual(t, resumedAt, 0)
	require.GreaterOrEqual(t, thirdReadyAt, 0)
	assert.Less(t, resumedAt, thirdReadyAt, "resume must precede the next hand-out")
	assert.Len(t, rig.rec.ofType(events.GraphPaused), 1)

	require.NoError(t, rig.engine.MarkTaskComplete(ctx, sessionID, "B", nil, 0.01))
	rig.runAndComplete(t, sessionID, "C", 0.01)

	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, 3, complete[0].Data.(events.GraphCompletePayload).CompletedTasks)
	assert.Equal(t, StateIdle, rig.engine.State())
}

func TestCancelSignalStopsEverything(t *testing.T) {
	rig := newTestRig(t, fastPollConfig())
	ctx := context.Background()

	var captureMu sync.Mutex
	var stateAtDelivery State
	_, err := rig.bus.Subscribe(events.GraphCancelled, func(_ context.Context, _ *bus.Event) error {
		captureMu.Lock()
		defer captureMu.Unlock()
		stateAtDelivery = rig.engine.State()
		return nil
	})
	require.NoError(t, err)

	sessionID := rig.load(t, graphDoc("cancel",
		taskSpec("A"), taskSpec("B"), taskSpec("C", "A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 2))
	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "A", "w1"))
	require.NoError(t, rig.engine.MarkTaskRunning(ctx, sessionID, "B", "w2"))

	require.NoError(t, rig.engine.RequestCancel(ctx, sessionID))
	waitForState(t, rig.engine, StateIdle)

	captureMu.Lock()
	assert.Equal(t, StateCancelling, stateAtDelivery,
		"cancel notice must go out before the engine settles")
	captureMu.Unlock()

	tasks, err := rig.store.ListTasks(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, store.TaskCancelled, task.Status, "task %s", task.ID)
	}

	cancelled := rig.rec.ofType(events.GraphCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, 3, cancelled[0].Data.(events.GraphCancelledPayload).CancelledTasks)
	assert.Empty(t, rig.rec.ofType(events.GraphComplete))

	sess, err := rig.store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCancelled, sess.Status)
	assert.Empty(t, rig.engine.SessionID())

	pendingSignals, err := rig.store.UnprocessedSignals(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, pendingSignals)
}

// TestSignalsApplyInOrder enqueues pause then resume back to back. Applied in
// id order the engine lands back in executing; applied backwards the resume
// would bounce off and the pause would stick.
func TestSignalsApplyInOrder(t *testing.T) {
	rig := newTestRig(t, fastPollConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("fifo", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	require.NoError(t, rig.engine.RequestPause(ctx, sessionID))
	require.NoError(t, rig.engine.RequestResume(ctx, sessionID))

	require.Eventually(t, func() bool {
		pending, err := rig.store.UnprocessedSignals(ctx, sessionID)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	waitForState(t, rig.engine, StateExecuting)

	require.Len(t, rig.rec.ofType(events.GraphPaused), 1)
	require.Len(t, rig.rec.ofType(events.GraphResumed), 1)
	assert.Less(t,
		rig.rec.indexOf(events.GraphPaused, 0),
		rig.rec.indexOf(events.GraphResumed, 0))

	rig.runAndComplete(t, sessionID, "A", 0)
	assert.Equal(t, StateIdle, rig.engine.State())
}

func TestInapplicableSignalIsSwallowed(t *testing.T) {
	rig := newTestRig(t, fastPollConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("noop", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))

	// Resuming a session that never paused cannot apply. The signal must
	// still be stamped so the queue keeps moving.
	require.NoError(t, rig.engine.RequestResume(ctx, sessionID))

	require.Eventually(t, func() bool {
		pending, err := rig.store.UnprocessedSignals(ctx, sessionID)
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, StateExecuting, rig.engine.State())
	assert.Empty(t, rig.rec.ofType(events.GraphResumed))

	rig.runAndComplete(t, sessionID, "A", 0)
	complete := rig.rec.ofType(events.GraphComplete)
	require.Len(t, complete, 1)
}

func TestRequestSignalPublishesNotice(t *testing.T) {
	rig := newTestRig(t, fastPollConfig())
	ctx := context.Background()

	sessionID := rig.load(t, graphDoc("notice", taskSpec("A")))
	require.NoError(t, rig.engine.StartExecution(ctx, sessionID, 1))
	require.NoError(t, rig.engine.RequestPause(ctx, sessionID))

	requested := rig.rec.ofType(events.SessionPauseRequested)
	require.Len(t, requested, 1)
	payload := requested[0].Data.(events.SignalRequestedPayload)
	assert.Equal(t, sessionID, payload.SessionID)
	assert.Positive(t, payload.SignalID)

	waitForState(t, rig.engine, StatePaused)
}
