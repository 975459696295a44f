//go:build !windows

package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// eventRecorder collects bus events for assertions. The bus delivers
// synchronously, so events are recorded before Publish returns.
type eventRecorder struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (r *eventRecorder) record(_ context.Context, e *bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) ofType(eventType string) []*bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestPool(t *testing.T, grace time.Duration) (*Pool, *eventRecorder) {
	t.Helper()
	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	rec := &eventRecorder{}
	_, err := eventBus.Subscribe("worker:*", rec.record)
	require.NoError(t, err)

	p := New(eventBus, log, Options{TerminateGrace: grace})
	t.Cleanup(func() { p.TerminateAll(context.Background(), "test cleanup") })
	return p, rec
}

// shAdapter builds sh -c invocations so tests control the child's behaviour.
func shAdapter(script string) *adapter.MockAdapter {
	return &adapter.MockAdapter{
		AdapterID: "sh",
		CommandFn: func(prompt string, opts adapter.CommandOptions) adapter.CommandSpec {
			return adapter.CommandSpec{
				Binary: "sh",
				Args:   []string{"-c", script},
				Cwd:    opts.WorkingDirectory,
			}
		},
	}
}

func testTask(id string) *store.Task {
	return &store.Task{SessionID: "sess-1", ID: id, Name: id, Prompt: "run " + id}
}

func TestSpawnCapturesOutput(t *testing.T) {
	p, rec := newTestPool(t, 2*time.Second)

	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("echo out; echo err >&2; exit 0"), t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)
	assert.NotEmpty(t, h.WorkerID)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Signal)

	assert.Equal(t, 0, p.WorkerCount())
	_, found := p.Worker(h.WorkerID)
	assert.False(t, found)

	spawned := rec.ofType("worker:spawned")
	require.Len(t, spawned, 1)
}

func TestSpawnExitCode(t *testing.T) {
	p, _ := newTestPool(t, 2*time.Second)

	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("exit 7"), "")
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, res.ExitCode)
	assert.NoError(t, res.Err)
}

func TestSpawnMissingBinary(t *testing.T) {
	p, _ := newTestPool(t, 2*time.Second)

	missing := &adapter.MockAdapter{
		AdapterID: "ghost",
		CommandFn: func(string, adapter.CommandOptions) adapter.CommandSpec {
			return adapter.CommandSpec{Binary: "no-such-binary-for-sure"}
		},
	}
	_, err := p.Spawn(context.Background(), testTask("t1"), missing, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindDispatch, errors.KindOf(err))
	assert.Equal(t, 0, p.WorkerCount())
}

func TestSpawnRejectsSecondWorkerForTask(t *testing.T) {
	p, _ := newTestPool(t, 500*time.Millisecond)

	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("sleep 30"), "")
	require.NoError(t, err)

	_, err = p.Spawn(context.Background(), testTask("t1"), shAdapter("sleep 30"), "")
	require.Error(t, err)
	assert.True(t, errors.IsIllegalState(err))
	assert.Equal(t, 1, p.WorkerCount())

	h.Cancel("done testing")
	// The slot frees once the first worker is gone.
	_, err = p.Spawn(context.Background(), testTask("t1"), shAdapter("true"), "")
	require.NoError(t, err)
}

func TestCancelTerminatesWorker(t *testing.T) {
	p, rec := newTestPool(t, 2*time.Second)

	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("sleep 30"), "")
	require.NoError(t, err)

	h.Cancel("operator request")

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 143, res.ExitCode) // 128 + SIGTERM
	assert.Equal(t, "terminated", res.Signal)
	assert.Equal(t, 0, p.WorkerCount())

	terminated := rec.ofType("worker:terminated")
	require.Len(t, terminated, 1)
	payload, ok := terminated[0].Data.(events.WorkerTerminatedPayload)
	require.True(t, ok)
	assert.Equal(t, h.WorkerID, payload.WorkerID)
	assert.Equal(t, "operator request", payload.Reason)
}

func TestCancelEscalatesToKill(t *testing.T) {
	p, rec := newTestPool(t, 200*time.Millisecond)

	// The child ignores SIGTERM; only the SIGKILL escalation ends it.
	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter(`trap "" TERM; sleep 30`), "")
	require.NoError(t, err)

	start := time.Now()
	h.Cancel("stuck")
	res, err := h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 137, res.ExitCode) // 128 + SIGKILL
	assert.Equal(t, "killed", res.Signal)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Len(t, rec.ofType("worker:terminated"), 1)
}

func TestCancelFinishedWorkerIsNoop(t *testing.T) {
	p, rec := newTestPool(t, 2*time.Second)

	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("true"), "")
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	h.Cancel("too late")
	assert.Empty(t, rec.ofType("worker:terminated"))
}

func TestTerminateAll(t *testing.T) {
	p, rec := newTestPool(t, 2*time.Second)

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := p.Spawn(context.Background(), testTask(id), shAdapter("sleep 30"), "")
		require.NoError(t, err)
	}
	require.Equal(t, 3, p.WorkerCount())

	p.TerminateAll(context.Background(), "shutdown")

	assert.Equal(t, 0, p.WorkerCount())
	terminated := rec.ofType("worker:terminated")
	require.Len(t, terminated, 3)
}

func TestTerminateAllEmptyPool(t *testing.T) {
	p, rec := newTestPool(t, 2*time.Second)
	p.TerminateAll(context.Background(), "shutdown")
	assert.Empty(t, rec.ofType("worker:terminated"))
}

func TestActiveWorkersSnapshot(t *testing.T) {
	p, _ := newTestPool(t, 500*time.Millisecond)

	h1, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("sleep 30"), "")
	require.NoError(t, err)
	h2, err := p.Spawn(context.Background(), testTask("t2"), shAdapter("sleep 30"), "")
	require.NoError(t, err)

	active := p.ActiveWorkers()
	require.Len(t, active, 2)

	got, found := p.Worker(h1.WorkerID)
	require.True(t, found)
	assert.Equal(t, "t1", got.TaskID)

	h1.Cancel("cleanup")
	h2.Cancel("cleanup")
}

func TestWaitHonoursContext(t *testing.T) {
	p, _ := newTestPool(t, 500*time.Millisecond)

	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("sleep 30"), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h.Cancel("cleanup")
}

func TestWorktreeBecomesWorkingDirectory(t *testing.T) {
	p, _ := newTestPool(t, 2*time.Second)

	dir := t.TempDir()
	h, err := p.Spawn(context.Background(), testTask("t1"), shAdapter("pwd"), dir)
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
}

func TestMergeEnv(t *testing.T) {
	inherited := []string{"KEEP=1", "DROP_ME=x", "REPLACED=old"}
	merged := mergeEnv(inherited, []string{"DROP_ME"}, map[string]string{
		"REPLACED": "new",
		"ADDED":    "yes",
	})

	assert.Equal(t, []string{"KEEP=1", "ADDED=yes", "REPLACED=new"}, merged)
}

func TestMergeEnvNoOverlay(t *testing.T) {
	inherited := []string{"A=1", "B=2"}
	assert.Equal(t, inherited, mergeEnv(inherited, nil, nil))
}
