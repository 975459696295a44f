package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/dispatch"
	"github.com/johnplanow/substrate-sub006/internal/engine"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/internal/worktree"
	"github.com/johnplanow/substrate-sub006/pkg/graphfile"
)

// stubHandle resolves immediately with a fixed result.
type stubHandle struct {
	id  string
	res dispatch.Result
}

func (h stubHandle) WorkerID() string { return h.id }

func (h stubHandle) Result(ctx context.Context) (dispatch.Result, error) { return h.res, nil }

func (h stubHandle) Cancel(string) {}

// blockingHandle stays unresolved until the terminator or a Cancel call
// settles it, imitating a long-running agent process.
type blockingHandle struct {
	id   string
	once sync.Once
	ch   chan dispatch.Result
}

func newBlockingHandle(id string) *blockingHandle {
	return &blockingHandle{id: id, ch: make(chan dispatch.Result, 1)}
}

func (h *blockingHandle) WorkerID() string { return h.id }

func (h *blockingHandle) Result(ctx context.Context) (dispatch.Result, error) {
	select {
	case res := <-h.ch:
		return res, nil
	case <-ctx.Done():
		return dispatch.Result{}, ctx.Err()
	}
}

func (h *blockingHandle) Cancel(reason string) {
	h.resolve(dispatch.Result{Status: dispatch.StatusFailed, Error: reason})
}

func (h *blockingHandle) resolve(res dispatch.Result) {
	h.once.Do(func() { h.ch <- res })
}

// scriptedAgent satisfies agentDispatcher with per-request scripting.
type scriptedAgent struct {
	mu     sync.Mutex
	calls  []dispatch.Request
	script func(req dispatch.Request) (agentHandle, error)
}

func (s *scriptedAgent) Dispatch(ctx context.Context, req dispatch.Request) (agentHandle, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.script(req)
}

func (s *scriptedAgent) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedAgent) snapshot() []dispatch.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatch.Request{}, s.calls...)
}

func succeedWith(cost float64, parsed map[string]any) func(dispatch.Request) (agentHandle, error) {
	return func(dispatch.Request) (agentHandle, error) {
		return stubHandle{id: "sim-worker", res: dispatch.Result{
			Status:  dispatch.StatusCompleted,
			Output:  "done",
			Parsed:  parsed,
			CostUSD: cost,
		}}, nil
	}
}

// terminator records TerminateAll calls and settles every blocking handle
// it was given, the way the real pool reaps processes.
type terminator struct {
	mu      sync.Mutex
	handles []*blockingHandle
	reasons []string
}

func (tm *terminator) track(h *blockingHandle) *blockingHandle {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.handles = append(tm.handles, h)
	return h
}

func (tm *terminator) TerminateAll(ctx context.Context, reason string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.reasons = append(tm.reasons, reason)
	for _, h := range tm.handles {
		h.resolve(dispatch.Result{Status: dispatch.StatusFailed, Error: "terminated: " + reason})
	}
}

func (tm *terminator) calls() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]string{}, tm.reasons...)
}

// driverTrees fakes the worktree manager with an in-memory ledger.
type driverTrees struct {
	mu              sync.Mutex
	created         map[string]string
	removed         []string
	removedSessions []string
	failCreate      bool
}

func newDriverTrees() *driverTrees {
	return &driverTrees{created: make(map[string]string)}
}

func (f *driverTrees) Create(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, fmt.Errorf("git worktree add: exit status 128")
	}
	path := filepath.Join("/tmp/worktrees", req.SessionID, req.TaskID)
	f.created[req.TaskID] = path
	return &worktree.Worktree{
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		Path:       path,
		Branch:     "substrate/" + req.TaskID,
		BaseBranch: req.BaseBranch,
	}, nil
}

func (f *driverTrees) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func (f *driverTrees) RemoveSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedSessions = append(f.removedSessions, sessionID)
	return nil
}

func (f *driverTrees) removedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.removed...)
}

type driverFixture struct {
	st       *store.Store
	eventBus *bus.MemoryEventBus
	eng      *engine.Engine
	registry *adapter.Registry
	agent    *scriptedAgent
	trees    *driverTrees
	term     *terminator
}

func newDriverFixture(t *testing.T, retryCeiling int, script func(dispatch.Request) (agentHandle, error)) *driverFixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(func() { eventBus.Close() })

	eng := engine.New(st, eventBus, logger.Default(), engine.Config{
		SignalPollInterval:  20 * time.Millisecond,
		DefaultRetryCeiling: retryCeiling,
		DefaultAgent:        "sim-agent",
		RecoveryPolicy:      engine.RecoverReset,
	})
	t.Cleanup(eng.Close)

	registry := adapter.NewRegistry(logger.Default())
	require.NoError(t, registry.Register(&adapter.MockAdapter{AdapterID: "sim-agent"}))

	return &driverFixture{
		st:       st,
		eventBus: eventBus,
		eng:      eng,
		registry: registry,
		agent:    &scriptedAgent{script: script},
		trees:    newDriverTrees(),
		term:     &terminator{},
	}
}

func (f *driverFixture) load(t *testing.T, doc *graphfile.Document) string {
	t.Helper()
	sessionID, err := f.eng.LoadGraph(context.Background(), doc, "test.yaml")
	require.NoError(t, err)
	return sessionID
}

func (f *driverFixture) driver(sessionID string, gate budgetGate, cleanup bool) *driver {
	return newDriver(driverConfig{
		SessionID:        sessionID,
		BaseBranch:       "main",
		TaskTimeout:      time.Minute,
		CleanupWorktrees: cleanup,
		Engine:           f.eng,
		Store:            f.st,
		Registry:         f.registry,
		Agents:           f.agent,
		Workers:          f.term,
		Trees:            f.trees,
		Gate:             gate,
		Bus:              f.eventBus,
		Log:              logger.Default(),
	})
}

func chainDoc(taskIDs ...string) *graphfile.Document {
	doc := &graphfile.Document{
		Version: "1",
		Session: graphfile.SessionSpec{Name: "driver-test", BaseBranch: "main"},
	}
	for i, id := range taskIDs {
		spec := graphfile.TaskSpec{
			ID:     id,
			Name:   "task " + id,
			Prompt: "work on " + id,
			Type:   "coding",
			Agent:  "sim-agent",
			Model:  "sim-model",
		}
		if i > 0 {
			spec.DependsOn = []string{taskIDs[i-1]}
		}
		doc.Tasks = append(doc.Tasks, spec)
	}
	return doc
}

func TestDriverRunsGraphToCompletion(t *testing.T) {
	f := newDriverFixture(t, 0, succeedWith(0.01, map[string]any{"summary": "done"}))
	sessionID := f.load(t, chainDoc("a", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.driver(sessionID, nil, true).Run(ctx, 2))

	for _, id := range []string{"a", "b"} {
		task, err := f.st.GetTask(ctx, sessionID, id)
		require.NoError(t, err)
		require.Equal(t, store.TaskCompleted, task.Status)
		require.Equal(t, "done", task.Result["summary"])
		require.Equal(t, "sim-worker", task.WorkerID)
	}

	sess, err := f.st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionComplete, sess.Status)
	require.InDelta(t, 0.02, sess.TotalCostUSD, 1e-9)

	calls := f.agent.snapshot()
	require.Len(t, calls, 2)
	for _, req := range calls {
		require.Equal(t, sessionID, req.SessionID)
		require.Equal(t, "sim-agent", req.Agent)
		require.Equal(t, store.CategoryExecution, req.Category)
		require.Equal(t, filepath.Join("/tmp/worktrees", sessionID, req.TaskID), req.WorkingDirectory)
	}
	// b depends on a, so dispatch order is fixed
	require.Equal(t, "a", calls[0].TaskID)
	require.Equal(t, "b", calls[1].TaskID)

	require.ElementsMatch(t, []string{
		filepath.Join("/tmp/worktrees", sessionID, "a"),
		filepath.Join("/tmp/worktrees", sessionID, "b"),
	}, f.trees.removedPaths())
}

func TestDriverRetriesFailedTask(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	script := func(req dispatch.Request) (agentHandle, error) {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			return stubHandle{id: "sim-worker", res: dispatch.Result{
				Status:   dispatch.StatusFailed,
				Error:    "tests failed",
				ExitCode: 3,
				CostUSD:  0.002,
			}}, nil
		}
		return succeedWith(0.01, map[string]any{"summary": "fixed"})(req)
	}

	f := newDriverFixture(t, 2, script)
	sessionID := f.load(t, chainDoc("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.driver(sessionID, nil, true).Run(ctx, 1))

	task, err := f.st.GetTask(ctx, sessionID, "a")
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.Equal(t, 2, f.agent.count())

	// the worktree survives the failed attempt and is removed only after
	// the successful one
	require.Equal(t, []string{filepath.Join("/tmp/worktrees", sessionID, "a")}, f.trees.removedPaths())
}

func TestDriverDispatchErrorFailsTask(t *testing.T) {
	script := func(dispatch.Request) (agentHandle, error) {
		return nil, errors.Dispatch("agent binary not found in PATH", nil)
	}
	f := newDriverFixture(t, 0, script)
	sessionID := f.load(t, chainDoc("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.driver(sessionID, nil, true).Run(ctx, 1))

	task, err := f.st.GetTask(ctx, sessionID, "a")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, task.Status)
	require.Contains(t, task.Error, "agent binary not found")
}

func TestDriverWorktreeFailureFailsTask(t *testing.T) {
	f := newDriverFixture(t, 0, succeedWith(0, nil))
	f.trees.failCreate = true
	sessionID := f.load(t, chainDoc("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.driver(sessionID, nil, true).Run(ctx, 1))

	task, err := f.st.GetTask(ctx, sessionID, "a")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, task.Status)
	require.Contains(t, task.Error, "provision worktree")
	require.Zero(t, f.agent.count())
}

type stubGate struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (g *stubGate) Authorize(ctx context.Context, sessionID, taskID, model string, tokens adapter.TokenEstimate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.err
}

func TestDriverBudgetVetoFailsTaskBeforeDispatch(t *testing.T) {
	f := newDriverFixture(t, 0, succeedWith(0, nil))
	sessionID := f.load(t, chainDoc("a"))
	gate := &stubGate{err: errors.Budget("session budget exceeded: estimated $1.20 over cap")}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.driver(sessionID, gate, true).Run(ctx, 1))

	task, err := f.st.GetTask(ctx, sessionID, "a")
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, task.Status)
	require.Contains(t, task.Error, "budget exceeded")
	require.Zero(t, f.agent.count())
	require.Equal(t, 1, gate.calls)
}

func TestDriverCancelTerminatesWorkersAndRemovesTrees(t *testing.T) {
	f := newDriverFixture(t, 0, nil)
	started := make(chan struct{})
	var startOnce sync.Once
	f.agent.script = func(req dispatch.Request) (agentHandle, error) {
		h := f.term.track(newBlockingHandle("sim-worker"))
		startOnce.Do(func() { close(started) })
		return h, nil
	}
	sessionID := f.load(t, chainDoc("a", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	drv := f.driver(sessionID, nil, true)
	runDone := make(chan error, 1)
	go func() { runDone <- drv.Run(ctx, 2) }()

	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("agent never started")
	}
	require.NoError(t, f.eng.RequestCancel(ctx, sessionID))

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("driver did not stop after cancel")
	}

	require.Equal(t, []string{"session cancelled"}, f.term.calls())
	require.Equal(t, []string{sessionID}, f.trees.removedSessions)

	sess, err := f.st.GetSession(ctx, sessionID)
	require.NoError(t, err)
	require.Equal(t, store.SessionCancelled, sess.Status)
}

func TestDriverKeepsWorktreesWhenCleanupDisabled(t *testing.T) {
	f := newDriverFixture(t, 0, succeedWith(0.01, nil))
	sessionID := f.load(t, chainDoc("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.driver(sessionID, nil, false).Run(ctx, 1))

	task, err := f.st.GetTask(ctx, sessionID, "a")
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, task.Status)
	require.Empty(t, f.trees.removedPaths())
}
