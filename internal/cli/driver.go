package cli

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/dispatch"
	"github.com/johnplanow/substrate-sub006/internal/engine"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/internal/worktree"
)

// agentHandle is the in-flight view of one dispatched agent.
type agentHandle interface {
	WorkerID() string
	Result(ctx context.Context) (dispatch.Result, error)
	Cancel(reason string)
}

// agentDispatcher spawns agents. Satisfied by dispatcherRunner in
// production and by scripted fakes in tests.
type agentDispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (agentHandle, error)
}

// workerTerminator kills whatever is still running at cancellation.
type workerTerminator interface {
	TerminateAll(ctx context.Context, reason string)
}

// treeManager provisions and reclaims per-task worktrees.
type treeManager interface {
	Create(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error)
	Remove(ctx context.Context, path string) error
	RemoveSession(ctx context.Context, sessionID string) error
}

// budgetGate vetoes a dispatch whose estimated cost would break a cap.
type budgetGate interface {
	Authorize(ctx context.Context, sessionID, taskID, model string, tokens adapter.TokenEstimate) error
}

// dispatcherRunner adapts *dispatch.Dispatcher to agentDispatcher.
type dispatcherRunner struct {
	d *dispatch.Dispatcher
}

func (r dispatcherRunner) Dispatch(ctx context.Context, req dispatch.Request) (agentHandle, error) {
	h, err := r.d.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return dispatchHandle{h}, nil
}

type dispatchHandle struct {
	h *dispatch.Handle
}

func (w dispatchHandle) WorkerID() string { return w.h.WorkerID }

func (w dispatchHandle) Result(ctx context.Context) (dispatch.Result, error) {
	return w.h.Result(ctx)
}

func (w dispatchHandle) Cancel(reason string) { w.h.Cancel(reason) }

// driverConfig wires a driver to one session's collaborators.
type driverConfig struct {
	SessionID        string
	BaseBranch       string
	TaskTimeout      time.Duration
	CleanupWorktrees bool

	Engine   *engine.Engine
	Store    *store.Store
	Registry *adapter.Registry
	Agents   agentDispatcher
	Workers  workerTerminator
	Trees    treeManager
	Gate     budgetGate
	Bus      bus.EventBus
	Log      *logger.Logger
}

// driver is the dispatch loop behind the start command. It turns each
// task:ready event into a worktree, a budget check and an agent process,
// then reports the terminal result back to the engine. The engine owns
// scheduling and retries; the driver owns everything between ready and
// terminal.
type driver struct {
	cfg driverConfig
	log *logger.Logger

	runCtx context.Context

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}
}

func newDriver(cfg driverConfig) *driver {
	return &driver{
		cfg:  cfg,
		log:  cfg.Log.WithFields(zap.String("component", "driver"), zap.String("session_id", cfg.SessionID)),
		done: make(chan struct{}),
	}
}

// Run subscribes, starts execution, and blocks until the graph reaches a
// terminal event or ctx is cancelled. Subscriptions are registered before
// StartExecution so the initial burst of ready events is not missed.
func (d *driver) Run(ctx context.Context, maxConcurrency int) error {
	d.runCtx = ctx

	subs := make([]bus.Subscription, 0, 3)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for topic, handler := range map[string]bus.EventHandler{
		events.TaskReady:      d.onTaskReady,
		events.GraphComplete:  d.onGraphComplete,
		events.GraphCancelled: d.onGraphCancelled,
	} {
		sub, err := d.cfg.Bus.Subscribe(topic, handler)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	if err := d.cfg.Engine.StartExecution(ctx, d.cfg.SessionID, maxConcurrency); err != nil {
		return err
	}

	select {
	case <-d.done:
	case <-ctx.Done():
		// Interrupted. Kill the children now; the tasks stay running in
		// the store and the next start --session run recovers them.
		d.cfg.Workers.TerminateAll(context.Background(), "run interrupted")
	}
	d.wg.Wait()
	return ctx.Err()
}

func (d *driver) onTaskReady(ctx context.Context, e *bus.Event) error {
	p, ok := e.Data.(events.TaskReadyPayload)
	if !ok || p.SessionID != d.cfg.SessionID {
		return nil
	}
	// Each task runs in its own goroutine: bus delivery is synchronous and
	// a blocking handler would stall the engine's event pump.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runTask(d.runCtx, p.TaskID)
	}()
	return nil
}

func (d *driver) onGraphComplete(ctx context.Context, e *bus.Event) error {
	p, ok := e.Data.(events.GraphCompletePayload)
	if !ok || p.SessionID != d.cfg.SessionID {
		return nil
	}
	d.finish()
	return nil
}

func (d *driver) onGraphCancelled(ctx context.Context, e *bus.Event) error {
	p, ok := e.Data.(events.GraphCancelledPayload)
	if !ok || p.SessionID != d.cfg.SessionID {
		return nil
	}
	d.cfg.Workers.TerminateAll(ctx, "session cancelled")
	if err := d.cfg.Trees.RemoveSession(ctx, d.cfg.SessionID); err != nil {
		d.log.Warn("failed to remove session worktrees", zap.Error(err))
	}
	d.finish()
	return nil
}

func (d *driver) finish() {
	d.doneOnce.Do(func() { close(d.done) })
}

func (d *driver) runTask(ctx context.Context, taskID string) {
	log := d.log.WithFields(zap.String("task_id", taskID))

	task, err := d.cfg.Store.GetTask(ctx, d.cfg.SessionID, taskID)
	if err != nil {
		d.failTask(ctx, taskID, "load task: "+err.Error())
		return
	}

	wt, err := d.cfg.Trees.Create(ctx, worktree.CreateRequest{
		SessionID:  d.cfg.SessionID,
		TaskID:     taskID,
		TaskName:   task.Name,
		BaseBranch: d.cfg.BaseBranch,
	})
	if err != nil {
		d.failTask(ctx, taskID, "provision worktree: "+err.Error())
		return
	}

	if d.cfg.Gate != nil {
		ad, err := d.cfg.Registry.Get(task.AdapterID)
		if err != nil {
			d.failTask(ctx, taskID, err.Error())
			return
		}
		if err := d.cfg.Gate.Authorize(ctx, d.cfg.SessionID, taskID, task.Model, ad.EstimateTokens(task.Prompt)); err != nil {
			d.failTask(ctx, taskID, err.Error())
			return
		}
	}

	h, err := d.cfg.Agents.Dispatch(ctx, dispatch.Request{
		Prompt:           task.Prompt,
		Agent:            task.AdapterID,
		TaskType:         task.TaskType,
		Timeout:          d.cfg.TaskTimeout,
		WorkingDirectory: wt.Path,
		Model:            task.Model,
		SessionID:        d.cfg.SessionID,
		TaskID:           taskID,
		Category:         store.CategoryExecution,
	})
	if err != nil {
		d.failTask(ctx, taskID, err.Error())
		return
	}

	if err := d.cfg.Engine.MarkTaskRunning(ctx, d.cfg.SessionID, taskID, h.WorkerID()); err != nil {
		// The task stopped being runnable between ready and spawn, usually
		// a cancel racing the dispatch. Stop the worker and move on.
		log.Debug("task no longer runnable after spawn", zap.Error(err))
		h.Cancel("task no longer runnable")
		return
	}

	res, err := h.Result(ctx)
	if err != nil {
		// Shutdown while the agent was working. The task stays running in
		// the store; recovery resolves it on the next start.
		log.Debug("abandoning in-flight task", zap.Error(err))
		return
	}

	switch res.Status {
	case dispatch.StatusCompleted:
		if err := d.cfg.Engine.MarkTaskComplete(ctx, d.cfg.SessionID, taskID, res.Parsed, res.CostUSD); err != nil {
			log.Debug("completion not recorded", zap.Error(err))
			return
		}
		if d.cfg.CleanupWorktrees {
			if err := d.cfg.Trees.Remove(ctx, wt.Path); err != nil {
				log.Warn("failed to remove worktree", zap.String("path", wt.Path), zap.Error(err))
			}
		}
	default:
		msg := res.Error
		if msg == "" {
			msg = "agent finished with status " + string(res.Status)
		}
		// The worktree is kept so a retry resumes from the partial state.
		if err := d.cfg.Engine.MarkTaskFailed(ctx, d.cfg.SessionID, taskID, msg, res.ExitCode, res.CostUSD); err != nil {
			log.Debug("failure not recorded", zap.Error(err))
		}
	}
}

func (d *driver) failTask(ctx context.Context, taskID, msg string) {
	if err := d.cfg.Engine.MarkTaskFailed(ctx, d.cfg.SessionID, taskID, msg, -1, 0); err != nil {
		d.log.Debug("failure not recorded", zap.String("task_id", taskID), zap.Error(err))
	}
}
