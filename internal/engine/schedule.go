package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// MarkTaskQueued records that a worker slot accepted the task. The task
// stays in flight until MarkTaskRunning.
func (e *Engine) MarkTaskQueued(ctx context.Context, sessionID, taskID, workerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.requireActiveTask(ctx, sessionID, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.TaskReady {
		return errors.IllegalStatef("task %s is %s, cannot mark queued", taskID, task.Status)
	}
	return e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
		SessionID: sessionID,
		TaskID:    &taskID,
		EventKind: store.LogTaskStatusChange,
		OldStatus: task.Status,
		NewStatus: store.TaskQueued,
		Agent:     task.AdapterID,
	}, func(tx *store.Tx) error {
		return tx.MarkTaskQueued(ctx, sessionID, taskID, workerID)
	})
}

// MarkTaskRunning acknowledges one emitted task:ready, releasing its
// in-flight slot. Callers must invoke it exactly once per emitted task.
func (e *Engine) MarkTaskRunning(ctx context.Context, sessionID, taskID, workerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task, err := e.requireActiveTask(ctx, sessionID, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.TaskReady && task.Status != store.TaskQueued {
		return errors.IllegalStatef("task %s is %s, cannot mark running", taskID, task.Status)
	}
	err = e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
		SessionID: sessionID,
		TaskID:    &taskID,
		EventKind: store.LogTaskStatusChange,
		OldStatus: task.Status,
		NewStatus: store.TaskRunning,
		Agent:     task.AdapterID,
	}, func(tx *store.Tx) error {
		return tx.MarkTaskRunning(ctx, sessionID, taskID, workerID)
	})
	if err != nil {
		return err
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	return nil
}

// MarkTaskComplete finalises a successful task and cascades: dependents
// whose other dependencies already completed become ready.
func (e *Engine) MarkTaskComplete(ctx context.Context, sessionID, taskID string, result map[string]any, costUSD float64) error {
	e.mu.Lock()
	task, err := e.requireActiveTask(ctx, sessionID, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status != store.TaskRunning {
		status := task.Status
		e.mu.Unlock()
		return errors.IllegalStatef("task %s is %s, cannot mark complete", taskID, status)
	}
	err = e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
		SessionID: sessionID,
		TaskID:    &taskID,
		EventKind: store.LogTaskStatusChange,
		OldStatus: store.TaskRunning,
		NewStatus: store.TaskCompleted,
		Agent:     task.AdapterID,
		CostDelta: costUSD,
		Data:      result,
	}, func(tx *store.Tx) error {
		return tx.MarkTaskCompleted(ctx, sessionID, taskID, result, costUSD)
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.queueEvent(events.TaskComplete, events.TaskCompletePayload{
		SessionID: sessionID,
		TaskID:    taskID,
		CostUSD:   costUSD,
	})
	err = e.schedulePassLocked(ctx)
	e.mu.Unlock()

	e.flush(ctx)
	e.settle(ctx)
	return err
}

// MarkTaskFailed records a failed attempt. With retries remaining the task
// returns to pending with its retry count bumped; otherwise it is terminal
// and every transitive dependent is cancelled, since none can ever run.
func (e *Engine) MarkTaskFailed(ctx context.Context, sessionID, taskID, errMsg string, exitCode int, costUSD float64) error {
	e.mu.Lock()
	task, err := e.requireActiveTask(ctx, sessionID, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status != store.TaskRunning {
		status := task.Status
		e.mu.Unlock()
		return errors.IllegalStatef("task %s is %s, cannot mark failed", taskID, status)
	}

	willRetry := task.RetryCount < task.RetryCeiling
	entry := &store.ExecutionLogEntry{
		SessionID: sessionID,
		TaskID:    &taskID,
		EventKind: store.LogTaskStatusChange,
		OldStatus: store.TaskRunning,
		Agent:     task.AdapterID,
		CostDelta: costUSD,
		Data: map[string]any{
			"error":     errMsg,
			"exit_code": exitCode,
		},
	}
	if willRetry {
		entry.NewStatus = store.TaskPending
		entry.Data["retry"] = task.RetryCount + 1
		err = e.store.AppendLogAndUpdate(ctx, entry, func(tx *store.Tx) error {
			return tx.ResetTaskForRetry(ctx, sessionID, taskID, errMsg, &exitCode, costUSD)
		})
	} else {
		entry.NewStatus = store.TaskFailed
		err = e.store.AppendLogAndUpdate(ctx, entry, func(tx *store.Tx) error {
			return tx.MarkTaskFailed(ctx, sessionID, taskID, errMsg, &exitCode, costUSD)
		})
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.queueEvent(events.TaskFailed, events.TaskFailedPayload{
		SessionID: sessionID,
		TaskID:    taskID,
		Error:     errMsg,
		ExitCode:  exitCode,
		WillRetry: willRetry,
	})
	e.log.Warn("task failed",
		zap.String("session_id", sessionID),
		zap.String("task_id", taskID),
		zap.Int("exit_code", exitCode),
		zap.Bool("will_retry", willRetry))

	if !willRetry {
		if err := e.cascadeCancelLocked(ctx, sessionID, taskID); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	err = e.schedulePassLocked(ctx)
	e.mu.Unlock()

	e.flush(ctx)
	e.settle(ctx)
	return err
}

// schedulePassLocked emits newly ready tasks and then checks for
// completion. Scheduling is suspended outside Executing.
func (e *Engine) schedulePassLocked(ctx context.Context) error {
	if e.state != StateExecuting {
		return nil
	}
	if err := e.emitReadyLocked(ctx); err != nil {
		return err
	}
	return e.checkCompletionLocked(ctx)
}

// emitReadyLocked moves up to availableSlots pending tasks with satisfied
// dependencies to ready, in insertion order, and emits task:ready for each.
func (e *Engine) emitReadyLocked(ctx context.Context) error {
	counts, err := e.store.CountTasksByStatus(ctx, e.sessionID)
	if err != nil {
		return err
	}
	slots := e.maxConcurrency - counts.Running - e.inFlight
	if slots <= 0 {
		return nil
	}
	ready, err := e.store.ReadyTasks(ctx, e.sessionID)
	if err != nil {
		return err
	}
	if len(ready) > slots {
		ready = ready[:slots]
	}
	for _, task := range ready {
		taskID := task.ID
		err := e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
			SessionID: e.sessionID,
			TaskID:    &taskID,
			EventKind: store.LogTaskStatusChange,
			OldStatus: store.TaskPending,
			NewStatus: store.TaskReady,
			Agent:     task.AdapterID,
		}, func(tx *store.Tx) error {
			return tx.MarkTaskReady(ctx, e.sessionID, taskID)
		})
		if err != nil {
			return err
		}
		e.inFlight++
		e.queueEvent(events.TaskReady, events.TaskReadyPayload{
			SessionID: e.sessionID,
			TaskID:    taskID,
		})
	}
	return nil
}

// checkCompletionLocked transitions Executing to Completing when no task is
// ready, running, or in flight, snapshots the totals, and queues the single
// graph:complete event. The engine settles to Idle after delivery.
func (e *Engine) checkCompletionLocked(ctx context.Context) error {
	if e.state != StateExecuting {
		return nil
	}
	counts, err := e.store.CountTasksByStatus(ctx, e.sessionID)
	if err != nil {
		return err
	}
	if counts.Running > 0 || e.inFlight > 0 {
		return nil
	}
	ready, err := e.store.ReadyTasks(ctx, e.sessionID)
	if err != nil {
		return err
	}
	if len(ready) > 0 {
		return nil
	}
	if counts.Live() > 0 {
		// Nothing runnable but non-terminal tasks remain: the graph is
		// stuck behind tasks that can never complete.
		e.log.Warn("session has blocked tasks that can never run",
			zap.String("session_id", e.sessionID),
			zap.Int("blocked", counts.Live()))
		return nil
	}

	e.writeStateChange(ctx, e.sessionID, StateExecuting, StateCompleting)
	e.state = StateCompleting

	totalCost, err := e.store.SumTaskCosts(ctx, e.sessionID)
	if err != nil {
		return err
	}
	err = e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
		SessionID: e.sessionID,
		EventKind: store.LogSessionStatusChange,
		OldStatus: store.SessionActive,
		NewStatus: store.SessionComplete,
	}, func(tx *store.Tx) error {
		return tx.UpdateSessionStatus(ctx, e.sessionID, store.SessionComplete)
	})
	if err != nil {
		return err
	}
	e.queueEvent(events.GraphComplete, events.GraphCompletePayload{
		SessionID:      e.sessionID,
		TotalTasks:     counts.Total(),
		CompletedTasks: counts.Completed,
		FailedTasks:    counts.Failed,
		TotalCostUSD:   totalCost,
	})
	e.log.Info("graph complete",
		zap.String("session_id", e.sessionID),
		zap.Int("total", counts.Total()),
		zap.Int("completed", counts.Completed),
		zap.Int("failed", counts.Failed),
		zap.Float64("cost_usd", totalCost))
	return nil
}

// cascadeCancelLocked cancels every transitive dependent of a terminally
// failed task. Dependents are necessarily still pending: a task becomes
// ready only once all its dependencies completed.
func (e *Engine) cascadeCancelLocked(ctx context.Context, sessionID, rootID string) error {
	deps, err := e.store.ListDependencies(ctx, sessionID)
	if err != nil {
		return err
	}
	dependents := make(map[string][]string)
	for _, d := range deps {
		dependents[d.DependsOn] = append(dependents[d.DependsOn], d.TaskID)
	}

	seen := map[string]bool{rootID: true}
	queue := []string{rootID}
	var doomed []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[id] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			doomed = append(doomed, dep)
			queue = append(queue, dep)
		}
	}
	if len(doomed) == 0 {
		return nil
	}

	var victims []*store.Task
	for _, id := range doomed {
		task, err := e.store.GetTask(ctx, sessionID, id)
		if err != nil {
			return err
		}
		if !store.TerminalTaskStatus(task.Status) {
			victims = append(victims, task)
		}
	}
	if len(victims) == 0 {
		return nil
	}

	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, task := range victims {
			taskID := task.ID
			if err := tx.AppendLog(ctx, &store.ExecutionLogEntry{
				SessionID: sessionID,
				TaskID:    &taskID,
				EventKind: store.LogTaskStatusChange,
				OldStatus: task.Status,
				NewStatus: store.TaskCancelled,
				Agent:     task.AdapterID,
				Data:      map[string]any{"blocked_on": rootID},
			}); err != nil {
				return err
			}
			if err := tx.MarkTaskCancelled(ctx, sessionID, taskID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, task := range victims {
		e.log.Info("cancelled blocked dependent",
			zap.String("session_id", sessionID),
			zap.String("task_id", task.ID),
			zap.String("blocked_on", rootID))
	}
	return nil
}
