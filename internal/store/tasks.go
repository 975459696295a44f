package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/tracing"
)

const taskColumns = `session_id, id, name, prompt, task_type, status, adapter_id, model,
	worker_id, started_at, completed_at, result, error, exit_code, retry_count,
	retry_ceiling, budget_usd, cost_usd, created_at, updated_at`

// CreateTask inserts one task row inside the transaction. Insertion order
// is preserved by rowid and drives the ready view's ordering.
func (t *Tx) CreateTask(ctx context.Context, task *Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskPending
	}

	query := `INSERT INTO tasks (session_id, id, name, prompt, task_type, status, adapter_id,
		model, worker_id, started_at, completed_at, result, error, exit_code, retry_count,
		retry_ceiling, budget_usd, cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.exec(ctx, query,
		task.SessionID, task.ID, task.Name, task.Prompt, task.TaskType, task.Status,
		task.AdapterID, task.Model, task.WorkerID, task.StartedAt, task.CompletedAt,
		marshalMeta(task.Result), task.Error, task.ExitCode, task.RetryCount,
		task.RetryCeiling, task.BudgetUSD, task.CostUSD, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// CreateDependency inserts one dependency edge inside the transaction.
func (t *Tx) CreateDependency(ctx context.Context, dep *TaskDependency) error {
	query := `INSERT INTO task_dependencies (session_id, task_id, depends_on_id) VALUES (?, ?, ?)`
	_, err := t.exec(ctx, query, dep.SessionID, dep.TaskID, dep.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to create dependency %s -> %s: %w", dep.TaskID, dep.DependsOn, err)
	}
	return nil
}

// MarkTaskReady moves a pending task into the scheduler's hands.
func (t *Tx) MarkTaskReady(ctx context.Context, sessionID, taskID string) error {
	query := `UPDATE tasks SET status = ?, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query, TaskReady, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task ready: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// MarkTaskQueued records that a worker slot accepted the task.
func (t *Tx) MarkTaskQueued(ctx context.Context, sessionID, taskID, workerID string) error {
	query := `UPDATE tasks SET status = ?, worker_id = ?, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query, TaskQueued, workerID, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task queued: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// MarkTaskRunning records worker start.
func (t *Tx) MarkTaskRunning(ctx context.Context, sessionID, taskID, workerID string) error {
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?, worker_id = ?, started_at = ?, updated_at = ?
		WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query, TaskRunning, workerID, now, now, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// MarkTaskCompleted finalises a successful task. costDelta is added to the
// task's accumulated cost so retried attempts keep their spend.
func (t *Tx) MarkTaskCompleted(ctx context.Context, sessionID, taskID string, taskResult map[string]any, costDelta float64) error {
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?, completed_at = ?, result = ?, error = '',
		exit_code = NULL, cost_usd = cost_usd + ?, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query,
		TaskCompleted, now, marshalMeta(taskResult), costDelta, now, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// MarkTaskFailed finalises a failed attempt. The retry decision is the
// engine's; this only records the terminal-looking state of the attempt.
func (t *Tx) MarkTaskFailed(ctx context.Context, sessionID, taskID, errMsg string, exitCode *int, costDelta float64) error {
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?, completed_at = ?, error = ?, exit_code = ?,
		cost_usd = cost_usd + ?, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query,
		TaskFailed, now, errMsg, exitCode, costDelta, now, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// ResetTaskForRetry returns a failed attempt to pending and bumps the retry
// count. The attempt's error, exit code, and spend stay on the row.
func (t *Tx) ResetTaskForRetry(ctx context.Context, sessionID, taskID, errMsg string, exitCode *int, costDelta float64) error {
	query := `UPDATE tasks SET status = ?, retry_count = retry_count + 1, error = ?,
		exit_code = ?, cost_usd = cost_usd + ?, worker_id = '', started_at = NULL,
		completed_at = NULL, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query, TaskPending, errMsg, exitCode, costDelta, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to reset task for retry: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// ResetTaskForRecovery returns an interrupted task to pending without
// touching its retry count. Used when a restart finds work that was in
// flight when the previous process died.
func (t *Tx) ResetTaskForRecovery(ctx context.Context, sessionID, taskID string) error {
	query := `UPDATE tasks SET status = ?, worker_id = '', started_at = NULL,
		completed_at = NULL, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query, TaskPending, time.Now().UTC(), sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to reset task for recovery: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// MarkTaskCancelled moves one task to cancelled.
func (t *Tx) MarkTaskCancelled(ctx context.Context, sessionID, taskID string) error {
	now := time.Now().UTC()
	query := `UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE session_id = ? AND id = ?`
	result, err := t.exec(ctx, query, TaskCancelled, now, now, sessionID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task cancelled: %w", err)
	}
	return requireRow(result, "task", taskID)
}

// LiveTasks returns the session's non-terminal tasks inside the
// transaction, in insertion order.
func (t *Tx) LiveTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE session_id = ? AND status IN (?, ?, ?, ?) ORDER BY rowid`
	rows, err := t.tx.QueryContext(ctx, t.tx.Rebind(query),
		sessionID, TaskPending, TaskReady, TaskQueued, TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to list live tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// GetTask loads one task by session and ID.
func (s *Store) GetTask(ctx context.Context, sessionID, taskID string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ? AND id = ?`
	task, err := scanTask(s.reader().QueryRowContext(ctx, s.reader().Rebind(query), sessionID, taskID))
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("task", taskID)
	}
	return task, err
}

// ListTasks returns every task in the session, in insertion order.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "store.ListTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ? ORDER BY rowid`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByStatus returns the session's tasks carrying status, in
// insertion order.
func (s *Store) ListTasksByStatus(ctx context.Context, sessionID, status string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE session_id = ? AND status = ? ORDER BY rowid`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ReadyTasks returns pending tasks whose dependencies have all completed,
// in insertion order. This is the scheduler's ready view.
func (s *Store) ReadyTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "store.ReadyTasks")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.session_id = ? AND t.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.session_id = d.session_id AND dep.id = d.depends_on_id
			WHERE d.session_id = t.session_id AND d.task_id = t.id AND dep.status != ?
		)
		ORDER BY t.rowid`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID, TaskPending, TaskCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SumTaskCosts returns the session's accumulated per-task spend.
func (s *Store) SumTaskCosts(ctx context.Context, sessionID string) (float64, error) {
	var total float64
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM tasks WHERE session_id = ?`
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(query), sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum task costs: %w", err)
	}
	return total, nil
}

// CountTasksByStatus summarises the session's tasks.
func (s *Store) CountTasksByStatus(ctx context.Context, sessionID string) (StatusCounts, error) {
	var counts StatusCounts
	rows, err := s.reader().QueryContext(ctx,
		s.reader().Rebind(`SELECT status, COUNT(*) FROM tasks WHERE session_id = ? GROUP BY status`), sessionID)
	if err != nil {
		return counts, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("failed to scan task count: %w", err)
		}
		switch status {
		case TaskPending:
			counts.Pending = n
		case TaskReady:
			counts.Ready = n
		case TaskQueued:
			counts.Queued = n
		case TaskRunning:
			counts.Running = n
		case TaskCompleted:
			counts.Completed = n
		case TaskFailed:
			counts.Failed = n
		case TaskCancelled:
			counts.Cancelled = n
		}
	}
	return counts, rows.Err()
}

// ListDependencies returns every dependency edge in the session.
func (s *Store) ListDependencies(ctx context.Context, sessionID string) ([]*TaskDependency, error) {
	query := `SELECT session_id, task_id, depends_on_id FROM task_dependencies
		WHERE session_id = ? ORDER BY task_id, depends_on_id`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()

	var deps []*TaskDependency
	for rows.Next() {
		var dep TaskDependency
		if err := rows.Scan(&dep.SessionID, &dep.TaskID, &dep.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, &dep)
	}
	return deps, rows.Err()
}

type sqlRows interface {
	rowScanner
	Next() bool
	Err() error
}

func collectTasks(rows sqlRows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var startedAt, completedAt sql.NullTime
	var exitCode sql.NullInt64
	var budget sql.NullFloat64
	var result []byte
	err := row.Scan(&task.SessionID, &task.ID, &task.Name, &task.Prompt, &task.TaskType,
		&task.Status, &task.AdapterID, &task.Model, &task.WorkerID, &startedAt, &completedAt,
		&result, &task.Error, &exitCode, &task.RetryCount, &task.RetryCeiling, &budget,
		&task.CostUSD, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	if budget.Valid {
		task.BudgetUSD = &budget.Float64
	}
	task.Result = unmarshalMeta(result)
	return &task, nil
}
