package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// RecoveryPolicy decides what happens to tasks a dead process left in
// flight.
type RecoveryPolicy string

const (
	// RecoverReset returns interrupted tasks to pending with their retry
	// budget intact.
	RecoverReset RecoveryPolicy = "reset"
	// RecoverFail marks interrupted tasks failed, consuming the attempt.
	RecoverFail RecoveryPolicy = "fail"
)

const interruptedMsg = "interrupted by restart"

// RecoveryReport lists what Recover did to each interrupted task.
type RecoveryReport struct {
	SessionID string   `json:"session_id"`
	Reset     []string `json:"reset,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// Recover repairs a session after a restart. The journal guarantees every
// status matches its latest log entry; what needs fixing is work that was
// in flight when the process died: ready, queued, and running tasks whose
// workers no longer exist. Each is reset or failed per the configured
// policy, journal entry first. StartExecution then reschedules as usual.
func (e *Engine) Recover(ctx context.Context, sessionID string) (*RecoveryReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return nil, errors.IllegalStatef("cannot recover while %s", e.state)
	}
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	report := &RecoveryReport{SessionID: sessionID}
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.LiveTasks(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, task := range live {
			switch task.Status {
			case store.TaskReady, store.TaskQueued, store.TaskRunning:
			default:
				continue
			}
			taskID := task.ID
			entry := &store.ExecutionLogEntry{
				SessionID: sessionID,
				TaskID:    &taskID,
				EventKind: store.LogTaskStatusChange,
				OldStatus: task.Status,
				Agent:     task.AdapterID,
				Data:      map[string]any{"reason": interruptedMsg},
			}
			if e.cfg.RecoveryPolicy == RecoverFail {
				entry.NewStatus = store.TaskFailed
				if err := tx.AppendLog(ctx, entry); err != nil {
					return err
				}
				if err := tx.MarkTaskFailed(ctx, sessionID, taskID, interruptedMsg, nil, 0); err != nil {
					return err
				}
				report.Failed = append(report.Failed, taskID)
			} else {
				entry.NewStatus = store.TaskPending
				if err := tx.AppendLog(ctx, entry); err != nil {
					return err
				}
				if err := tx.ResetTaskForRecovery(ctx, sessionID, taskID); err != nil {
					return err
				}
				report.Reset = append(report.Reset, taskID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Tasks failed by policy leave their dependents permanently blocked;
	// cancel them so the graph can still settle.
	for _, taskID := range report.Failed {
		if err := e.cascadeCancelLocked(ctx, sessionID, taskID); err != nil {
			return nil, err
		}
	}

	if len(report.Reset) > 0 || len(report.Failed) > 0 {
		e.log.Info("session recovered",
			zap.String("session_id", sessionID),
			zap.Strings("reset", report.Reset),
			zap.Strings("failed", report.Failed))
	}
	return report, nil
}
