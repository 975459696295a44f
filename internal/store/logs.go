package store

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

var secretKeyRe = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|credential)`)

// maskSecrets returns a copy of m with secret-looking values replaced. Log
// payloads may carry adapter environment and command lines, so they are
// scrubbed before hitting disk.
func maskSecrets(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if secretKeyRe.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		switch tv := v.(type) {
		case map[string]any:
			out[k] = maskSecrets(tv)
		case []any:
			masked := make([]any, len(tv))
			for i, item := range tv {
				if nested, ok := item.(map[string]any); ok {
					masked[i] = maskSecrets(nested)
				} else {
					masked[i] = item
				}
			}
			out[k] = masked
		default:
			out[k] = v
		}
	}
	return out
}

// AppendLog inserts one journal row inside the transaction and fills in the
// entry's assigned ID and timestamp.
func (t *Tx) AppendLog(ctx context.Context, entry *ExecutionLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO execution_log (session_id, task_id, event_kind, old_status, new_status,
		agent, cost_delta, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := t.exec(ctx, query,
		entry.SessionID, entry.TaskID, entry.EventKind, entry.OldStatus, entry.NewStatus,
		entry.Agent, entry.CostDelta, marshalMeta(maskSecrets(entry.Data)), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get log entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListLog returns the session's journal in write order. limit 0 returns
// everything.
func (s *Store) ListLog(ctx context.Context, sessionID string, limit int) ([]*ExecutionLogEntry, error) {
	query := `SELECT id, session_id, task_id, event_kind, old_status, new_status, agent,
		cost_delta, data, created_at FROM execution_log WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution log: %w", err)
	}
	defer rows.Close()

	var entries []*ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.EventKind, &e.OldStatus,
			&e.NewStatus, &e.Agent, &e.CostDelta, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Data = unmarshalMeta(data)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ListTaskLog returns the journal rows for one task in write order.
func (s *Store) ListTaskLog(ctx context.Context, sessionID, taskID string) ([]*ExecutionLogEntry, error) {
	query := `SELECT id, session_id, task_id, event_kind, old_status, new_status, agent,
		cost_delta, data, created_at FROM execution_log
		WHERE session_id = ? AND task_id = ? ORDER BY id`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task log: %w", err)
	}
	defer rows.Close()

	var entries []*ExecutionLogEntry
	for rows.Next() {
		var e ExecutionLogEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.TaskID, &e.EventKind, &e.OldStatus,
			&e.NewStatus, &e.Agent, &e.CostDelta, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Data = unmarshalMeta(data)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
