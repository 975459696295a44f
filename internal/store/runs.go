package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
)

// SavePipelineRun inserts or refreshes an orchestrator run snapshot. The ID
// is assigned when empty.
func (s *Store) SavePipelineRun(ctx context.Context, run *PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	query := `INSERT INTO pipeline_runs (id, session_id, status, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(query),
		run.ID, run.SessionID, run.Status, marshalMeta(run.Snapshot), run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pipeline run: %w", err)
	}
	return nil
}

// GetPipelineRun loads one run snapshot by ID.
func (s *Store) GetPipelineRun(ctx context.Context, runID string) (*PipelineRun, error) {
	var run PipelineRun
	var snapshot []byte
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(
		`SELECT id, session_id, status, snapshot, created_at, updated_at
		 FROM pipeline_runs WHERE id = ?`), runID).
		Scan(&run.ID, &run.SessionID, &run.Status, &snapshot, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("pipeline run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}
	run.Snapshot = unmarshalMeta(snapshot)
	return &run, nil
}

// ListPipelineRuns returns the session's runs, newest first.
func (s *Store) ListPipelineRuns(ctx context.Context, sessionID string) ([]*PipelineRun, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(
		`SELECT id, session_id, status, snapshot, created_at, updated_at
		 FROM pipeline_runs WHERE session_id = ? ORDER BY created_at DESC, id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		var run PipelineRun
		var snapshot []byte
		if err := rows.Scan(&run.ID, &run.SessionID, &run.Status, &snapshot,
			&run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		run.Snapshot = unmarshalMeta(snapshot)
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
