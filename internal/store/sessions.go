package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/tracing"
)

const sessionColumns = `id, name, graph_source, status, budget_usd, total_cost_usd,
	planning_cost_usd, base_branch, config_snapshot, created_at, updated_at`

// CreateSession inserts a new session row inside the transaction. The ID is
// assigned when empty.
func (t *Tx) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = SessionActive
	}

	query := `INSERT INTO sessions (id, name, graph_source, status, budget_usd, total_cost_usd,
		planning_cost_usd, base_branch, config_snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.exec(ctx, query,
		sess.ID, sess.Name, sess.GraphSource, sess.Status, sess.BudgetUSD,
		sess.TotalCostUSD, sess.PlanningCostUSD, sess.BaseBranch,
		marshalMeta(sess.ConfigSnapshot), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSessionStatus moves a session to a new status inside the
// transaction.
func (t *Tx) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`
	result, err := t.exec(ctx, query, status, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("session", sessionID)
	}
	return nil
}

// AddSessionCost bumps the session's running total by delta. Planning
// spend is additionally tracked in its own column.
func (t *Tx) AddSessionCost(ctx context.Context, sessionID string, delta float64, category string) error {
	query := `UPDATE sessions SET total_cost_usd = total_cost_usd + ?, updated_at = ? WHERE id = ?`
	if category == CategoryPlanning {
		query = `UPDATE sessions SET total_cost_usd = total_cost_usd + ?,
			planning_cost_usd = planning_cost_usd + ?, updated_at = ? WHERE id = ?`
		result, err := t.exec(ctx, query, delta, delta, time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to add session cost: %w", err)
		}
		return requireRow(result, "session", sessionID)
	}
	result, err := t.exec(ctx, query, delta, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to add session cost: %w", err)
	}
	return requireRow(result, "session", sessionID)
}

func requireRow(result sql.Result, resource, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return errors.NotFound(resource, id)
	}
	return nil
}

// GetSession loads one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`
	return scanSessionRow(s.reader().QueryRowContext(ctx, s.reader().Rebind(query), id), id)
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "store.ListSessions")
	defer span.End()

	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC, id`
	rows, err := s.reader().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus is the non-transactional variant for callers outside
// an engine transition.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.UpdateSessionStatus(ctx, sessionID, status)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionRow(row *sql.Row, id string) (*Session, error) {
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("session", id)
	}
	return sess, err
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var budget sql.NullFloat64
	var snapshot []byte
	err := row.Scan(&sess.ID, &sess.Name, &sess.GraphSource, &sess.Status, &budget,
		&sess.TotalCostUSD, &sess.PlanningCostUSD, &sess.BaseBranch, &snapshot,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if budget.Valid {
		sess.BudgetUSD = &budget.Float64
	}
	sess.ConfigSnapshot = unmarshalMeta(snapshot)
	return &sess, nil
}
