package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/tracing"
)

// EffectiveCost is the entry's billed cost: the agent-reported figure when
// present, the token estimate otherwise.
func (e *CostEntry) EffectiveCost() float64 {
	if e.ActualCost != nil {
		return *e.ActualCost
	}
	return e.EstimatedCost
}

// InsertCostEntry records one dispatch's cost inside the transaction and
// fills in the entry's assigned ID.
func (t *Tx) InsertCostEntry(ctx context.Context, entry *CostEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Category == "" {
		entry.Category = CategoryExecution
	}
	query := `INSERT INTO cost_entries (session_id, task_id, agent, billing_mode, category,
		input_tokens, output_tokens, estimated_cost, actual_cost, savings, model, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := t.exec(ctx, query,
		entry.SessionID, entry.TaskID, entry.Agent, entry.BillingMode, entry.Category,
		entry.InputTokens, entry.OutputTokens, entry.EstimatedCost, entry.ActualCost,
		entry.Savings, entry.Model, entry.Provider, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cost entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get cost entry id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListCostEntries returns the session's cost entries in record order.
func (s *Store) ListCostEntries(ctx context.Context, sessionID string) ([]*CostEntry, error) {
	query := `SELECT id, session_id, task_id, agent, billing_mode, category, input_tokens,
		output_tokens, estimated_cost, actual_cost, savings, model, provider, created_at
		FROM cost_entries WHERE session_id = ? ORDER BY id`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	defer rows.Close()

	var entries []*CostEntry
	for rows.Next() {
		var e CostEntry
		var taskID sql.NullString
		var actual sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.SessionID, &taskID, &e.Agent, &e.BillingMode, &e.Category,
			&e.InputTokens, &e.OutputTokens, &e.EstimatedCost, &actual, &e.Savings,
			&e.Model, &e.Provider, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost entry: %w", err)
		}
		if taskID.Valid {
			e.TaskID = &taskID.String
		}
		if actual.Valid {
			e.ActualCost = &actual.Float64
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// AggregateCosts groups the session's cost entries by "task", "agent", or
// "billing". Planning entries are excluded unless includePlanning is set.
func (s *Store) AggregateCosts(ctx context.Context, sessionID, groupBy string, includePlanning bool) ([]*CostAggregate, error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "store.AggregateCosts")
	defer span.End()

	var grouping string
	switch groupBy {
	case "task":
		grouping = `COALESCE(task_id, '(planning)')`
	case "agent":
		grouping = `agent`
	case "billing":
		grouping = `billing_mode`
	default:
		return nil, errors.Validationf("unknown cost grouping %q", groupBy)
	}

	query := `SELECT ` + grouping + ` AS grouping, COUNT(*) AS entries,
		COALESCE(SUM(input_tokens), 0) AS input_tokens,
		COALESCE(SUM(output_tokens), 0) AS output_tokens,
		COALESCE(SUM(estimated_cost), 0) AS estimated_cost,
		COALESCE(SUM(COALESCE(actual_cost, estimated_cost)), 0) AS actual_cost,
		COALESCE(SUM(savings), 0) AS savings
		FROM cost_entries WHERE session_id = ?`
	args := []any{sessionID}
	if !includePlanning {
		query += ` AND category != ?`
		args = append(args, CategoryPlanning)
	}
	query += ` GROUP BY 1 ORDER BY actual_cost DESC, grouping`

	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate costs: %w", err)
	}
	defer rows.Close()

	var aggregates []*CostAggregate
	for rows.Next() {
		var a CostAggregate
		if err := rows.Scan(&a.Key, &a.Entries, &a.InputTokens, &a.OutputTokens,
			&a.EstimatedCost, &a.ActualCost, &a.Savings); err != nil {
			return nil, fmt.Errorf("failed to scan cost aggregate: %w", err)
		}
		aggregates = append(aggregates, &a)
	}
	return aggregates, rows.Err()
}

// SumCosts returns the session's effective spend, optionally narrowed to
// one category.
func (s *Store) SumCosts(ctx context.Context, sessionID, category string) (float64, error) {
	query := `SELECT COALESCE(SUM(COALESCE(actual_cost, estimated_cost)), 0)
		FROM cost_entries WHERE session_id = ?`
	args := []any{sessionID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	var total float64
	if err := s.reader().GetContext(ctx, &total, s.reader().Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to sum costs: %w", err)
	}
	return total, nil
}
