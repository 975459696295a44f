package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
)

// CreatePlan stores a new plan with its content as version 1.
func (s *Store) CreatePlan(ctx context.Context, name, content string) (*Plan, error) {
	now := time.Now().UTC()
	plan := &Plan{
		ID:            uuid.New().String(),
		Name:          name,
		LatestVersion: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(
			`INSERT INTO plans (id, name, latest_version, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
			plan.ID, plan.Name, plan.LatestVersion, plan.CreatedAt, plan.UpdatedAt); err != nil {
			return fmt.Errorf("failed to create plan: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(
			`INSERT INTO plan_versions (plan_id, version, content, note, created_at) VALUES (?, ?, ?, ?, ?)`),
			plan.ID, 1, content, "initial version", now); err != nil {
			return fmt.Errorf("failed to create plan version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// AddPlanVersion appends a new version with the given content. Versions are
// never rewritten; the plan's latest_version moves forward only.
func (s *Store) AddPlanVersion(ctx context.Context, planID, content, note string) (*PlanVersion, error) {
	var version *PlanVersion
	err := s.WithTx(ctx, func(tx *Tx) error {
		var latest int
		err := tx.tx.QueryRowContext(ctx, tx.tx.Rebind(
			`SELECT latest_version FROM plans WHERE id = ?`), planID).Scan(&latest)
		if err == sql.ErrNoRows {
			return errors.NotFound("plan", planID)
		}
		if err != nil {
			return fmt.Errorf("failed to read plan version: %w", err)
		}

		now := time.Now().UTC()
		next := latest + 1
		if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(
			`INSERT INTO plan_versions (plan_id, version, content, note, created_at) VALUES (?, ?, ?, ?, ?)`),
			planID, next, content, note, now); err != nil {
			return fmt.Errorf("failed to insert plan version: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, tx.tx.Rebind(
			`UPDATE plans SET latest_version = ?, updated_at = ? WHERE id = ?`),
			next, now, planID); err != nil {
			return fmt.Errorf("failed to bump plan version: %w", err)
		}
		version = &PlanVersion{PlanID: planID, Version: next, Content: content, Note: note, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// RollbackPlan appends a new version whose content duplicates toVersion.
// History stays intact; nothing is deleted.
func (s *Store) RollbackPlan(ctx context.Context, planID string, toVersion int) (*PlanVersion, error) {
	old, err := s.GetPlanVersion(ctx, planID, toVersion)
	if err != nil {
		return nil, err
	}
	return s.AddPlanVersion(ctx, planID, old.Content, fmt.Sprintf("rollback to version %d", toVersion))
}

// GetPlan loads one plan by ID.
func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(
		`SELECT id, name, latest_version, created_at, updated_at FROM plans WHERE id = ?`), planID).
		Scan(&plan.ID, &plan.Name, &plan.LatestVersion, &plan.CreatedAt, &plan.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("plan", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// GetPlanVersion loads one version of a plan. Version 0 means latest.
func (s *Store) GetPlanVersion(ctx context.Context, planID string, version int) (*PlanVersion, error) {
	if version == 0 {
		plan, err := s.GetPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		version = plan.LatestVersion
	}
	var v PlanVersion
	err := s.reader().QueryRowContext(ctx, s.reader().Rebind(
		`SELECT plan_id, version, content, note, created_at FROM plan_versions
		 WHERE plan_id = ? AND version = ?`), planID, version).
		Scan(&v.PlanID, &v.Version, &v.Content, &v.Note, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("plan version", fmt.Sprintf("%s@%d", planID, version))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan version: %w", err)
	}
	return &v, nil
}

// ListPlans returns all plans, newest first.
func (s *Store) ListPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := s.reader().QueryContext(ctx,
		`SELECT id, name, latest_version, created_at, updated_at FROM plans ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.LatestVersion, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

// ListPlanVersions returns the plan's history oldest first.
func (s *Store) ListPlanVersions(ctx context.Context, planID string) ([]*PlanVersion, error) {
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(
		`SELECT plan_id, version, content, note, created_at FROM plan_versions
		 WHERE plan_id = ? ORDER BY version`), planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan versions: %w", err)
	}
	defer rows.Close()

	var versions []*PlanVersion
	for rows.Next() {
		var v PlanVersion
		if err := rows.Scan(&v.PlanID, &v.Version, &v.Content, &v.Note, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan version: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}
