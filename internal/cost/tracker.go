// Package cost records per-dispatch spend and reports session totals.
//
// The tracker is the only writer of Session.TotalCostUSD: every dispatch
// ack inserts one CostEntry and bumps the session total by the same
// estimated amount in one transaction, so the total always equals the sum
// of the session's entries.
package cost

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/dispatch"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

// Tracker prices dispatches and persists cost entries. It implements
// dispatch.UsageSink.
type Tracker struct {
	store  *store.Store
	log    *logger.Logger
	prices PriceTable

	mu    sync.RWMutex
	modes map[string]string
}

// NewTracker returns a tracker pricing against the given table. A nil
// table uses the default list prices.
func NewTracker(st *store.Store, prices PriceTable, log *logger.Logger) *Tracker {
	if prices == nil {
		prices = DefaultPrices()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		store:  st,
		log:    log.WithFields(zap.String("component", "cost-tracker")),
		prices: prices,
		modes:  make(map[string]string),
	}
}

// SetBillingMode records how an agent is billed, normally fed from the
// registry's discovery report. Unregistered agents are assumed API-billed,
// which keeps savings at zero rather than claiming spend that was never
// avoided.
func (t *Tracker) SetBillingMode(agentID string, mode adapter.BillingMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modes[agentID] = string(mode)
}

func (t *Tracker) billingFor(agentID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if mode, ok := t.modes[agentID]; ok {
		return mode
	}
	return store.BillingAPI
}

// RecordDispatch prices the dispatch at API list rates and persists a cost
// entry plus the matching session-total bump in one transaction. It
// returns the estimated cost it recorded. Subscription and free billing
// report the full list price as savings.
func (t *Tracker) RecordDispatch(ctx context.Context, usage dispatch.Usage) (float64, error) {
	if usage.SessionID == "" {
		return 0, errors.Validation("usage record has no session id")
	}

	price := t.prices.For(usage.Model)
	estimated := price.Cost(usage.Tokens.Input, usage.Tokens.Output)

	mode := t.billingFor(usage.Agent)
	var savings float64
	if mode == store.BillingSubscription || mode == store.BillingFree {
		savings = estimated
	}

	var taskID *string
	if usage.TaskID != "" {
		id := usage.TaskID
		taskID = &id
	}
	entry := &store.CostEntry{
		SessionID:     usage.SessionID,
		TaskID:        taskID,
		Agent:         usage.Agent,
		BillingMode:   mode,
		Category:      usage.Category,
		InputTokens:   usage.Tokens.Input,
		OutputTokens:  usage.Tokens.Output,
		EstimatedCost: estimated,
		Savings:       savings,
		Model:         usage.Model,
		Provider:      price.Provider,
	}

	err := t.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertCostEntry(ctx, entry); err != nil {
			return err
		}
		return tx.AddSessionCost(ctx, usage.SessionID, estimated, entry.Category)
	})
	if err != nil {
		return 0, err
	}

	t.log.Debug("recorded dispatch spend",
		zap.String("session_id", usage.SessionID),
		zap.String("task_id", usage.TaskID),
		zap.String("agent", usage.Agent),
		zap.String("billing_mode", mode),
		zap.Int("input_tokens", usage.Tokens.Input),
		zap.Int("output_tokens", usage.Tokens.Output),
		zap.Float64("estimated_usd", estimated))
	return estimated, nil
}

// Authorize gates a dispatch on the session and task budget caps. The
// projected spend for the prompt's token estimate counts against both.
// Uncapped sessions and tasks always pass.
func (t *Tracker) Authorize(ctx context.Context, sessionID, taskID, model string, tokens adapter.TokenEstimate) error {
	projected := t.prices.For(model).Cost(tokens.Input, tokens.Output)

	sess, err := t.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.BudgetUSD != nil && sess.TotalCostUSD+projected > *sess.BudgetUSD {
		return errors.Budget(fmt.Sprintf(
			"session %s spend $%.4f plus projected $%.4f exceeds cap $%.4f",
			sessionID, sess.TotalCostUSD, projected, *sess.BudgetUSD))
	}

	if taskID == "" {
		return nil
	}
	task, err := t.store.GetTask(ctx, sessionID, taskID)
	if err != nil {
		return err
	}
	if task.BudgetUSD != nil && task.CostUSD+projected > *task.BudgetUSD {
		return errors.Budget(fmt.Sprintf(
			"task %s spend $%.4f plus projected $%.4f exceeds cap $%.4f",
			taskID, task.CostUSD, projected, *task.BudgetUSD))
	}
	return nil
}
