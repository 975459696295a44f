package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
)

// EnqueueSignal appends a control signal for the session and returns the
// stored row. Signals are consumed by the engine poller in ID order.
func (s *Store) EnqueueSignal(ctx context.Context, sessionID, signal string) (*SessionSignal, error) {
	switch signal {
	case SignalPause, SignalResume, SignalCancel:
	default:
		return nil, errors.Validationf("unknown signal %q", signal)
	}
	now := time.Now().UTC()
	query := `INSERT INTO session_signals (session_id, signal, created_at) VALUES (?, ?, ?)`
	result, err := s.writer().ExecContext(ctx, s.writer().Rebind(query), sessionID, signal, now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue signal: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get signal id: %w", err)
	}
	return &SessionSignal{ID: id, SessionID: sessionID, Signal: signal, CreatedAt: now}, nil
}

// UnprocessedSignals returns the session's pending signals oldest first. A
// database without the signals table yields an empty result rather than an
// error so the poller keeps running against stores created by older builds.
func (s *Store) UnprocessedSignals(ctx context.Context, sessionID string) ([]*SessionSignal, error) {
	query := `SELECT id, session_id, signal, processed_at, created_at FROM session_signals
		WHERE session_id = ? AND processed_at IS NULL ORDER BY id`
	rows, err := s.reader().QueryContext(ctx, s.reader().Rebind(query), sessionID)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []*SessionSignal
	for rows.Next() {
		var sig SessionSignal
		var processed sql.NullTime
		if err := rows.Scan(&sig.ID, &sig.SessionID, &sig.Signal, &processed, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		if processed.Valid {
			sig.ProcessedAt = &processed.Time
		}
		signals = append(signals, &sig)
	}
	return signals, rows.Err()
}

// MarkSignalProcessed stamps a signal consumed inside the transaction, so
// the consumption commits atomically with the state change it caused.
func (t *Tx) MarkSignalProcessed(ctx context.Context, id int64) error {
	query := `UPDATE session_signals SET processed_at = ? WHERE id = ? AND processed_at IS NULL`
	result, err := t.exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark signal processed: %w", err)
	}
	return requireRow(result, "signal", fmt.Sprintf("%d", id))
}

// MarkSignalProcessed is the non-transactional variant, used when a signal
// is consumed without a state change (a resume while already executing).
func (s *Store) MarkSignalProcessed(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.MarkSignalProcessed(ctx, id)
	})
}
