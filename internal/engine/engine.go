// Package engine owns the orchestrator state machine and every task's
// lifecycle: the scheduling passes that emit ready tasks, the intent journal
// written ahead of each status change, signal consumption, and crash
// recovery.
//
// The engine is cooperative: every transition runs to completion under one
// mutex, with no suspension point inside it. Parallelism exists only at the
// subprocess boundary, bounded by maxConcurrency.
package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/pkg/graphfile"
)

const eventSource = "engine"

// State is the orchestrator's coarse execution state.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateExecuting  State = "executing"
	StatePaused     State = "paused"
	StateCompleting State = "completing"
	StateCancelling State = "cancelling"
)

// transitions is the legal-transition table. Anything absent is an error.
var transitions = map[State][]State{
	StateIdle:       {StateLoading},
	StateLoading:    {StateExecuting},
	StateExecuting:  {StatePaused, StateCompleting, StateCancelling},
	StatePaused:     {StateExecuting, StateCancelling},
	StateCompleting: {StateIdle},
	StateCancelling: {StateIdle},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Config holds engine tunables.
type Config struct {
	// SignalPollInterval is how often the session_signals queue is drained
	// while a session is executing or paused.
	SignalPollInterval time.Duration
	// DefaultRetryCeiling is applied to tasks whose graph declaration does
	// not set one.
	DefaultRetryCeiling int
	// DefaultAgent and DefaultModel fill task fields left empty in the
	// graph file.
	DefaultAgent   string
	DefaultModel   string
	RecoveryPolicy RecoveryPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SignalPollInterval:  500 * time.Millisecond,
		DefaultRetryCeiling: 2,
		RecoveryPolicy:      RecoverReset,
	}
}

// Engine drives one graph execution at a time against the store, emitting
// lifecycle events on the bus.
//
// Methods are safe for concurrent use; transitions serialize on one mutex.
// Events queue during the transition and drain after it, so a handler may
// call back into the engine without deadlocking and still observes events
// in transition order.
type Engine struct {
	store *store.Store
	bus   bus.EventBus
	log   *logger.Logger
	cfg   Config

	mu             sync.Mutex
	state          State
	sessionID      string
	maxConcurrency int
	// inFlight counts tasks emitted as ready (or queued) but not yet
	// observed as running. Together with the running count it is capped by
	// maxConcurrency.
	inFlight int
	pending  []*bus.Event

	emitMu sync.Mutex

	pollerStop chan struct{}
	pollerWG   sync.WaitGroup
}

// New creates an engine in the Idle state.
func New(st *store.Store, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if cfg.SignalPollInterval <= 0 {
		cfg.SignalPollInterval = 500 * time.Millisecond
	}
	if cfg.RecoveryPolicy == "" {
		cfg.RecoveryPolicy = RecoverReset
	}
	return &Engine{
		store: st,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "engine")),
		cfg:   cfg,
		state: StateIdle,
	}
}

// State returns the current orchestrator state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the active session, or "" when idle.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// InFlight returns the number of emitted-but-not-running tasks.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// LoadGraph validates and persists a parsed graph document as a new session
// with its tasks and dependency edges, in one transaction. Nothing is
// persisted when validation fails.
func (e *Engine) LoadGraph(ctx context.Context, doc *graphfile.Document, source string) (string, error) {
	if err := doc.Validate(); err != nil {
		return "", err
	}

	sess := &store.Session{
		Name:        doc.Session.Name,
		GraphSource: source,
		BudgetUSD:   doc.Session.BudgetUSD,
		BaseBranch:  doc.Session.BaseBranch,
	}
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateSession(ctx, sess); err != nil {
			return err
		}
		if err := tx.AppendLog(ctx, &store.ExecutionLogEntry{
			SessionID: sess.ID,
			EventKind: store.LogSessionStatusChange,
			NewStatus: store.SessionActive,
		}); err != nil {
			return err
		}
		for i := range doc.Tasks {
			spec := &doc.Tasks[i]
			agent := spec.Agent
			if agent == "" {
				agent = e.cfg.DefaultAgent
			}
			model := spec.Model
			if model == "" {
				model = e.cfg.DefaultModel
			}
			task := &store.Task{
				SessionID:    sess.ID,
				ID:           spec.ID,
				Name:         spec.Name,
				Prompt:       spec.Prompt,
				TaskType:     spec.Type,
				AdapterID:    agent,
				Model:        model,
				RetryCeiling: e.cfg.DefaultRetryCeiling,
				BudgetUSD:    spec.BudgetUSD,
			}
			if err := tx.CreateTask(ctx, task); err != nil {
				return err
			}
		}
		for i := range doc.Tasks {
			spec := &doc.Tasks[i]
			for _, dep := range spec.DependsOn {
				err := tx.CreateDependency(ctx, &store.TaskDependency{
					SessionID: sess.ID,
					TaskID:    spec.ID,
					DependsOn: dep,
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info("graph loaded",
		zap.String("session_id", sess.ID),
		zap.Int("tasks", len(doc.Tasks)))

	e.mu.Lock()
	e.queueEvent(events.GraphLoaded, events.GraphLoadedPayload{
		SessionID: sess.ID,
		TaskCount: len(doc.Tasks),
	})
	e.mu.Unlock()
	e.flush(ctx)
	return sess.ID, nil
}

// StartExecution binds the engine to a session and runs the initial
// scheduling pass: Idle, Loading, Executing. The signal poller starts with
// the session and stops when it settles back to Idle.
func (e *Engine) StartExecution(ctx context.Context, sessionID string, maxConcurrency int) error {
	if maxConcurrency < 1 {
		return errors.Validationf("maxConcurrency must be at least 1, got %d", maxConcurrency)
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case store.SessionComplete, store.SessionCancelled:
		return errors.IllegalStatef("session %s is already %s", sessionID, sess.Status)
	}

	e.mu.Lock()
	if !e.state.canTransition(StateLoading) {
		state := e.state
		e.mu.Unlock()
		return errors.IllegalStatef("cannot start execution from state %s", state)
	}
	e.writeStateChange(ctx, sessionID, e.state, StateLoading)
	e.state = StateLoading
	e.sessionID = sessionID
	e.maxConcurrency = maxConcurrency

	// Ready and queued rows left over from a previous process still hold
	// scheduling slots until Recover resets them.
	counts, err := e.store.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		e.abortStartLocked()
		e.mu.Unlock()
		return err
	}
	e.inFlight = counts.Ready + counts.Queued

	if sess.Status == store.SessionPaused {
		err = e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
			SessionID: sessionID,
			EventKind: store.LogSessionStatusChange,
			OldStatus: store.SessionPaused,
			NewStatus: store.SessionActive,
		}, func(tx *store.Tx) error {
			return tx.UpdateSessionStatus(ctx, sessionID, store.SessionActive)
		})
		if err != nil {
			e.abortStartLocked()
			e.mu.Unlock()
			return err
		}
	}

	if err := e.emitReadyLocked(ctx); err != nil {
		e.abortStartLocked()
		e.mu.Unlock()
		return err
	}

	e.writeStateChange(ctx, sessionID, StateLoading, StateExecuting)
	e.state = StateExecuting
	e.startPollerLocked(sessionID)

	e.log.Info("execution started",
		zap.String("session_id", sessionID),
		zap.Int("max_concurrency", maxConcurrency),
		zap.Int("in_flight", e.inFlight))

	// A session whose tasks are all terminal completes immediately.
	if err := e.checkCompletionLocked(ctx); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.flush(ctx)
	e.settle(ctx)
	return nil
}

func (e *Engine) abortStartLocked() {
	e.state = StateIdle
	e.sessionID = ""
	e.inFlight = 0
}

// Pause suspends scheduling. Running subprocesses keep running and their
// completions are still recorded; no new ready event fires until resume.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.canTransition(StatePaused) {
		state := e.state
		e.mu.Unlock()
		return errors.IllegalStatef("cannot pause from state %s", state)
	}
	err := e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
		SessionID: e.sessionID,
		EventKind: store.LogSessionStatusChange,
		OldStatus: store.SessionActive,
		NewStatus: store.SessionPaused,
	}, func(tx *store.Tx) error {
		return tx.UpdateSessionStatus(ctx, e.sessionID, store.SessionPaused)
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.writeStateChange(ctx, e.sessionID, e.state, StatePaused)
	e.state = StatePaused
	e.queueEvent(events.GraphPaused, events.GraphPausedPayload{SessionID: e.sessionID})
	e.log.Info("execution paused", zap.String("session_id", e.sessionID))
	e.mu.Unlock()

	e.flush(ctx)
	return nil
}

// Resume restarts scheduling after a pause.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StatePaused {
		state := e.state
		e.mu.Unlock()
		return errors.IllegalStatef("cannot resume from state %s", state)
	}
	err := e.store.AppendLogAndUpdate(ctx, &store.ExecutionLogEntry{
		SessionID: e.sessionID,
		EventKind: store.LogSessionStatusChange,
		OldStatus: store.SessionPaused,
		NewStatus: store.SessionActive,
	}, func(tx *store.Tx) error {
		return tx.UpdateSessionStatus(ctx, e.sessionID, store.SessionActive)
	})
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.writeStateChange(ctx, e.sessionID, StatePaused, StateExecuting)
	e.state = StateExecuting
	e.queueEvent(events.GraphResumed, events.GraphResumedPayload{SessionID: e.sessionID})
	e.log.Info("execution resumed", zap.String("session_id", e.sessionID))

	err = e.schedulePassLocked(ctx)
	e.mu.Unlock()
	e.flush(ctx)
	e.settle(ctx)
	return err
}

// Cancel marks every live task cancelled in one transaction and emits
// graph:cancelled while still in Cancelling. Subscribers terminate workers
// during that delivery, so the engine settles to Idle with no process left.
func (e *Engine) Cancel(ctx context.Context) error {
	e.mu.Lock()
	if !e.state.canTransition(StateCancelling) {
		state := e.state
		e.mu.Unlock()
		return errors.IllegalStatef("cannot cancel from state %s", state)
	}
	prev := e.state
	e.writeStateChange(ctx, e.sessionID, prev, StateCancelling)
	e.state = StateCancelling

	sessionStatus := store.SessionActive
	if prev == StatePaused {
		sessionStatus = store.SessionPaused
	}
	cancelled := 0
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		live, err := tx.LiveTasks(ctx, e.sessionID)
		if err != nil {
			return err
		}
		for _, task := range live {
			taskID := task.ID
			if err := tx.AppendLog(ctx, &store.ExecutionLogEntry{
				SessionID: e.sessionID,
				TaskID:    &taskID,
				EventKind: store.LogTaskStatusChange,
				OldStatus: task.Status,
				NewStatus: store.TaskCancelled,
				Agent:     task.AdapterID,
			}); err != nil {
				return err
			}
			if err := tx.MarkTaskCancelled(ctx, e.sessionID, taskID); err != nil {
				return err
			}
			cancelled++
		}
		if err := tx.AppendLog(ctx, &store.ExecutionLogEntry{
			SessionID: e.sessionID,
			EventKind: store.LogSessionStatusChange,
			OldStatus: sessionStatus,
			NewStatus: store.SessionCancelled,
		}); err != nil {
			return err
		}
		return tx.UpdateSessionStatus(ctx, e.sessionID, store.SessionCancelled)
	})
	if err != nil {
		e.state = prev
		e.mu.Unlock()
		return err
	}
	e.inFlight = 0
	e.queueEvent(events.GraphCancelled, events.GraphCancelledPayload{
		SessionID:      e.sessionID,
		CancelledTasks: cancelled,
	})
	e.log.Info("execution cancelled",
		zap.String("session_id", e.sessionID),
		zap.Int("cancelled_tasks", cancelled))
	e.mu.Unlock()

	e.flush(ctx)
	e.settle(ctx)
	return nil
}

// Close stops the signal poller and waits for it to exit. Store and bus
// lifetimes belong to the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	e.stopPollerLocked()
	e.mu.Unlock()
	e.pollerWG.Wait()
}

// queueEvent appends an event for delivery after the current transition.
// Callers hold e.mu.
func (e *Engine) queueEvent(eventType string, data any) {
	if e.bus == nil {
		return
	}
	e.pending = append(e.pending, bus.NewEvent(eventType, eventSource, data))
}

// flush delivers queued events in order. TryLock keeps handlers that call
// back into the engine from deadlocking; whatever they queue is picked up
// by the drain already in progress.
func (e *Engine) flush(ctx context.Context) {
	if e.bus == nil {
		return
	}
	if !e.emitMu.TryLock() {
		return
	}
	defer e.emitMu.Unlock()
	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		batch := e.pending
		e.pending = nil
		e.mu.Unlock()
		for _, ev := range batch {
			if err := e.bus.Publish(ctx, ev); err != nil {
				e.log.Warn("failed to publish event",
					zap.String("type", ev.Type),
					zap.Error(err))
			}
		}
	}
}

// settle finishes Completing and Cancelling once their terminal event has
// drained, returning the engine to Idle and releasing the session.
func (e *Engine) settle(ctx context.Context) {
	e.mu.Lock()
	if (e.state != StateCompleting && e.state != StateCancelling) || len(e.pending) != 0 {
		e.mu.Unlock()
		return
	}
	prev := e.state
	sessionID := e.sessionID
	e.state = StateIdle
	e.sessionID = ""
	e.inFlight = 0
	e.stopPollerLocked()
	e.mu.Unlock()

	e.writeStateChange(ctx, sessionID, prev, StateIdle)
	e.log.Info("engine idle", zap.String("session_id", sessionID), zap.String("from", string(prev)))
}

// writeStateChange journals an orchestrator state transition. The journal
// is advisory for these in-memory transitions, so failures only log.
func (e *Engine) writeStateChange(ctx context.Context, sessionID string, from, to State) {
	if sessionID == "" {
		return
	}
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.AppendLog(ctx, &store.ExecutionLogEntry{
			SessionID: sessionID,
			EventKind: store.LogOrchestratorStateChange,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	})
	if err != nil {
		e.log.Warn("failed to journal state change",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

// requireActiveTask checks that the engine is bound to sessionID and
// returns the task. Callers hold e.mu.
func (e *Engine) requireActiveTask(ctx context.Context, sessionID, taskID string) (*store.Task, error) {
	if e.sessionID == "" || e.state == StateIdle {
		return nil, errors.IllegalState("no active execution")
	}
	if sessionID != e.sessionID {
		return nil, errors.IllegalStatef("session %s is not the active session", sessionID)
	}
	return e.store.GetTask(ctx, sessionID, taskID)
}
