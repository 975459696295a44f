package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/cost"
	"github.com/johnplanow/substrate-sub006/internal/dispatch"
	"github.com/johnplanow/substrate-sub006/internal/engine"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/pool"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/internal/tracing"
	"github.com/johnplanow/substrate-sub006/internal/worktree"
	"github.com/johnplanow/substrate-sub006/pkg/graphfile"
)

type startOptions struct {
	graphPath      string
	sessionID      string
	maxConcurrency int
	agent          string
	model          string
	taskTimeout    time.Duration
}

func (a *App) newStartCommand() *cobra.Command {
	var opts startOptions
	cmd := &cobra.Command{
		Use:   "start [graph-file]",
		Short: "Run a task graph to completion",
		Long: `Start loads a graph file, discovers the available coding agents, and
runs the whole pipeline in-process: engine, worker pool, dispatcher,
worktree manager and cost tracking. It blocks until the session is
complete or cancelled.

After a crash, start --session <id> recovers the interrupted session
under the configured recovery policy and resumes it.`,
		Args: maxArgs(1, "start <graph-file> | start --session <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.graphPath = args[0]
			}
			return a.runStart(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.sessionID, "session", "",
		"recover and resume an existing session instead of loading a graph")
	cmd.Flags().IntVar(&opts.maxConcurrency, "max-concurrency", 0,
		"parallel task limit (defaults to engine.maxConcurrency)")
	cmd.Flags().StringVar(&opts.agent, "agent", "",
		"adapter for tasks that do not name one (defaults to the first healthy adapter)")
	cmd.Flags().StringVar(&opts.model, "model", "",
		"model for tasks that do not name one")
	cmd.Flags().DurationVar(&opts.taskTimeout, "task-timeout", 30*time.Minute,
		"wall-clock limit per agent invocation")
	return cmd
}

func (a *App) runStart(ctx context.Context, opts startOptions) error {
	if opts.graphPath == "" && opts.sessionID == "" {
		return errors.Validation("either a graph file or --session is required")
	}
	if opts.graphPath != "" && opts.sessionID != "" {
		return errors.Validation("pass a graph file or --session, not both")
	}

	if a.cfg.Tracing.Enabled {
		tracing.Configure(ctx, a.cfg.Tracing.Endpoint, a.cfg.Tracing.ServiceName)
		defer tracing.Shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, a.cfg.Database.Path, a.log)
	if err != nil {
		return err
	}
	defer st.Close()

	provided, closeBus, err := events.Provide(a.cfg, a.log)
	if err != nil {
		return err
	}
	defer closeBus()

	registry := adapter.NewRegistry(a.log)
	report := registry.Discover(ctx, a.candidates(a.log))
	a.log.Info("adapter discovery finished",
		zap.Int("probed", len(report.Entries)), zap.Int("healthy", report.Healthy()))
	if report.Healthy() == 0 {
		return errors.Dispatch("no usable coding agents found (run 'substrate adapters check')", nil)
	}

	tracker := cost.NewTracker(st, nil, a.log)
	defaultAgent := opts.agent
	for _, entry := range report.Entries {
		if !entry.Registered {
			continue
		}
		if len(entry.Health.DetectedBillingModes) > 0 {
			tracker.SetBillingMode(entry.AdapterID, entry.Health.DetectedBillingModes[0])
		}
		if defaultAgent == "" {
			defaultAgent = entry.AdapterID
		}
	}

	workers := pool.New(provided.Bus, a.log, pool.Options{
		TerminateGrace: a.cfg.Worker.TerminateGracePeriodDuration(),
	})
	dispatcher := dispatch.New(registry, workers, a.log, tracker)

	repoPath, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "resolve repository path")
	}
	trees, err := worktree.NewManager(worktree.Config{
		RepoPath: repoPath,
		Root:     a.cfg.Worktree.Root,
	}, a.log)
	if err != nil {
		return err
	}

	eng := engine.New(st, provided.Bus, a.log, engine.Config{
		SignalPollInterval:  a.cfg.Engine.SignalPollIntervalDuration(),
		DefaultRetryCeiling: a.cfg.Engine.DefaultRetryCeiling,
		DefaultAgent:        defaultAgent,
		DefaultModel:        opts.model,
		RecoveryPolicy:      engine.RecoveryPolicy(a.cfg.Engine.RecoveryPolicy),
	})
	defer eng.Close()

	sub, err := provided.Bus.Subscribe(">", a.printEvent)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	var sessionID string
	if opts.sessionID != "" {
		rep, err := eng.Recover(ctx, opts.sessionID)
		if err != nil {
			return err
		}
		sessionID = opts.sessionID
		a.out.Emit("session:recovered", rep,
			"recovered session %s: %d tasks reset, %d failed", sessionID, len(rep.Reset), len(rep.Failed))
	} else {
		doc, err := graphfile.Load(opts.graphPath)
		if err != nil {
			return err
		}
		sessionID, err = eng.LoadGraph(ctx, doc, opts.graphPath)
		if err != nil {
			return err
		}
	}

	if err := a.reconcileWorktrees(ctx, st, trees, sessionID); err != nil {
		a.log.Warn("worktree reconciliation failed", zap.Error(err))
	}

	baseBranch := a.cfg.Worktree.BaseBranch
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.BaseBranch != "" {
		baseBranch = sess.BaseBranch
	}

	maxConcurrency := opts.maxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = a.cfg.Engine.MaxConcurrency
	}

	drv := newDriver(driverConfig{
		SessionID:        sessionID,
		BaseBranch:       baseBranch,
		TaskTimeout:      opts.taskTimeout,
		CleanupWorktrees: a.cfg.Worktree.CleanupOnComplete,
		Engine:           eng,
		Store:            st,
		Registry:         registry,
		Agents:           dispatcherRunner{dispatcher},
		Workers:          workers,
		Trees:            trees,
		Gate:             tracker,
		Bus:              provided.Bus,
		Log:              a.log,
	})
	runErr := drv.Run(ctx, maxConcurrency)

	a.emitSummary(sessionID, st)
	if runErr != nil {
		return errors.Wrap(runErr, "run interrupted")
	}
	return nil
}

// reconcileWorktrees prunes trees left behind by dead runs, sparing every
// session that is still live in the store.
func (a *App) reconcileWorktrees(ctx context.Context, st *store.Store, trees *worktree.Manager, sessionID string) error {
	live := []string{sessionID}
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			continue
		}
		switch s.Status {
		case store.SessionActive, store.SessionPaused:
			live = append(live, s.ID)
		}
	}
	return trees.Reconcile(ctx, live)
}

func (a *App) emitSummary(sessionID string, st *store.Store) {
	// The run context may already be cancelled; the summary read gets its
	// own short deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		a.log.Warn("session summary unavailable", zap.Error(err))
		return
	}
	counts, err := st.CountTasksByStatus(ctx, sessionID)
	if err != nil {
		a.log.Warn("session summary unavailable", zap.Error(err))
		return
	}
	a.out.Emit("session:summary", map[string]any{
		"session_id":     sessionID,
		"status":         sess.Status,
		"tasks":          counts,
		"total_cost_usd": sess.TotalCostUSD,
	}, "session %s %s: %d completed, %d failed, $%.4f spent",
		sessionID, sess.Status, counts.Completed, counts.Failed, sess.TotalCostUSD)
}

// printEvent renders the run's event stream: every event becomes an NDJSON
// envelope in JSON mode, while text mode prints only the milestones a human
// following along cares about.
func (a *App) printEvent(ctx context.Context, e *bus.Event) error {
	if a.out.JSON() {
		a.out.Emit(e.Type, e.Data, "")
		return nil
	}
	switch p := e.Data.(type) {
	case events.GraphLoadedPayload:
		a.out.Emit(e.Type, nil, "session %s loaded (%d tasks)", p.SessionID, p.TaskCount)
	case events.TaskReadyPayload:
		a.out.Emit(e.Type, nil, "task %s ready", p.TaskID)
	case events.TaskCompletePayload:
		a.out.Emit(e.Type, nil, "task %s complete ($%.4f)", p.TaskID, p.CostUSD)
	case events.TaskFailedPayload:
		retry := ""
		if p.WillRetry {
			retry = ", retrying"
		}
		a.out.Emit(e.Type, nil, "task %s failed: %s%s", p.TaskID, p.Error, retry)
	case events.GraphPausedPayload:
		a.out.Emit(e.Type, nil, "session %s paused", p.SessionID)
	case events.GraphResumedPayload:
		a.out.Emit(e.Type, nil, "session %s resumed", p.SessionID)
	case events.GraphCancelledPayload:
		a.out.Emit(e.Type, nil, "session %s cancelled (%d tasks)", p.SessionID, p.CancelledTasks)
	case events.GraphCompletePayload:
		a.out.Emit(e.Type, nil, "session %s complete: %d/%d tasks, %d failed, $%.4f",
			p.SessionID, p.CompletedTasks, p.TotalTasks, p.FailedTasks, p.TotalCostUSD)
	}
	return nil
}
