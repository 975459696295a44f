// Package orchestrator drives a list of stories through create, dev and
// review phases with bounded review cycles, on top of the dispatch layer.
//
// Stories are partitioned into conflict groups: stories inside one group
// run serially so concurrent agents never write into the same module,
// while up to MaxConcurrency groups run in parallel. The run's snapshot is
// persisted after every phase transition, and a run can be resumed by ID
// after a process restart.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/dispatch"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/internal/worktree"
)

const eventSource = "orchestrator"

// StoryState is a story's position in its lifecycle.
type StoryState string

const (
	StoryPending    StoryState = "PENDING"
	StoryInCreation StoryState = "IN_STORY_CREATION"
	StoryInDev      StoryState = "IN_DEV"
	StoryInReview   StoryState = "IN_REVIEW"
	StoryComplete   StoryState = "COMPLETE"
	StoryEscalated  StoryState = "ESCALATED"
)

// Terminal reports whether the story has finished, one way or the other.
func (s StoryState) Terminal() bool {
	return s == StoryComplete || s == StoryEscalated
}

// Run statuses persisted into the pipeline-run record.
const (
	RunRunning  = "running"
	RunPaused   = "paused"
	RunComplete = "complete"
	RunFailed   = "failed"
)

// Story is one unit of work the orchestrator drives to completion.
type Story struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// AcceptanceCriteria are checked by the review phase.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	// Module is the code area the story touches, used by the conflict
	// grouping heuristic.
	Module string `json:"module,omitempty"`
	Agent  string `json:"agent,omitempty"`
	Model  string `json:"model,omitempty"`
}

// StoryRecord is a story's definition plus its progress through the run.
type StoryRecord struct {
	Story
	State        StoryState `json:"state"`
	Group        string     `json:"group"`
	ReviewCycles int        `json:"review_cycles"`
	LastVerdict  string     `json:"last_verdict,omitempty"`
	Issues       []string   `json:"issues,omitempty"`
	WorktreePath string     `json:"worktree_path,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Snapshot is the run's serialisable state.
type Snapshot struct {
	RunID            string        `json:"run_id"`
	SessionID        string        `json:"session_id"`
	Status           string        `json:"status"`
	Stories          []StoryRecord `json:"stories"`
	CompletedStories int           `json:"completed_stories"`
	EscalatedStories int           `json:"escalated_stories"`
}

// Config tunes one orchestrator.
type Config struct {
	// MaxReviewCycles is how many reviews a story gets before escalation.
	MaxReviewCycles int
	// MaxConcurrency caps how many conflict groups run in parallel.
	MaxConcurrency int
	// DefaultAgent and DefaultModel fill story fields left empty.
	DefaultAgent string
	DefaultModel string
	// PhaseTimeout bounds each phase dispatch; zero means unbounded.
	PhaseTimeout time.Duration
	// CleanupWorktrees removes a story's worktree once it completes.
	// Escalated stories always keep theirs for inspection.
	CleanupWorktrees bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxReviewCycles:  3,
		MaxConcurrency:   2,
		CleanupWorktrees: true,
	}
}

// Runner is the dispatch surface the orchestrator drives.
// *dispatch.Dispatcher satisfies it.
type Runner interface {
	Run(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Worktrees is the worktree surface the orchestrator uses.
// *worktree.Manager satisfies it.
type Worktrees interface {
	Create(ctx context.Context, req worktree.CreateRequest) (*worktree.Worktree, error)
	Remove(ctx context.Context, path string) error
	ChangedFiles(ctx context.Context, path string) ([]string, error)
}

// Request describes one orchestration run.
type Request struct {
	SessionID string
	Stories   []Story
	// Groups pins stories to conflict groups by story ID. Unmapped stories
	// fall back to the module-prefix heuristic.
	Groups map[string]string
}

// run is the in-memory state of one active orchestration.
type run struct {
	id         string
	sessionID  string
	baseBranch string
	status     string
	records    []*StoryRecord
	groups     [][]*StoryRecord

	cancel   context.CancelFunc
	done     chan struct{}
	resumeCh chan struct{}
}

// Orchestrator runs one story pipeline at a time.
type Orchestrator struct {
	runner Runner
	store  *store.Store
	trees  Worktrees
	bus    bus.EventBus
	log    *logger.Logger
	cfg    Config

	mu     sync.Mutex
	active *run
	last   *Snapshot
}

func New(runner Runner, st *store.Store, trees Worktrees, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxReviewCycles < 1 {
		cfg.MaxReviewCycles = DefaultConfig().MaxReviewCycles
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Orchestrator{
		runner: runner,
		store:  st,
		trees:  trees,
		bus:    eventBus,
		log:    log.WithFields(zap.String("component", "orchestrator")),
		cfg:    cfg,
	}
}

// Start validates the request, persists the initial snapshot and launches
// the group loop in the background. It returns the run ID; Wait blocks
// until the run finishes.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	if req.SessionID == "" {
		return "", errors.Validation("orchestration request has no session id")
	}
	if len(req.Stories) == 0 {
		return "", errors.Validation("orchestration request has no stories")
	}
	seen := make(map[string]bool, len(req.Stories))
	for _, s := range req.Stories {
		if s.ID == "" {
			return "", errors.Validation("story has no id")
		}
		if seen[s.ID] {
			return "", errors.Validationf("duplicate story id %q", s.ID)
		}
		seen[s.ID] = true
	}
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return "", err
	}

	records := make([]*StoryRecord, 0, len(req.Stories))
	for _, s := range req.Stories {
		if s.Agent == "" {
			s.Agent = o.cfg.DefaultAgent
		}
		if s.Model == "" {
			s.Model = o.cfg.DefaultModel
		}
		records = append(records, &StoryRecord{
			Story: s,
			State: StoryPending,
			Group: conflictKey(s, req.Groups),
		})
	}

	r := &run{
		id:         uuid.New().String(),
		sessionID:  req.SessionID,
		baseBranch: sess.BaseBranch,
		status:     RunRunning,
		records:    records,
		groups:     buildGroups(records),
		done:       make(chan struct{}),
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return "", errors.IllegalStatef("run %s is already active", o.active.id)
	}
	o.active = r
	if err := o.persistLocked(ctx, r); err != nil {
		o.active = nil
		o.mu.Unlock()
		return "", err
	}
	o.mu.Unlock()

	o.publish(ctx, events.OrchestratorStarted, events.OrchestratorStartedPayload{
		RunID:      r.id,
		SessionID:  r.sessionID,
		StoryCount: len(r.records),
	})
	o.log.Info("orchestration started",
		zap.String("run_id", r.id),
		zap.String("session_id", r.sessionID),
		zap.Int("stories", len(r.records)),
		zap.Int("groups", len(r.groups)))

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go o.execute(runCtx, r)
	return r.id, nil
}

// Resume continues a run. With the active run's ID (or an empty ID) it
// lifts a pause; with a persisted run's ID and no active run it reloads
// the snapshot and restarts the unfinished stories.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	o.mu.Lock()
	if o.active != nil {
		r := o.active
		if runID != "" && runID != r.id {
			o.mu.Unlock()
			return errors.IllegalStatef("run %s is active, not %s", r.id, runID)
		}
		if r.status != RunPaused {
			o.mu.Unlock()
			return errors.IllegalStatef("run %s is not paused", r.id)
		}
		r.status = RunRunning
		close(r.resumeCh)
		r.resumeCh = nil
		if err := o.persistLocked(ctx, r); err != nil {
			o.log.Warn("failed to persist run snapshot", zap.Error(err))
		}
		o.mu.Unlock()
		o.publish(ctx, events.OrchestratorResumed, events.OrchestratorResumedPayload{RunID: r.id})
		o.log.Info("orchestration resumed", zap.String("run_id", r.id))
		return nil
	}
	o.mu.Unlock()

	if runID == "" {
		return errors.IllegalState("no orchestration run is active")
	}
	return o.restore(ctx, runID)
}

// restore rebuilds a run from its persisted snapshot. Unfinished stories
// restart from PENDING; their worktrees are reused when still valid, and
// spent review cycles stay spent.
func (o *Orchestrator) restore(ctx context.Context, runID string) error {
	saved, err := o.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if saved.Status == RunComplete {
		return errors.IllegalStatef("run %s is already complete", runID)
	}
	snap, err := snapshotFromMeta(saved.Snapshot)
	if err != nil {
		return err
	}
	sess, err := o.store.GetSession(ctx, saved.SessionID)
	if err != nil {
		return err
	}

	records := make([]*StoryRecord, 0, len(snap.Stories))
	for i := range snap.Stories {
		rec := snap.Stories[i]
		if !rec.State.Terminal() {
			rec.State = StoryPending
		}
		records = append(records, &rec)
	}

	r := &run{
		id:         runID,
		sessionID:  saved.SessionID,
		baseBranch: sess.BaseBranch,
		status:     RunRunning,
		records:    records,
		groups:     buildGroups(records),
		done:       make(chan struct{}),
	}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		return errors.IllegalStatef("run %s is already active", o.active.id)
	}
	o.active = r
	if err := o.persistLocked(ctx, r); err != nil {
		o.active = nil
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.publish(ctx, events.OrchestratorResumed, events.OrchestratorResumedPayload{RunID: r.id})
	o.log.Info("orchestration restored",
		zap.String("run_id", r.id),
		zap.Int("remaining", countLive(records)))

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go o.execute(runCtx, r)
	return nil
}

// Pause stops new stories from starting. Dispatches already in flight run
// to completion.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	r := o.active
	if r == nil {
		o.mu.Unlock()
		return errors.IllegalState("no orchestration run is active")
	}
	if r.status != RunRunning {
		o.mu.Unlock()
		return errors.IllegalStatef("run %s is not running", r.id)
	}
	r.status = RunPaused
	r.resumeCh = make(chan struct{})
	if err := o.persistLocked(ctx, r); err != nil {
		o.log.Warn("failed to persist run snapshot", zap.Error(err))
	}
	o.mu.Unlock()

	o.publish(ctx, events.OrchestratorPaused, events.OrchestratorPausedPayload{RunID: r.id})
	o.log.Info("orchestration paused", zap.String("run_id", r.id))
	return nil
}

// GetStatus returns the current run's snapshot, or the last finished
// run's. The second return is false when the orchestrator never ran.
func (o *Orchestrator) GetStatus() (*Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return o.snapshotLocked(o.active), true
	}
	if o.last != nil {
		return o.last, true
	}
	return nil, false
}

// Wait blocks until the active run finishes and returns its final
// snapshot. With no active run it returns the last finished snapshot.
func (o *Orchestrator) Wait(ctx context.Context) (*Snapshot, error) {
	o.mu.Lock()
	var done chan struct{}
	if o.active != nil {
		done = o.active.done
	}
	last := o.last
	o.mu.Unlock()

	if done == nil {
		if last == nil {
			return nil, errors.IllegalState("no orchestration run is active")
		}
		return last, nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last, nil
}

// Close aborts the active run, if any, and waits for its goroutines.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	r := o.active
	if r != nil && r.resumeCh != nil {
		// Unblock stories parked on the pause gate so they can observe
		// the cancelled context.
		close(r.resumeCh)
		r.resumeCh = nil
	}
	o.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// execute drains every conflict group, serially within a group and up to
// MaxConcurrency groups at once.
func (o *Orchestrator) execute(ctx context.Context, r *run) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)
	for _, group := range r.groups {
		group := group
		g.Go(func() error {
			return o.drainGroup(gctx, r, group)
		})
	}
	o.finish(g.Wait(), r)
}

func (o *Orchestrator) drainGroup(ctx context.Context, r *run, group []*StoryRecord) error {
	for _, rec := range group {
		if rec.State.Terminal() {
			continue
		}
		if err := o.waitIfPaused(ctx, r); err != nil {
			return err
		}
		if err := o.runStory(ctx, r, rec); err != nil {
			return err
		}
	}
	return nil
}

// waitIfPaused blocks at a story boundary while the run is paused.
func (o *Orchestrator) waitIfPaused(ctx context.Context, r *run) error {
	for {
		o.mu.Lock()
		if r.status != RunPaused {
			o.mu.Unlock()
			return ctx.Err()
		}
		ch := r.resumeCh
		o.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) finish(err error, r *run) {
	o.mu.Lock()
	if err != nil {
		r.status = RunFailed
	} else {
		r.status = RunComplete
	}
	snap := o.snapshotLocked(r)
	if perr := o.persistLocked(context.Background(), r); perr != nil {
		o.log.Warn("failed to persist final run snapshot", zap.Error(perr))
	}
	o.last = snap
	o.active = nil
	o.mu.Unlock()

	if err != nil {
		o.log.Warn("orchestration aborted",
			zap.String("run_id", r.id),
			zap.Error(err))
		close(r.done)
		return
	}
	o.publish(context.Background(), events.OrchestratorComplete, events.OrchestratorCompletePayload{
		RunID:            r.id,
		CompletedStories: snap.CompletedStories,
		EscalatedStories: snap.EscalatedStories,
	})
	o.log.Info("orchestration complete",
		zap.String("run_id", r.id),
		zap.Int("completed", snap.CompletedStories),
		zap.Int("escalated", snap.EscalatedStories))
	close(r.done)
}

// snapshotLocked copies the run state. Callers hold o.mu.
func (o *Orchestrator) snapshotLocked(r *run) *Snapshot {
	snap := &Snapshot{
		RunID:     r.id,
		SessionID: r.sessionID,
		Status:    r.status,
		Stories:   make([]StoryRecord, 0, len(r.records)),
	}
	for _, rec := range r.records {
		snap.Stories = append(snap.Stories, *rec)
		switch rec.State {
		case StoryComplete:
			snap.CompletedStories++
		case StoryEscalated:
			snap.EscalatedStories++
		}
	}
	return snap
}

// persistLocked writes the run snapshot. Callers hold o.mu.
func (o *Orchestrator) persistLocked(ctx context.Context, r *run) error {
	snap := o.snapshotLocked(r)
	return o.store.SavePipelineRun(ctx, &store.PipelineRun{
		ID:        r.id,
		SessionID: r.sessionID,
		Status:    r.status,
		Snapshot:  snapshotToMeta(snap),
	})
}

// persist re-snapshots the run outside a transition, logging failures.
// Snapshot writes are advisory after the initial save: a broken disk
// should not kill a run that agents are still advancing.
func (o *Orchestrator) persist(ctx context.Context, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.persistLocked(ctx, r); err != nil {
		o.log.Warn("failed to persist run snapshot",
			zap.String("run_id", r.id),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload any) {
	if err := o.bus.Publish(ctx, bus.NewEvent(topic, eventSource, payload)); err != nil {
		o.log.Warn("failed to publish event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// conflictKey picks a story's scheduling group. An explicit mapping wins;
// otherwise stories sharing the first segment of their module path share a
// group, and stories with no module run alone.
func conflictKey(s Story, groups map[string]string) string {
	if g := groups[s.ID]; g != "" {
		return g
	}
	mod := strings.Trim(s.Module, "/")
	if mod == "" {
		return "story:" + s.ID
	}
	if i := strings.IndexByte(mod, '/'); i > 0 {
		mod = mod[:i]
	}
	return mod
}

// buildGroups partitions records by group key, keeping first-appearance
// order for groups and input order within each group.
func buildGroups(records []*StoryRecord) [][]*StoryRecord {
	index := make(map[string]int)
	var groups [][]*StoryRecord
	for _, rec := range records {
		i, ok := index[rec.Group]
		if !ok {
			i = len(groups)
			index[rec.Group] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], rec)
	}
	return groups
}

func countLive(records []*StoryRecord) int {
	n := 0
	for _, rec := range records {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}
