package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/dispatch"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/internal/worktree"
	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

// Phase names carried by orchestrator:story-phase-complete.
const (
	phaseCreate = "create"
	phaseDev    = "dev"
	phaseReview = "review"
	phaseFix    = "fix"
	phaseRework = "rework"
)

// runStory drives one story to COMPLETE or ESCALATED. Story-level
// failures escalate the story and return nil so the rest of the group
// keeps going; only context cancellation aborts the run.
func (o *Orchestrator) runStory(ctx context.Context, r *run, rec *StoryRecord) error {
	wt, err := o.trees.Create(ctx, worktree.CreateRequest{
		SessionID:  r.sessionID,
		TaskID:     rec.ID,
		TaskName:   rec.Title,
		BaseBranch: r.baseBranch,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.escalate(ctx, r, rec, "", nil, "worktree: "+err.Error())
		return nil
	}
	o.mu.Lock()
	rec.WorktreePath = wt.Path
	rec.Branch = wt.Branch
	o.mu.Unlock()

	o.setPhase(ctx, r, rec, StoryInCreation)
	res, ok, err := o.dispatchPhase(ctx, r, rec, "docs", createPrompt(rec))
	if err != nil {
		return err
	}
	if !ok {
		o.escalate(ctx, r, rec, "", nil, dispatchError(res))
		return nil
	}
	o.phaseDone(ctx, r, rec, phaseCreate)

	o.setPhase(ctx, r, rec, StoryInDev)
	devRes, ok, err := o.dispatchPhase(ctx, r, rec, "coding", devPrompt(rec))
	if err != nil {
		return err
	}
	if !ok {
		o.escalate(ctx, r, rec, "", nil, dispatchError(devRes))
		return nil
	}
	report := o.storyReport(ctx, rec, devRes)
	o.phaseDone(ctx, r, rec, phaseDev)

	for {
		o.setPhase(ctx, r, rec, StoryInReview)
		revRes, ok, err := o.dispatchPhase(ctx, r, rec, "testing", reviewPrompt(rec, report))
		if err != nil {
			return err
		}
		if !ok {
			o.mu.Lock()
			lastVerdict, issues := rec.LastVerdict, rec.Issues
			o.mu.Unlock()
			o.escalate(ctx, r, rec, lastVerdict, issues, dispatchError(revRes))
			return nil
		}

		verdict := reviewOutcome(revRes)
		o.mu.Lock()
		rec.ReviewCycles++
		cycles := rec.ReviewCycles
		if verdict != nil {
			rec.LastVerdict = verdict.Verdict
			rec.Issues = verdict.Issues
		} else {
			rec.LastVerdict = ""
			rec.Issues = []string{"review produced no actionable verdict"}
		}
		o.mu.Unlock()
		o.phaseDone(ctx, r, rec, phaseReview)

		if verdict != nil && verdict.Verdict == agentout.VerdictShipIt {
			o.completeStory(ctx, r, rec)
			return nil
		}
		if cycles >= o.cfg.MaxReviewCycles {
			o.mu.Lock()
			lastVerdict, issues := rec.LastVerdict, rec.Issues
			o.mu.Unlock()
			o.escalate(ctx, r, rec, lastVerdict, issues, "review cycles exhausted")
			return nil
		}

		// An unknown or missing verdict is treated like major rework: the
		// cycle is spent, and shipping unreviewed work is not an option.
		phase, taskType, prompt := phaseRework, "refactoring", reworkPrompt(rec)
		if verdict != nil && verdict.Verdict == agentout.VerdictMinorFixes {
			phase, taskType, prompt = phaseFix, "coding", fixPrompt(rec)
		}
		o.setPhase(ctx, r, rec, StoryInDev)
		fixRes, ok, err := o.dispatchPhase(ctx, r, rec, taskType, prompt)
		if err != nil {
			return err
		}
		if !ok {
			o.mu.Lock()
			lastVerdict, issues := rec.LastVerdict, rec.Issues
			o.mu.Unlock()
			o.escalate(ctx, r, rec, lastVerdict, issues, dispatchError(fixRes))
			return nil
		}
		report = o.storyReport(ctx, rec, fixRes)
		o.phaseDone(ctx, r, rec, phase)
	}
}

// dispatchPhase runs one phase dispatch. ok=false means the story should
// escalate; an error means the run is being cancelled.
func (o *Orchestrator) dispatchPhase(ctx context.Context, r *run, rec *StoryRecord, taskType, prompt string) (dispatch.Result, bool, error) {
	res, err := o.runner.Run(ctx, dispatch.Request{
		Prompt:           prompt,
		Agent:            rec.Agent,
		TaskType:         taskType,
		Timeout:          o.cfg.PhaseTimeout,
		WorkingDirectory: rec.WorktreePath,
		Model:            rec.Model,
		SessionID:        r.sessionID,
		TaskID:           rec.ID,
		Category:         store.CategoryExecution,
	})
	if err != nil {
		if ctx.Err() != nil {
			return dispatch.Result{}, false, ctx.Err()
		}
		return dispatch.Result{Status: dispatch.StatusFailed, Error: err.Error()}, false, nil
	}
	if res.Status != dispatch.StatusCompleted {
		return res, false, nil
	}
	return res, true, nil
}

// storyReport pulls the dev dispatch's structured report, synthesising one
// from the worktree's changed files when the agent never printed its
// block. The synthesised report marks tests failed so review cannot
// mistake it for a verified result.
func (o *Orchestrator) storyReport(ctx context.Context, rec *StoryRecord, res dispatch.Result) *agentout.TaskReport {
	if res.Parsed != nil {
		if report, ok := agentout.TaskReportFromBlock(res.Parsed); ok {
			return report
		}
	}
	files, err := o.trees.ChangedFiles(ctx, rec.WorktreePath)
	if err != nil {
		o.log.Warn("failed to list changed files",
			zap.String("story_id", rec.ID),
			zap.Error(err))
	}
	o.log.Warn("dev dispatch printed no report block, recovering from worktree",
		zap.String("story_id", rec.ID),
		zap.Int("changed_files", len(files)))
	return agentout.RecoveredTaskReport(files)
}

// reviewOutcome extracts the verdict from a review dispatch. The
// dispatcher's extracted block is tried first; a second pass over the
// output text catches agents that printed the verdict outside the block
// the dispatcher picked.
func reviewOutcome(res dispatch.Result) *agentout.ReviewVerdict {
	if res.Parsed != nil {
		if v, ok := agentout.ReviewVerdictFromBlock(res.Parsed); ok && v.Known() {
			return v
		}
	}
	if v, ok := agentout.ParseReviewVerdict(res.Output, agentout.FlavorJSON); ok && v.Known() {
		return v
	}
	return nil
}

// setPhase moves the story into state and persists the snapshot.
func (o *Orchestrator) setPhase(ctx context.Context, r *run, rec *StoryRecord, state StoryState) {
	o.mu.Lock()
	rec.State = state
	if err := o.persistLocked(ctx, r); err != nil {
		o.log.Warn("failed to persist run snapshot",
			zap.String("run_id", r.id),
			zap.Error(err))
	}
	o.mu.Unlock()
}

// phaseDone persists the snapshot and announces the finished phase.
func (o *Orchestrator) phaseDone(ctx context.Context, r *run, rec *StoryRecord, phase string) {
	o.persist(ctx, r)
	o.publish(ctx, events.OrchestratorStoryPhaseComplete, events.StoryPhaseCompletePayload{
		RunID:   r.id,
		StoryID: rec.ID,
		Phase:   phase,
	})
}

func (o *Orchestrator) completeStory(ctx context.Context, r *run, rec *StoryRecord) {
	o.mu.Lock()
	rec.State = StoryComplete
	cycles := rec.ReviewCycles
	path := rec.WorktreePath
	if err := o.persistLocked(ctx, r); err != nil {
		o.log.Warn("failed to persist run snapshot", zap.Error(err))
	}
	o.mu.Unlock()

	o.publish(ctx, events.OrchestratorStoryComplete, events.StoryCompletePayload{
		RunID:        r.id,
		StoryID:      rec.ID,
		ReviewCycles: cycles,
	})
	o.log.Info("story complete",
		zap.String("story_id", rec.ID),
		zap.Int("review_cycles", cycles))

	if o.cfg.CleanupWorktrees && path != "" {
		if err := o.trees.Remove(ctx, path); err != nil {
			o.log.Warn("failed to remove story worktree",
				zap.String("story_id", rec.ID),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

func (o *Orchestrator) escalate(ctx context.Context, r *run, rec *StoryRecord, verdict string, issues []string, reason string) {
	o.mu.Lock()
	rec.State = StoryEscalated
	rec.LastVerdict = verdict
	if issues != nil {
		rec.Issues = issues
	}
	rec.Error = reason
	if err := o.persistLocked(ctx, r); err != nil {
		o.log.Warn("failed to persist run snapshot", zap.Error(err))
	}
	o.mu.Unlock()

	o.publish(ctx, events.OrchestratorStoryEscalated, events.StoryEscalatedPayload{
		RunID:       r.id,
		StoryID:     rec.ID,
		LastVerdict: verdict,
		Issues:      issues,
	})
	o.log.Warn("story escalated",
		zap.String("story_id", rec.ID),
		zap.String("last_verdict", verdict),
		zap.String("reason", reason))
}

func dispatchError(res dispatch.Result) string {
	if res.Error != "" {
		return res.Error
	}
	return "dispatch finished with status " + string(res.Status)
}
