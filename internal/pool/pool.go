// Package pool spawns the subprocesses that execute tasks and tracks them
// in memory. Termination is always aimed at the whole process group so
// tools that fork helpers do not leave orphans behind.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/events"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
	"github.com/johnplanow/substrate-sub006/internal/store"
)

const eventSource = "worker-pool"

// defaultTerminateGrace is how long TerminateAll and Cancel wait between
// SIGTERM and SIGKILL.
const defaultTerminateGrace = 5 * time.Second

// SpawnInfo labels a worker with the task it serves. TaskID is empty for
// one-off invocations outside the task graph.
type SpawnInfo struct {
	SessionID string
	TaskID    string
	AdapterID string
}

// Pool spawns and tracks workers.
type Pool struct {
	bus   bus.EventBus
	log   *logger.Logger
	grace time.Duration

	mu      sync.RWMutex
	workers map[string]*Handle
	byTask  map[string]string // sessionID/taskID -> workerID
}

// Options tune the pool.
type Options struct {
	// TerminateGrace overrides the SIGTERM-to-SIGKILL wait. Zero keeps the
	// default; tests shrink it.
	TerminateGrace time.Duration
}

func New(eventBus bus.EventBus, log *logger.Logger, opts Options) *Pool {
	grace := opts.TerminateGrace
	if grace <= 0 {
		grace = defaultTerminateGrace
	}
	return &Pool{
		bus:     eventBus,
		log:     log,
		grace:   grace,
		workers: make(map[string]*Handle),
		byTask:  make(map[string]string),
	}
}

// Spawn launches the recipe the adapter builds for task, rooted in the
// task's worktree, and returns a tracked handle.
func (p *Pool) Spawn(ctx context.Context, task *store.Task, a adapter.WorkerAdapter, worktreePath string) (*Handle, error) {
	spec := a.BuildCommand(task.Prompt, adapter.CommandOptions{
		Model:            task.Model,
		WorkingDirectory: worktreePath,
	})
	return p.Launch(ctx, SpawnInfo{
		SessionID: task.SessionID,
		TaskID:    task.ID,
		AdapterID: a.ID(),
	}, spec)
}

// Launch starts an arbitrary spawn recipe. The dispatcher uses it for
// invocations that have no task row behind them.
func (p *Pool) Launch(ctx context.Context, info SpawnInfo, spec adapter.CommandSpec) (*Handle, error) {
	taskKey := ""
	if info.TaskID != "" {
		taskKey = info.SessionID + "/" + info.TaskID
		p.mu.RLock()
		existing, busy := p.byTask[taskKey]
		p.mu.RUnlock()
		if busy {
			return nil, errors.IllegalStatef("task %s already has worker %s", info.TaskID, existing)
		}
	}

	// exec.Command, not CommandContext: shutdown is escalated SIGTERM then
	// SIGKILL via Cancel/TerminateAll, never a bare kill on ctx cancel.
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = mergeEnv(os.Environ(), spec.UnsetEnvKeys, spec.Env)
	setProcGroup(cmd)

	h := &Handle{
		WorkerID:  uuid.New().String(),
		SessionID: info.SessionID,
		TaskID:    info.TaskID,
		AdapterID: info.AdapterID,
		StartedAt: time.Now().UTC(),
		pool:      p,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Dispatch(fmt.Sprintf("failed to start %s", spec.Binary), err)
	}
	h.PID = cmd.Process.Pid

	p.mu.Lock()
	p.workers[h.WorkerID] = h
	if taskKey != "" {
		p.byTask[taskKey] = h.WorkerID
	}
	p.mu.Unlock()

	p.log.Debug("worker spawned",
		zap.String("worker_id", h.WorkerID),
		zap.String("task_id", h.TaskID),
		zap.Int("pid", h.PID))
	p.publish(ctx, events.WorkerSpawned, events.WorkerSpawnedPayload{
		WorkerID: h.WorkerID,
		TaskID:   h.TaskID,
		PID:      h.PID,
	})

	go p.reap(h)
	return h, nil
}

// reap waits for the process, captures its result, and drops the handle
// from the active set.
func (p *Pool) reap(h *Handle) {
	err := h.cmd.Wait()

	res := Result{
		Stdout: h.stdout.String(),
		Stderr: h.stderr.String(),
	}
	res.ExitCode, res.Signal, res.Err = exitStatus(err)
	h.result = res

	p.mu.Lock()
	delete(p.workers, h.WorkerID)
	if h.TaskID != "" {
		delete(p.byTask, h.SessionID+"/"+h.TaskID)
	}
	p.mu.Unlock()

	close(h.done)

	p.log.Debug("worker exited",
		zap.String("worker_id", h.WorkerID),
		zap.String("task_id", h.TaskID),
		zap.Int("exit_code", res.ExitCode),
		zap.String("signal", res.Signal))
}

// terminate implements Handle.Cancel.
func (p *Pool) terminate(h *Handle, reason string) {
	if !h.claimTermination(reason) {
		// Someone else is tearing it down, or it already exited; just wait
		// for the result.
		<-h.done
		return
	}

	_ = terminateProcessGroup(h.PID)
	select {
	case <-h.done:
	case <-time.After(p.grace):
		_ = killProcessGroup(h.PID)
		<-h.done
	}
	p.publish(context.Background(), events.WorkerTerminated, events.WorkerTerminatedPayload{
		WorkerID: h.WorkerID,
		Reason:   reason,
	})
}

// TerminateAll tears down every active worker: SIGTERM to all, a single
// shared grace wait, then SIGKILL for survivors. Each worker that was
// actually terminated gets a worker:terminated event.
func (p *Pool) TerminateAll(ctx context.Context, reason string) {
	if reason == "" {
		reason = "shutdown"
	}

	p.mu.RLock()
	active := make([]*Handle, 0, len(p.workers))
	for _, h := range p.workers {
		active = append(active, h)
	}
	p.mu.RUnlock()
	if len(active) == 0 {
		return
	}

	claimed := active[:0]
	for _, h := range active {
		if h.claimTermination(reason) {
			claimed = append(claimed, h)
			_ = terminateProcessGroup(h.PID)
		}
	}
	if len(claimed) == 0 {
		return
	}

	allDone := make(chan struct{})
	go func() {
		for _, h := range claimed {
			<-h.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-time.After(p.grace):
		for _, h := range claimed {
			select {
			case <-h.done:
			default:
				p.log.Warn("worker ignored SIGTERM, killing",
					zap.String("worker_id", h.WorkerID),
					zap.Int("pid", h.PID))
				_ = killProcessGroup(h.PID)
			}
		}
		<-allDone
	}

	for _, h := range claimed {
		p.publish(ctx, events.WorkerTerminated, events.WorkerTerminatedPayload{
			WorkerID: h.WorkerID,
			Reason:   reason,
		})
	}
}

// ActiveWorkers returns the running workers, oldest first.
func (p *Pool) ActiveWorkers() []*Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Handle, 0, len(p.workers))
	for _, h := range p.workers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// WorkerCount returns the number of running workers.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Worker returns the running worker with the given id.
func (p *Pool) Worker(workerID string) (*Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.workers[workerID]
	return h, ok
}

func (p *Pool) publish(ctx context.Context, topic string, payload any) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, bus.NewEvent(topic, eventSource, payload)); err != nil {
		p.log.Warn("failed to publish event", zap.String("topic", topic), zap.Error(err))
	}
}

// mergeEnv removes unsetKeys from the inherited environment, then overlays
// the adapter's entries. Overlay order is sorted for reproducible spawns.
func mergeEnv(inherited []string, unsetKeys []string, overlay map[string]string) []string {
	drop := make(map[string]struct{}, len(unsetKeys)+len(overlay))
	for _, k := range unsetKeys {
		drop[k] = struct{}{}
	}
	for k := range overlay {
		drop[k] = struct{}{}
	}

	env := make([]string, 0, len(inherited)+len(overlay))
	for _, kv := range inherited {
		name, _, _ := strings.Cut(kv, "=")
		if _, skip := drop[name]; skip {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
