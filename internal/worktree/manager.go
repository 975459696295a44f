package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/logger"
)

// Worktree describes one task's isolated checkout.
type Worktree struct {
	SessionID  string
	TaskID     string
	Path       string
	Branch     string
	BaseBranch string
	CreatedAt  time.Time
}

// CreateRequest carries everything needed to allocate a task worktree.
type CreateRequest struct {
	SessionID string
	TaskID    string
	// TaskName seeds the directory and branch slug; the task ID is used
	// when empty.
	TaskName string
	// BaseBranch is the branch the worktree derives from, normally the
	// session's. Empty means the repository's current branch.
	BaseBranch string
}

// Validate checks the request.
func (r *CreateRequest) Validate() error {
	if r.SessionID == "" {
		return ErrInvalidSession
	}
	if r.TaskID == "" {
		return ErrInvalidTask
	}
	return nil
}

// Manager creates and destroys git worktrees for tasks. Create and remove
// serialise on a per-repository lock, so a terminate-all sweep cannot race a
// concurrent create against the same repository.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu     sync.RWMutex
	active map[string]*Worktree // sessionID/taskID -> worktree

	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager validates the config, creates the scratch root, and returns a
// manager with no active worktrees.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "worktree-manager")),
		active:    make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
	}, nil
}

func activeKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

// repoLock returns the mutex guarding git mutations for a repository path.
func (m *Manager) repoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if lock, ok := m.repoLocks[repoPath]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.repoLocks[repoPath] = lock
	return lock
}

// Create allocates a worktree for one task on a fresh branch off the base
// branch. A still-valid worktree for the same task is reused, which keeps
// retries cheap when a previous cleanup never ran.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Worktree, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if existing, err := m.Get(req.SessionID, req.TaskID); err == nil {
		if m.IsValid(existing.Path) {
			m.log.Info("reusing existing worktree",
				zap.String("session_id", req.SessionID),
				zap.String("task_id", req.TaskID),
				zap.String("path", existing.Path))
			return existing, nil
		}
		m.forget(req.SessionID, req.TaskID)
	}

	if !isGitRepo(m.cfg.RepoPath) {
		return nil, ErrRepoNotGit
	}

	base := req.BaseBranch
	if base == "" {
		base = m.currentBranch(ctx)
	}
	if !m.branchExists(ctx, base) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, base)
	}

	lock := m.repoLock(m.cfg.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	slug := SanitizeForBranch(req.TaskName, 20)
	if slug == "" {
		slug = SanitizeForBranch(req.TaskID, 20)
	}
	suffix := SmallSuffix(4)
	path := m.cfg.WorktreePath(req.SessionID, DirName(slug, suffix))
	branch := m.cfg.BranchName(slug, suffix)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session worktree dir: %w", err)
	}

	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, path, base); err != nil {
		m.log.Error("git worktree add failed",
			zap.String("task_id", req.TaskID),
			zap.String("output", out),
			zap.Error(err))
		return nil, err
	}

	wt := &Worktree{
		SessionID:  req.SessionID,
		TaskID:     req.TaskID,
		Path:       path,
		Branch:     branch,
		BaseBranch: base,
		CreatedAt:  time.Now().UTC(),
	}
	m.mu.Lock()
	m.active[activeKey(req.SessionID, req.TaskID)] = wt
	m.mu.Unlock()

	m.log.Info("created worktree",
		zap.String("session_id", req.SessionID),
		zap.String("task_id", req.TaskID),
		zap.String("path", path),
		zap.String("branch", branch))
	return wt, nil
}

// Get returns the tracked worktree for a task.
func (m *Manager) Get(sessionID, taskID string) (*Worktree, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if wt, ok := m.active[activeKey(sessionID, taskID)]; ok {
		return wt, nil
	}
	return nil, ErrWorktreeNotFound
}

func (m *Manager) forget(sessionID, taskID string) {
	m.mu.Lock()
	delete(m.active, activeKey(sessionID, taskID))
	m.mu.Unlock()
}

// Remove destroys the worktree at path. The tracked branch, if any, is
// deleted best-effort afterwards.
func (m *Manager) Remove(ctx context.Context, path string) error {
	var tracked *Worktree
	m.mu.RLock()
	for _, wt := range m.active {
		if wt.Path == path {
			tracked = wt
			break
		}
	}
	m.mu.RUnlock()

	lock := m.repoLock(m.cfg.RepoPath)
	lock.Lock()
	defer lock.Unlock()

	if err := m.removeDir(ctx, path); err != nil {
		return err
	}

	if tracked != nil {
		if out, err := m.git(ctx, m.cfg.RepoPath, "branch", "-D", tracked.Branch); err != nil {
			m.log.Debug("failed to delete worktree branch",
				zap.String("branch", tracked.Branch),
				zap.String("output", out))
		}
		m.forget(tracked.SessionID, tracked.TaskID)
	}

	m.log.Info("removed worktree", zap.String("path", path))
	return nil
}

// RemoveSession destroys every tracked worktree of a session. Failures are
// logged and the sweep continues; the last error is returned.
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.RLock()
	var targets []*Worktree
	for _, wt := range m.active {
		if wt.SessionID == sessionID {
			targets = append(targets, wt)
		}
	}
	m.mu.RUnlock()

	var lastErr error
	for _, wt := range targets {
		if err := m.Remove(ctx, wt.Path); err != nil {
			m.log.Warn("failed to remove worktree",
				zap.String("task_id", wt.TaskID),
				zap.String("path", wt.Path),
				zap.Error(err))
			lastErr = err
		}
	}

	// The session directory itself is scratch; drop it when empty.
	if err := os.Remove(m.cfg.sessionDir(sessionID)); err != nil && !os.IsNotExist(err) {
		m.log.Debug("session worktree dir not removed", zap.Error(err))
	}
	return lastErr
}

// Reconcile removes worktree directories left behind by sessions that are no
// longer live, then prunes git's worktree records once. Run at startup.
func (m *Manager) Reconcile(ctx context.Context, liveSessions []string) error {
	live := make(map[string]bool, len(liveSessions))
	for _, id := range liveSessions {
		if len(id) > 8 {
			id = id[:8]
		}
		live[id] = true
	}

	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree root: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		path := filepath.Join(m.cfg.Root, entry.Name())
		m.log.Info("removing orphaned session worktrees",
			zap.String("session", entry.Name()),
			zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("failed to remove orphaned worktrees",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 && isGitRepo(m.cfg.RepoPath) {
		if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
			m.log.Debug("git worktree prune failed", zap.String("output", out))
		}
	}
	return nil
}

// IsValid reports whether path looks like a usable worktree: a directory
// whose .git file points back at the repository.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// ChangedFiles lists paths that differ from HEAD in a worktree, from
// git status --porcelain. Renames report the new name.
func (m *Manager) ChangedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		if idx := strings.Index(name, " -> "); idx >= 0 {
			name = name[idx+4:]
		}
		if name != "" {
			files = append(files, name)
		}
	}
	return files, nil
}

// removeDir removes a worktree directory, preferring git worktree remove and
// falling back to plain deletion plus a prune of stale records.
func (m *Manager) removeDir(ctx context.Context, path string) error {
	if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "remove", "--force", path); err != nil {
		m.log.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", out),
			zap.Error(err))
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		if out, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
			m.log.Debug("git worktree prune failed", zap.String("output", out))
		}
	}
	return nil
}

// git runs a git command in dir and returns its combined output.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%w: git %s: %s",
			ErrGitCommandFailed, args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// currentBranch resolves the repository's checked-out branch, defaulting to
// main when detection fails.
func (m *Manager) currentBranch(ctx context.Context) string {
	out, err := m.git(ctx, m.cfg.RepoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "main"
	}
	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return "main"
	}
	return branch
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.cfg.RepoPath, "rev-parse", "--verify", branch)
	return err == nil
}

// isGitRepo reports whether path holds a git repository. The .git entry is a
// directory in a regular checkout and a file inside a worktree.
func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}
