package pool

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Result is the captured outcome of a finished worker.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Signal is the termination signal name when the process was killed.
	Signal string
	// Err is set for failures other than a nonzero exit (I/O errors, wait
	// failures).
	Err error
}

// Handle tracks one subprocess from spawn to exit. Exactly one task owns a
// handle at a time.
type Handle struct {
	WorkerID  string
	SessionID string
	TaskID    string
	AdapterID string
	PID       int
	StartedAt time.Time

	pool   *Pool
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer

	// result is written once by reap before done closes.
	result Result
	done   chan struct{}

	mu           sync.Mutex
	terminating  bool
	cancelReason string
}

// Process exposes the child process for callers that need to signal it
// directly.
func (h *Handle) Process() *os.Process {
	return h.cmd.Process
}

// Done closes when the worker has exited and its result is available.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the worker exits and returns the captured
// stdout/stderr/exit code.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel terminates the worker: SIGTERM to its process group, escalating to
// SIGKILL after the pool's grace period. It blocks until the process has
// exited. Cancelling a finished worker is a no-op.
func (h *Handle) Cancel(reason string) {
	h.pool.terminate(h, reason)
}

// claimTermination marks the handle as being torn down. It reports false
// when another caller already claimed it or the process has exited.
func (h *Handle) claimTermination(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminating {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
	}
	h.terminating = true
	h.cancelReason = reason
	return true
}
