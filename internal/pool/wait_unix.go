//go:build !windows

package pool

import (
	"os/exec"
	"syscall"
)

// exitStatus maps a cmd.Wait error to an exit code and, for signalled
// processes, the signal name. Signalled exits use the shell convention
// 128+signal.
func exitStatus(err error) (exitCode int, signalName string, waitErr error) {
	if err == nil {
		return 0, "", nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, "", err
	}
	waitStatus, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return 1, "", err
	}
	if waitStatus.Signaled() {
		return 128 + int(waitStatus.Signal()), waitStatus.Signal().String(), nil
	}
	return waitStatus.ExitStatus(), "", nil
}
