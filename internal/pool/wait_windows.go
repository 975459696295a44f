//go:build windows

package pool

import "os/exec"

// exitStatus maps a cmd.Wait error to an exit code. Windows has no signal
// semantics to report.
func exitStatus(err error) (exitCode int, signalName string, waitErr error) {
	if err == nil {
		return 0, "", nil
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, "", err
	}
	return exitErr.ExitCode(), "", nil
}
