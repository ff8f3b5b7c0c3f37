//go:build !windows

package daemon

import (
	"os"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

// IsRunning reports whether the process named by the PID file is alive.
// A stale PID file is removed.
func IsRunning(path string) (int, bool) {
	pid, err := ReadPid(path)
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		RemovePid(path)
		return 0, false
	}
	return pid, true
}

// Stop sends SIGTERM and waits up to timeout before killing the process.
func Stop(path string, timeout time.Duration) error {
	pid, running := IsRunning(path)
	if !running {
		return errors.New("keepsync daemon is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "stop daemon (PID %d)", pid)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			RemovePid(path)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	proc.Signal(syscall.SIGKILL)
	RemovePid(path)
	return nil
}
