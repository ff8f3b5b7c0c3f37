package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
)

// IsRunning reports whether the process named by the PID file is alive.
func IsRunning(path string) (int, bool) {
	pid, err := ReadPid(path)
	if err != nil {
		return 0, false
	}
	// FindProcess always succeeds on Windows.
	out, err := exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/NH").Output()
	if err != nil {
		return 0, false
	}
	if regexp.MustCompile(fmt.Sprintf(`\b%d\b`, pid)).Match(out) {
		return pid, true
	}
	RemovePid(path)
	return 0, false
}

// Stop terminates the daemon. Windows has no SIGTERM, so it is killed.
func Stop(path string, _ time.Duration) error {
	pid, running := IsRunning(path)
	if !running {
		return errors.New("keepsync daemon is not running")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Kill(); err != nil {
		return errors.Wrapf(err, "stop daemon (PID %d)", pid)
	}
	RemovePid(path)
	return nil
}
