package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// PidFile is the daemon PID file name inside the keepsync home.
const PidFile = "keepsyncd.pid"

// PidPath returns the PID file path under home.
func PidPath(home string) string {
	return filepath.Join(home, PidFile)
}

// WritePid writes the PID file atomically with 0600 permissions.
func WritePid(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create pid directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	return errors.Wrap(os.Rename(tmp, path), "install pid file")
}

// ReadPid reads the PID file.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrap(err, "invalid pid file")
	}
	return pid, nil
}

// RemovePid deletes the PID file.
func RemovePid(path string) {
	os.Remove(path)
}
