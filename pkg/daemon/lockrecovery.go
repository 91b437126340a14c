package daemon

import (
	"os"
	"path/filepath"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

// RecoverFromStaleDaemon removes the files a crashed daemon left behind:
// its PID file, socket, status file and the history database lock.
// Returns ErrDaemonAlreadyRunning if the recorded process is alive.
func RecoverFromStaleDaemon(pidPath, socketPath, dbPath string) error {
	pid, err := ReadPIDFile(pidPath)
	if err != nil {
		return nil //nolint:nilerr // a missing or unreadable PID file means nothing to recover
	}

	if IsProcessRunning(pid) {
		return ErrDaemonAlreadyRunning
	}

	logging.Get("daemon").Warn("cleaning up stale daemon files", "stale_pid", pid)

	_ = os.Remove(pidPath)
	_ = os.Remove(socketPath)
	_ = os.Remove(StatusPath(filepath.Dir(pidPath)))
	if dbPath != "" {
		_ = os.Remove(filepath.Join(dbPath, "LOCK"))
	}
	return nil
}
