package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// StatusFile is written by tarwatchd once startup succeeds or fails, so a
// parent that spawned it can report the outcome.
type StatusFile struct {
	Status    string `json:"status"` // "ready" or "error"
	PID       int    `json:"pid,omitempty"`
	WatchPath string `json:"watch_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Status file states.
const (
	StatusReady = "ready"
	StatusError = "error"
)

// WriteStatusReady records a successful start watching watchPath.
func WriteStatusReady(path, watchPath string) error {
	return writeStatus(path, &StatusFile{
		Status:    StatusReady,
		PID:       os.Getpid(),
		WatchPath: watchPath,
	})
}

// WriteStatusError records a failed start.
func WriteStatusError(path string, err error) error {
	return writeStatus(path, &StatusFile{
		Status: StatusError,
		Error:  err.Error(),
	})
}

func writeStatus(path string, status *StatusFile) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// ReadStatus reads a status file.
func ReadStatus(path string) (*StatusFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RemoveStatus removes the status file.
func RemoveStatus(path string) error {
	return os.Remove(path)
}

// StatusPath returns the status file path for a data directory.
func StatusPath(dataDir string) string {
	return filepath.Join(dataDir, "tarwatchd.status")
}
