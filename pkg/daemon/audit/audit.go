// Package audit appends one line per pipeline event to a rotated record file.
//
// Lines have the form
//
//	2006-01-02 15:04:05 - /watch/proj - processed
package audit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Status is the event recorded for a path.
type Status string

// Audit statuses.
const (
	Existing        Status = "existing"
	Detected        Status = "detected"
	StabilizingWait Status = "stabilizing-wait"
	Stable          Status = "stable"
	Processed       Status = "processed"
	Failed          Status = "failed"
	Moved           Status = "moved"
)

// TimeFormat is the timestamp layout of each record.
const TimeFormat = "2006-01-02 15:04:05"

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit recorder closed")

// Config configures the record file.
type Config struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// Recorder serializes audit lines onto a writer. It is safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// Open creates the parent directory of cfg.Path and returns a recorder
// appending to it with lumberjack rotation.
func Open(cfg Config) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	// Touch the file so an unwritable location fails at startup.
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	_ = f.Close()

	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	}
	return &Recorder{w: lj, c: lj, now: time.Now}, nil
}

// NewWithWriter records to w. Close does not close w.
func NewWithWriter(w io.Writer) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// Record appends one line for path.
func (r *Recorder) Record(path string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return ErrClosed
	}
	line := Format(r.now(), path, status)
	if _, err := io.WriteString(r.w, line); err != nil {
		return fmt.Errorf("writing audit record: %w", err)
	}
	return nil
}

// Close releases the record file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.w = nil
	if r.c == nil {
		return nil
	}
	err := r.c.Close()
	r.c = nil
	return err
}

// Format renders one audit line including the trailing newline.
func Format(t time.Time, path string, status Status) string {
	return t.Format(TimeFormat) + " - " + path + " - " + string(status) + "\n"
}
