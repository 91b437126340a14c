package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/tarwatch/pkg/daemon/audit"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

func newJobID() string {
	return uuid.New().String()
}

// safeProcess runs process and turns a panic into a failed completion so
// the loop keeps running.
func (s *Service) safeProcess(ctx context.Context, c types.Candidate, stage func(types.Status)) (res completion) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get("watchloop").Error("pipeline panicked", "path", c.Path, "job", c.ID, "panic", r, "stack", string(debug.Stack()))
			res = completion{
				candidate: c,
				result: &types.ArchiveResult{
					ID:          c.ID,
					Source:      c.Path,
					Error:       fmt.Sprintf("internal error: %v", r),
					CompletedAt: time.Now(),
				},
			}
		}
	}()
	return s.process(ctx, c, stage)
}

// process runs one candidate through the pipeline. It executes on a worker
// goroutine and must not touch loop state; stage reports transitions back
// to the control goroutine.
func (s *Service) process(ctx context.Context, c types.Candidate, stage func(types.Status)) completion {
	log := logging.Get("watchloop").With("job", c.ID)

	advance := func(status types.Status, detail string) {
		c.Status = status
		stage(status)
		s.publish(&c, detail)
	}

	fail := func(err error, snap types.Snapshot) completion {
		return completion{
			candidate: c,
			result: &types.ArchiveResult{
				ID:          c.ID,
				Source:      c.Path,
				Snapshot:    snap,
				Error:       err.Error(),
				CompletedAt: time.Now(),
			},
		}
	}

	advance(types.StatusStabilizing, "")
	snap, err := s.stabilizer.WaitStable(ctx, c.Path, s.cfg.StabilityWindow, s.cfg.PollInterval, func(attempt int) {
		s.audit(c.Path, audit.StabilizingWait)
		s.publish(&c, fmt.Sprintf("attempt %d still changing", attempt))
	})
	switch {
	case err == nil:
	case errors.Is(err, types.ErrEntryVanished):
		log.Warn("entry vanished before it was archived", "path", c.Path)
		return fail(err, types.Snapshot{})
	case ctx.Err() != nil:
		return completion{candidate: c, abandoned: true}
	default:
		log.Error("stability check failed", "path", c.Path, "error", err)
		return fail(err, types.Snapshot{})
	}

	s.audit(c.Path, audit.Stable)
	advance(types.StatusStable, snap.String())

	// Archive and verify write output; shutdown lets them finish.
	work := context.WithoutCancel(ctx)
	start := time.Now()

	advance(types.StatusArchiving, "")
	archivePath, err := s.archiver.Create(work, c.Path, s.cfg.DestDir)
	if err != nil {
		log.Error("archive creation failed", "path", c.Path, "error", err)
		return fail(err, snap)
	}

	result, err := s.verifier.Verify(work, archivePath, c.Path)
	if err != nil {
		log.Error("verification failed", "path", c.Path, "archive", archivePath, "error", err)
		r := fail(err, snap)
		r.result.ArchivePath = archivePath
		return r
	}

	result.ID = c.ID
	result.Snapshot = snap
	result.Elapsed = time.Since(start)
	if !result.Success && result.Error == "" {
		switch {
		case len(result.Missing) > 0:
			result.Error = fmt.Sprintf("archive is missing %d entries", len(result.Missing))
		case len(result.Mismatched) > 0:
			result.Error = fmt.Sprintf("archive member size differs for %v", result.Mismatched)
		default:
			result.Error = "archive contains entries not present in the source"
		}
	}
	return completion{candidate: c, result: result}
}

// moveToBackup moves a verified source into the backup directory. An
// existing entry of the same name there is never replaced.
func (s *Service) moveToBackup(path string) error {
	target := filepath.Join(s.cfg.BackupDir, filepath.Base(path))
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%s already exists", target)
	}
	if err := os.Rename(path, target); err != nil {
		return &types.FilesystemError{Path: path, Err: err}
	}
	logging.Get("watchloop").Info("moved source to backup", "path", path, "backup", target)
	return nil
}
