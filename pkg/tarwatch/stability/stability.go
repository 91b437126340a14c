// Package stability decides whether a directory or file has finished being
// written by comparing two size snapshots taken a fixed window apart.
package stability

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/sizer"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// CounterFunc returns a size snapshot of root.
type CounterFunc func(ctx context.Context, root string) (types.Snapshot, error)

// Detector samples a tree twice across a wait window.
type Detector struct {
	count CounterFunc
}

// New creates a Detector backed by sizer.Count.
func New() *Detector {
	return &Detector{count: sizer.Count}
}

// NewWithCounter creates a Detector with a custom snapshot function.
func NewWithCounter(fn CounterFunc) *Detector {
	return &Detector{count: fn}
}

// IsStable reports whether root kept the same size and file count over wait.
// A root that vanishes or changes type at either sample is reported as
// unstable rather than as an error. Context cancellation and permission
// failures are returned, since waiting longer cannot resolve them.
func (d *Detector) IsStable(ctx context.Context, root string, wait time.Duration) (bool, error) {
	before, err := d.count(ctx, root)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if errors.Is(err, fs.ErrPermission) {
			return false, err
		}
		return false, nil
	}

	if err := sleep(ctx, wait); err != nil {
		return false, err
	}

	after, err := d.count(ctx, root)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		if errors.Is(err, fs.ErrPermission) {
			return false, err
		}
		return false, nil
	}

	logging.Get("stability").Debug("sampled", "path", root, "before", before.String(), "after", after.String())

	return before == after, nil
}

// AttemptFunc is called after each unstable sample with the 1-based attempt number.
type AttemptFunc func(attempt int)

// WaitStable calls IsStable until it returns true, sleeping delay between
// attempts. It returns the stable snapshot. If root disappears it returns
// types.ErrEntryVanished; cancellation returns the context error and an
// unreadable root returns its *types.FilesystemError.
func (d *Detector) WaitStable(ctx context.Context, root string, wait, delay time.Duration, onUnstable AttemptFunc) (types.Snapshot, error) {
	log := logging.Get("stability")

	for attempt := 1; ; attempt++ {
		stable, err := d.IsStable(ctx, root, wait)
		if err != nil {
			return types.Snapshot{}, err
		}

		if stable {
			snap, err := d.count(ctx, root)
			if err != nil {
				if vanished(root) {
					return types.Snapshot{}, types.ErrEntryVanished
				}
				return types.Snapshot{}, err
			}
			log.Info("entry stable", "path", root, "attempts", attempt, "contents", snap.String())
			return snap, nil
		}

		if vanished(root) {
			return types.Snapshot{}, types.ErrEntryVanished
		}

		log.Info("still being written", "path", root, "attempt", attempt)
		if onUnstable != nil {
			onUnstable(attempt)
		}

		if err := sleep(ctx, delay); err != nil {
			return types.Snapshot{}, err
		}
	}
}

// vanished reports whether root no longer exists.
func vanished(root string) bool {
	_, err := os.Lstat(root)
	return errors.Is(err, fs.ErrNotExist)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
