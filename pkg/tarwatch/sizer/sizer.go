// Package sizer totals the size and regular-file count of a directory tree.
package sizer

import (
	"context"
	"io/fs"
	"os"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Count walks root and returns the total byte size and number of regular
// files beneath it. Symlinks are never followed and are not counted.
// Entries that vanish or cannot be stat'ed during the walk are skipped,
// since the tree is expected to be changing. Only a failure to read root
// itself is reported, as a *types.FilesystemError.
func Count(ctx context.Context, root string) (types.Snapshot, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return types.Snapshot{}, &types.FilesystemError{Path: root, Err: err}
	}

	switch {
	case info.Mode().IsRegular():
		return types.Snapshot{Size: info.Size(), Files: 1}, nil
	case !info.IsDir():
		// Symlinks and special files are opaque.
		return types.Snapshot{}, nil
	}

	var size, files atomic.Int64

	conf := fastwalk.Config{
		Follow: false,
	}

	err = fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			if path == root {
				return walkErr
			}
			return nil //nolint:nilerr // Skip entries that vanished mid-walk
		}

		if !d.Type().IsRegular() {
			return nil
		}

		fi, infoErr := d.Info()
		if infoErr != nil {
			return nil //nolint:nilerr // File removed between readdir and stat
		}

		size.Add(fi.Size())
		files.Add(1)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.Snapshot{}, ctxErr
		}
		return types.Snapshot{}, &types.FilesystemError{Path: root, Err: err}
	}

	return types.Snapshot{Size: size.Load(), Files: files.Load()}, nil
}
