// Package archive writes a directory tree, or a single file, into one tar
// container whose only top-level entry is named after the source.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mholt/archiver/v3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/listing"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Extension is the file extension of every archive written.
const Extension = ".tar"

// PartialSuffix marks in-progress archives. They are renamed into place on
// success and removed on failure.
const PartialSuffix = ".partial"

// headerOverhead approximates the tar header and padding cost per member.
const headerOverhead = 1024

// FreeSpaceFunc reports the bytes available for writing in dir.
type FreeSpaceFunc func(dir string) (uint64, error)

// Option configures an Archiver.
type Option func(*Archiver)

// WithStripSourceExt names single-file archives without the source's own
// extension, so clip.dpx becomes clip.tar instead of clip.dpx.tar.
func WithStripSourceExt(strip bool) Option {
	return func(a *Archiver) {
		a.stripSourceExt = strip
	}
}

// WithFreeSpace overrides the free space probe. Passing nil disables the check.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(a *Archiver) {
		a.freeSpace = fn
	}
}

// Archiver creates tar archives.
type Archiver struct {
	stripSourceExt bool
	freeSpace      FreeSpaceFunc
}

// New creates an Archiver. By default the destination's free space is
// checked with gopsutil before writing.
func New(opts ...Option) *Archiver {
	a := &Archiver{
		freeSpace: diskFree,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// diskFree returns the free bytes on the filesystem holding dir.
func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// TargetPath returns where the archive for root is written inside destDir.
func (a *Archiver) TargetPath(root string, isDir bool, destDir string) string {
	name := filepath.Base(root)
	if !isDir && a.stripSourceExt {
		if ext := filepath.Ext(name); ext != "" && ext != name {
			name = strings.TrimSuffix(name, ext)
		}
	}
	return filepath.Join(destDir, name+Extension)
}

// Create archives root into destDir and returns the archive path.
// An existing archive at that path is overwritten. On any failure the
// partially written file is removed and a *types.ArchiveCreationError is
// returned.
func (a *Archiver) Create(ctx context.Context, root, destDir string) (string, error) {
	log := logging.Get("archive")

	info, err := os.Lstat(root)
	if err != nil {
		return "", &types.ArchiveCreationError{Source: root, Err: &types.FilesystemError{Path: root, Err: err}}
	}

	target := a.TargetPath(root, info.IsDir(), destDir)
	fail := func(err error) (string, error) {
		return "", &types.ArchiveCreationError{Source: root, Target: target, Err: err}
	}

	entries, err := listing.Walk(ctx, root)
	if err != nil {
		return fail(err)
	}

	if err := a.checkSpace(destDir, info, entries); err != nil {
		return fail(err)
	}

	if _, err := os.Lstat(target); err == nil {
		log.Warn("overwriting existing archive", "path", target)
	}

	start := time.Now()
	tmp, err := os.CreateTemp(destDir, "."+filepath.Base(target)+".*"+PartialSuffix)
	if err != nil {
		return fail(fmt.Errorf("creating temp file: %w", err))
	}
	tmpPath := tmp.Name()

	if err := writeTar(ctx, tmp, root, info, entries); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fail(err)
	}

	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fail(fmt.Errorf("setting archive mode: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fail(fmt.Errorf("syncing archive: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fail(fmt.Errorf("closing archive: %w", err))
	}

	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fail(fmt.Errorf("renaming archive into place: %w", err))
	}

	log.Info("archive created", "source", root, "path", target, "members", len(entries)+1, "elapsed", time.Since(start).Round(time.Millisecond))
	return target, nil
}

// checkSpace fails with types.ErrInsufficientSpace when destDir cannot hold
// the estimated archive size.
func (a *Archiver) checkSpace(destDir string, rootInfo os.FileInfo, entries []listing.Entry) error {
	if a.freeSpace == nil {
		return nil
	}

	need := estimateSize(rootInfo, entries)
	free, err := a.freeSpace(destDir)
	if err != nil {
		logging.Get("archive").Warn("free space check failed", "dir", destDir, "error", err)
		return nil
	}
	if free < need {
		return fmt.Errorf("%w: need %s, have %s", types.ErrInsufficientSpace,
			types.FormatSize(int64(need)), types.FormatSize(int64(free)))
	}
	return nil
}

// estimateSize approximates the tar size of root and its entries.
func estimateSize(rootInfo os.FileInfo, entries []listing.Entry) uint64 {
	need := uint64(headerOverhead)
	if rootInfo.Mode().IsRegular() {
		need += uint64(rootInfo.Size())
	}
	for _, e := range entries {
		need += headerOverhead
		if e.Info.Mode().IsRegular() {
			need += uint64(e.Info.Size())
		}
	}
	return need
}

// writeTar streams root and its entries into w.
func writeTar(ctx context.Context, w io.Writer, root string, rootInfo os.FileInfo, entries []listing.Entry) error {
	t := archiver.NewTar()
	if err := t.Create(w); err != nil {
		return err
	}

	base := filepath.Base(root)
	if err := writeMember(t, root, base, rootInfo); err != nil {
		_ = t.Close()
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			_ = t.Close()
			return err
		}
		if err := writeMember(t, e.Path, base+"/"+e.Rel, e.Info); err != nil {
			_ = t.Close()
			return err
		}
	}

	return t.Close()
}

// writeMember adds one filesystem entry under the given archive name.
func writeMember(t *archiver.Tar, path, name string, info os.FileInfo) error {
	file := archiver.File{
		FileInfo: archiver.FileInfo{
			FileInfo:   info,
			CustomName: name,
			SourcePath: path,
		},
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(path)
		if err != nil {
			return &types.FilesystemError{Path: path, Err: err}
		}
		defer f.Close()

		// The tree was stable when listed; a size change now means it is
		// being written again and the member would be inconsistent.
		current, err := f.Stat()
		if err != nil {
			return &types.FilesystemError{Path: path, Err: err}
		}
		if current.Size() != info.Size() {
			return &types.FilesystemError{Path: path, Err: errors.New("file changed while archiving")}
		}

		file.ReadCloser = f
	}

	if err := t.Write(file); err != nil {
		if _, statErr := os.Lstat(path); statErr != nil {
			return &types.FilesystemError{Path: path, Err: statErr}
		}
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
