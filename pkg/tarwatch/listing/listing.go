// Package listing produces the canonical, sorted, root-relative listing of a
// tree. The same normalization is applied to archive member names so the two
// listings compare without false mismatches.
package listing

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Entry is one file, directory or symlink found under a root.
type Entry struct {
	// Rel is the normalized path relative to the root.
	Rel string

	// Path is the absolute path on disk.
	Path string

	// Info is the Lstat result for Path.
	Info fs.FileInfo
}

// Normalize converts a relative path to the listing convention:
// forward slashes, no leading "./" or "/", no trailing slash.
// The empty string and "." normalize to "".
func Normalize(p string) string {
	p = filepath.ToSlash(p)
	p = strings.TrimLeft(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return ""
	}
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return p
}

// Walk returns every entry under root, excluding root itself, sorted by Rel.
// Symlinks are reported but never followed. Sockets are skipped: tar cannot
// store them. A regular-file root has no
// entries. Any error reading the tree is returned as *types.FilesystemError.
func Walk(ctx context.Context, root string) ([]Entry, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return nil, &types.FilesystemError{Path: root, Err: err}
	}
	if !info.IsDir() {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		entries []Entry
	)

	conf := fastwalk.Config{
		Follow: false,
	}

	err = fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			return &types.FilesystemError{Path: p, Err: walkErr}
		}
		if p == root || d.Type()&fs.ModeSocket != 0 {
			return nil
		}

		fi, infoErr := d.Info()
		if infoErr != nil {
			return &types.FilesystemError{Path: p, Err: infoErr}
		}

		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return &types.FilesystemError{Path: p, Err: relErr}
		}

		mu.Lock()
		entries = append(entries, Entry{Rel: Normalize(rel), Path: p, Info: fi})
		mu.Unlock()
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var fsErr *types.FilesystemError
		if errors.As(err, &fsErr) {
			return nil, err
		}
		return nil, &types.FilesystemError{Path: root, Err: err}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Rel < entries[j].Rel
	})

	return entries, nil
}

// List returns the sorted relative paths of every file and directory under root.
func List(ctx context.Context, root string) (types.TreeListing, error) {
	entries, err := Walk(ctx, root)
	if err != nil {
		return nil, err
	}

	out := make(types.TreeListing, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Rel)
	}
	return out, nil
}

// Difference returns the sorted items of want that are not in have.
func Difference(want, have []string) []string {
	present := make(map[string]struct{}, len(have))
	for _, h := range have {
		present[h] = struct{}{}
	}

	var out []string
	for _, w := range want {
		if _, ok := present[w]; !ok {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// Equal reports whether a and b contain the same set of paths.
func Equal(a, b []string) bool {
	return len(Difference(a, b)) == 0 && len(Difference(b, a)) == 0
}
