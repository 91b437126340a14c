// Package verify checks that an archive reproduces the file and directory
// listing of the tree it was built from.
package verify

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mholt/archiver/v3"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/listing"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Verifier compares archive members against a live tree.
type Verifier struct{}

// New creates a Verifier.
func New() *Verifier {
	return &Verifier{}
}

// member is one archive entry, keyed by its name relative to the root.
type member struct {
	size int64
}

// Verify reads archivePath and compares its members to the current listing
// of originalRoot.
//
// Success requires both sets to be equal. Missing holds only the paths the
// tree has and the archive lacks; archive members absent from the tree fail
// verification without being reported. For a single-file root the member
// size is compared too and a difference is reported in Mismatched.
func (v *Verifier) Verify(ctx context.Context, archivePath, originalRoot string) (*types.ArchiveResult, error) {
	log := logging.Get("verify")
	start := time.Now()

	rootInfo, err := os.Lstat(originalRoot)
	if err != nil {
		return nil, &types.FilesystemError{Path: originalRoot, Err: err}
	}

	base := filepath.Base(originalRoot)
	members, err := readMembers(ctx, archivePath, base)
	if err != nil {
		return nil, err
	}

	expected, err := listing.List(ctx, originalRoot)
	if err != nil {
		return nil, err
	}

	actual := make([]string, 0, len(members))
	for rel := range members {
		if rel == "" {
			continue
		}
		actual = append(actual, rel)
	}
	sort.Strings(actual)

	result := &types.ArchiveResult{
		Source:      originalRoot,
		ArchivePath: archivePath,
		Missing:     listing.Difference(expected, actual),
	}

	_, hasRoot := members[""]
	result.Success = hasRoot && listing.Equal(expected, actual)

	if rootInfo.Mode().IsRegular() {
		m, ok := members[""]
		if ok && m.size != rootInfo.Size() {
			result.Mismatched = []string{base}
			result.Success = false
		}
	}

	result.CompletedAt = time.Now()
	result.Elapsed = result.CompletedAt.Sub(start)

	if result.Success {
		log.Info("archive verified", "archive", archivePath, "members", len(actual)+1)
	} else {
		log.Warn("archive does not match source",
			"archive", archivePath,
			"missing", len(result.Missing),
			"mismatched", len(result.Mismatched),
			"expected", len(expected),
			"actual", len(actual))
	}

	return result, nil
}

// readMembers enumerates archivePath. Keys are member names relative to
// base, so the root member itself is stored under "".
func readMembers(ctx context.Context, archivePath, base string) (map[string]member, error) {
	fail := func(err error) (map[string]member, error) {
		return nil, &types.VerificationError{Archive: archivePath, Err: err}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}

	t := archiver.NewTar()
	if err := t.Open(f, info.Size()); err != nil {
		return fail(err)
	}
	defer t.Close()

	members := make(map[string]member)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		file, err := t.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("reading member: %w", err))
		}

		hdr, ok := file.Header.(*tar.Header)
		if !ok {
			_ = file.Close()
			return fail(fmt.Errorf("unexpected header type %T", file.Header))
		}
		members[relativeTo(base, hdr.Name)] = member{size: hdr.Size}
		_ = file.Close()
	}

	if len(members) == 0 {
		return fail(errors.New("archive has no members"))
	}
	return members, nil
}

// relativeTo strips the base prefix from a member name. Names outside base
// are returned with a leading slash so they cannot collide with a tree path.
func relativeTo(base, name string) string {
	n := listing.Normalize(name)
	if n == base {
		return ""
	}
	if rel, ok := strings.CutPrefix(n, base+"/"); ok {
		return listing.Normalize(rel)
	}
	return "/" + n
}
