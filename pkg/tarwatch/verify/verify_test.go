package verify

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/archive"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/stability"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func createArchive(t *testing.T, root string, opts ...archive.Option) string {
	t.Helper()
	opts = append([]archive.Option{archive.WithFreeSpace(nil)}, opts...)
	path, err := archive.New(opts...).Create(context.Background(), root, t.TempDir())
	require.NoError(t, err)
	return path
}

// writeRawTar builds an archive from explicit member names.
func writeRawTar(t *testing.T, names map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range names {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		if content == "/" {
			hdr = &tar.Header{Name: name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return path
}

func TestVerify_RoundTrip(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "file1.txt"), "0123456789")
	writeFile(t, filepath.Join(root, "sub", "file2.txt"), "01234567890123456789")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.Symlink("file1.txt", filepath.Join(root, "link")))

	result, err := New().Verify(context.Background(), createArchive(t, root), root)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Empty(t, result.Missing)
	assert.Empty(t, result.Mismatched)
	assert.Equal(t, root, result.Source)
	assert.False(t, result.CompletedAt.IsZero())
}

func TestVerify_ReportsMissing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))

	path := createArchive(t, root)
	writeFile(t, filepath.Join(root, "b", "c.txt"), "c")

	result, err := New().Verify(context.Background(), path, root)
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, []string{"b/c.txt"}, result.Missing)
}

func TestVerify_ExtraMembersNotReported(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "b", "c.txt"), "c")

	path := createArchive(t, root)
	require.NoError(t, os.Remove(filepath.Join(root, "b", "c.txt")))

	result, err := New().Verify(context.Background(), path, root)
	require.NoError(t, err)

	assert.False(t, result.Success, "extra archive member must fail verification")
	assert.Empty(t, result.Missing, "extra archive member is not listed as missing")
}

func TestVerify_NormalizesMemberNames(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "b")

	path := writeRawTar(t, map[string]string{
		"proj/":           "/",
		"proj/a.txt":      "a",
		"/proj/sub/":      "/",
		"proj//sub/b.txt": "b",
	})

	result, err := New().Verify(context.Background(), path, root)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestVerify_MembersOutsideRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	path := writeRawTar(t, map[string]string{
		"proj/":  "/",
		"a.txt":  "a",
		"other/": "/",
	})

	result, err := New().Verify(context.Background(), path, root)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"a.txt"}, result.Missing)
}

func TestVerify_SingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.dpx")
	writeFile(t, src, "frame")

	path := createArchive(t, src, archive.WithStripSourceExt(true))
	assert.Equal(t, "clip.tar", filepath.Base(path))

	result, err := New().Verify(context.Background(), path, src)
	require.NoError(t, err)
	assert.True(t, result.Success)

	writeFile(t, src, "frame-grown")
	result, err = New().Verify(context.Background(), path, src)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, []string{"clip.dpx"}, result.Mismatched)
}

func TestVerify_CorruptArchive(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	cases := map[string]string{
		"garbage": "not a tar archive",
		"empty":   "",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.tar")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err := New().Verify(context.Background(), path, root)

			var verr *types.VerificationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, path, verr.Archive)
		})
	}
}

func TestVerify_MissingArchive(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(root, 0o755))

	_, err := New().Verify(context.Background(), filepath.Join(t.TempDir(), "none.tar"), root)

	var verr *types.VerificationError
	assert.True(t, errors.As(err, &verr))
}

func TestEndToEnd(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeFile(t, filepath.Join(root, "file1.txt"), "0123456789")
	writeFile(t, filepath.Join(root, "sub", "file2.txt"), "01234567890123456789")

	stable, err := stability.New().IsStable(context.Background(), root, stabilityWindow)
	require.NoError(t, err)
	require.True(t, stable)

	dest := t.TempDir()
	path, err := archive.New(archive.WithFreeSpace(nil)).Create(context.Background(), root, dest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "proj.tar"))

	result, err := New().Verify(context.Background(), path, root)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Missing)
}

const stabilityWindow = time.Second
