package stability

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// makeProject creates proj/file1.txt (10 bytes) and proj/sub/file2.txt (20 bytes).
func makeProject(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "file1.txt"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "file2.txt"), make([]byte, 20), 0o644))
	return root
}

func TestIsStable_StaticTree(t *testing.T) {
	root := makeProject(t)

	stable, err := New().IsStable(context.Background(), root, time.Second)
	require.NoError(t, err)
	assert.True(t, stable)
}

func TestIsStable_AppendDuringWindow(t *testing.T) {
	root := makeProject(t)

	go func() {
		time.Sleep(200 * time.Millisecond)
		f, err := os.OpenFile(filepath.Join(root, "file1.txt"), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		_, _ = f.Write([]byte("12345"))
		_ = f.Close()
	}()

	stable, err := New().IsStable(context.Background(), root, time.Second)
	require.NoError(t, err)
	assert.False(t, stable)
}

func TestIsStable_FileAddedOrRemoved(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(root string)
	}{
		{
			name: "added",
			mutate: func(root string) {
				_ = os.WriteFile(filepath.Join(root, "sub", "new.txt"), nil, 0o644)
			},
		},
		{
			name: "removed",
			mutate: func(root string) {
				_ = os.Remove(filepath.Join(root, "sub", "file2.txt"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := makeProject(t)
			go func() {
				time.Sleep(100 * time.Millisecond)
				tt.mutate(root)
			}()

			stable, err := New().IsStable(context.Background(), root, 500*time.Millisecond)
			require.NoError(t, err)
			assert.False(t, stable)
		})
	}
}

func TestIsStable_RootDeletedBetweenSamples(t *testing.T) {
	root := makeProject(t)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = os.RemoveAll(root)
	}()

	stable, err := New().IsStable(context.Background(), root, 500*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, stable)
}

func TestIsStable_Cancelled(t *testing.T) {
	root := makeProject(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	stable, err := New().IsStable(ctx, root, 10*time.Second)
	assert.False(t, stable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitStable_RetriesUntilStable(t *testing.T) {
	var calls atomic.Int64
	// Size grows for the first three samples, then settles.
	counter := func(_ context.Context, _ string) (types.Snapshot, error) {
		n := calls.Add(1)
		if n < 4 {
			return types.Snapshot{Size: n, Files: 1}, nil
		}
		return types.Snapshot{Size: 4, Files: 1}, nil
	}

	var attempts []int
	root := t.TempDir()
	snap, err := NewWithCounter(counter).WaitStable(context.Background(), root, time.Millisecond, time.Millisecond, func(n int) {
		attempts = append(attempts, n)
	})
	require.NoError(t, err)
	assert.Equal(t, types.Snapshot{Size: 4, Files: 1}, snap)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestWaitStable_Vanished(t *testing.T) {
	root := filepath.Join(t.TempDir(), "gone")

	_, err := New().WaitStable(context.Background(), root, time.Millisecond, time.Millisecond, nil)
	assert.ErrorIs(t, err, types.ErrEntryVanished)
}

func TestWaitStable_UnreadableRootStops(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int64
	counter := func(_ context.Context, path string) (types.Snapshot, error) {
		calls.Add(1)
		return types.Snapshot{}, &types.FilesystemError{Path: path, Err: fs.ErrPermission}
	}

	var attempts int
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewWithCounter(counter).WaitStable(ctx, root, time.Millisecond, time.Millisecond, func(int) {
		attempts++
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)

	var fsErr *types.FilesystemError
	assert.ErrorAs(t, err, &fsErr)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, int64(1), calls.Load())
}

func TestWaitStable_UnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not apply to root")
	}
	root := makeProject(t)
	require.NoError(t, os.Chmod(root, 0o000))
	t.Cleanup(func() { _ = os.Chmod(root, 0o755) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := New().WaitStable(ctx, root, time.Millisecond, time.Millisecond, nil)
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.NoError(t, ctx.Err())
}
