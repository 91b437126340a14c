package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

func TestPollSource_Children(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.dpx"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "deep"), 0o755))

	src := NewPollSource(root)
	defer src.Close()

	children, err := src.Children(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, "a"),
		filepath.Join(root, "b"),
		filepath.Join(root, "c.dpx"),
	}, children)
	assert.Nil(t, src.Changes())
	assert.Equal(t, root, src.Root())
}

func TestPollSource_MissingRoot(t *testing.T) {
	src := NewPollSource(filepath.Join(t.TempDir(), "gone"))

	_, err := src.Children(context.Background())
	var fsErr *types.FilesystemError
	assert.True(t, errors.As(err, &fsErr))
}

func TestPollSource_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPollSource(t.TempDir()).Children(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func waitSignal(t *testing.T, ch <-chan struct{}, timeout time.Duration) bool {
	t.Helper()
	select {
	case _, ok := <-ch:
		return ok
	case <-time.After(timeout):
		return false
	}
}

func TestEventSource_SignalsOnCreate(t *testing.T) {
	root := t.TempDir()
	src, err := NewEventSource(root, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, os.Mkdir(filepath.Join(root, "incoming"), 0o755))
	assert.True(t, waitSignal(t, src.Changes(), 2*time.Second), "expected a change signal")

	children, err := src.Children(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "incoming")}, children)
}

func TestEventSource_CoalescesBurst(t *testing.T) {
	root := t.TempDir()
	src, err := NewEventSource(root, WithDebounce(200*time.Millisecond))
	require.NoError(t, err)
	defer src.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "f"+string(rune('a'+i))), []byte("x"), 0o644))
	}

	require.True(t, waitSignal(t, src.Changes(), 2*time.Second))
	assert.False(t, waitSignal(t, src.Changes(), 400*time.Millisecond), "burst should produce one signal")
}

func TestEventSource_IgnoresNestedWrites(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "proj")
	require.NoError(t, os.Mkdir(sub, 0o755))

	src, err := NewEventSource(root, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, os.WriteFile(filepath.Join(sub, "file.txt"), []byte("data"), 0o644))
	assert.False(t, waitSignal(t, src.Changes(), 300*time.Millisecond))
}

func TestEventSource_CloseClosesChanges(t *testing.T) {
	src, err := NewEventSource(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	_, ok := <-src.Changes()
	assert.False(t, ok)
}

func TestEventSource_MissingRoot(t *testing.T) {
	_, err := NewEventSource(filepath.Join(t.TempDir(), "gone"))
	assert.Error(t, err)
}

func TestSourcesImplementInterface(t *testing.T) {
	var _ Source = (*PollSource)(nil)
	var _ Source = (*EventSource)(nil)
}
