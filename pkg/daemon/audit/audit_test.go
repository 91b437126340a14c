package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	assert.Equal(t, "2024-03-09 14:05:07 - /watch/proj - processed\n", Format(ts, "/watch/proj", Processed))
}

func TestRecorder_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "records.txt")

	r, err := Open(Config{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)
	r.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local) }

	require.NoError(t, r.Record("/watch/a", Existing))
	require.NoError(t, r.Record("/watch/b", Detected))
	require.NoError(t, r.Record("/watch/b", StabilizingWait))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"2024-01-02 03:04:05 - /watch/a - existing\n"+
			"2024-01-02 03:04:05 - /watch/b - detected\n"+
			"2024-01-02 03:04:05 - /watch/b - stabilizing-wait\n",
		string(data))

	assert.ErrorIs(t, r.Record("/watch/c", Failed), ErrClosed)
}

func TestRecorder_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.txt")
	require.NoError(t, os.WriteFile(path, []byte("earlier line\n"), 0o644))

	r, err := Open(Config{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	require.NoError(t, r.Record("/watch/a", Stable))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "earlier line", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], " - /watch/a - stable"))
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err = Open(Config{Path: filepath.Join(blocker, "records.txt")})
	assert.Error(t, err)
}

func TestRecorder_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	r := NewWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Record("/watch/entry", Moved)
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		assert.True(t, strings.HasSuffix(line, " - /watch/entry - moved"), line)
	}
	assert.NoError(t, r.Close())
}
