package daemon

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/tarwatch/pkg/daemon/audit"
	"github.com/jamesainslie/tarwatch/pkg/daemon/broadcaster"
	"github.com/jamesainslie/tarwatch/pkg/daemon/store"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/archive"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/stability"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

const waitFor = 5 * time.Second

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// has reports whether an audit line for path with status was written.
func (s *syncBuffer) has(path string, status audit.Status) bool {
	return strings.Contains(s.String(), " - "+path+" - "+string(status)+"\n")
}

func (s *syncBuffer) count(path string, status audit.Status) int {
	return strings.Count(s.String(), " - "+path+" - "+string(status)+"\n")
}

// instantStabilizer reports every entry stable at once.
type instantStabilizer struct{}

func (instantStabilizer) WaitStable(ctx context.Context, root string, _, _ time.Duration, _ stability.AttemptFunc) (types.Snapshot, error) {
	if _, err := os.Lstat(root); err != nil {
		return types.Snapshot{}, types.ErrEntryVanished
	}
	return types.Snapshot{Size: 1, Files: 1}, ctx.Err()
}

// blockingStabilizer never reports stable; it returns when ctx ends.
type blockingStabilizer struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingStabilizer) WaitStable(ctx context.Context, _ string, _, _ time.Duration, onUnstable stability.AttemptFunc) (types.Snapshot, error) {
	onUnstable(1)
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return types.Snapshot{}, ctx.Err()
}

// vanishingStabilizer removes the entry and reports it gone.
type vanishingStabilizer struct{}

func (vanishingStabilizer) WaitStable(_ context.Context, root string, _, _ time.Duration, _ stability.AttemptFunc) (types.Snapshot, error) {
	_ = os.RemoveAll(root)
	return types.Snapshot{}, types.ErrEntryVanished
}

// unreadableStabilizer reports the entry as unreadable.
type unreadableStabilizer struct{}

func (unreadableStabilizer) WaitStable(_ context.Context, root string, _, _ time.Duration, _ stability.AttemptFunc) (types.Snapshot, error) {
	return types.Snapshot{}, &types.FilesystemError{Path: root, Err: fs.ErrPermission}
}

// panickingArchiver panics for entries named "bad" and archives the rest.
type panickingArchiver struct {
	fakeArchiver
}

func (a *panickingArchiver) Create(ctx context.Context, root, destDir string) (string, error) {
	if filepath.Base(root) == "bad" {
		panic("corrupt header")
	}
	return a.fakeArchiver.Create(ctx, root, destDir)
}

// fakeArchiver writes an empty marker file and optionally blocks.
type fakeArchiver struct {
	release chan struct{}
	entered chan string

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeArchiver) Create(_ context.Context, root, destDir string) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.entered != nil {
		f.entered <- root
	}
	if f.release != nil {
		<-f.release
	}

	target := filepath.Join(destDir, filepath.Base(root)+archive.Extension)
	return target, os.WriteFile(target, nil, 0o644)
}

// scriptedVerifier fails the first failures calls and succeeds afterwards.
type scriptedVerifier struct {
	failures int32
	calls    atomic.Int32
}

func (v *scriptedVerifier) Verify(_ context.Context, archivePath, originalRoot string) (*types.ArchiveResult, error) {
	n := v.calls.Add(1)
	r := &types.ArchiveResult{
		Source:      originalRoot,
		ArchivePath: archivePath,
		Success:     n > v.failures,
		CompletedAt: time.Now(),
	}
	if !r.Success {
		r.Missing = []string{"lost.txt"}
	}
	return r, nil
}

type harness struct {
	svc   *Service
	audit *syncBuffer
	watch string
	dest  string
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	if cfg.WatchPath == "" {
		cfg.WatchPath = t.TempDir()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.StabilityWindow == 0 {
		cfg.StabilityWindow = 10 * time.Millisecond
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}

	buf := &syncBuffer{}
	opts = append([]Option{WithRecorder(audit.NewWithWriter(buf))}, opts...)

	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &harness{svc: svc, audit: buf, watch: cfg.WatchPath, dest: svc.Config().DestDir}
}

// start runs the loop and returns a stop function that cancels it and
// waits for Run to return.
func (h *harness) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.svc.Run(ctx) }()

	select {
	case <-h.svc.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("Run returned before seeding: %v", err)
	case <-time.After(waitFor):
		cancel()
		t.Fatal("Run did not seed the known set")
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(waitFor):
				t.Error("Run did not return after cancel")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func mkdirWithFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(p, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(p, "data.bin"), []byte("payload"), 0o644))
	return p
}

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	rec := WithRecorder(audit.NewWithWriter(&syncBuffer{}))

	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"missing watch path", Config{WatchPath: filepath.Join(dir, "nope"), PollInterval: time.Second}, "watch_path"},
		{"watch path is a file", Config{WatchPath: file, PollInterval: time.Second}, "watch_path"},
		{"zero poll interval", Config{WatchPath: dir}, "poll_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, rec)
			var cfgErr *types.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	h := newHarness(t, Config{Workers: -1})
	cfg := h.svc.Config()
	assert.Equal(t, cfg.WatchPath, cfg.DestDir)
	assert.Equal(t, 1, cfg.Workers)
	assert.Nil(t, h.svc.Store())
}

func TestEligible(t *testing.T) {
	watch := t.TempDir()
	dest := filepath.Join(watch, "archives")
	backup := filepath.Join(watch, "done")
	for _, d := range []string{dest, backup, filepath.Join(watch, "proj"), filepath.Join(watch, "old.tar")} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	for _, f := range []string{"clip.DPX", "clip.mov", ".proj.tar.123.partial"} {
		require.NoError(t, os.WriteFile(filepath.Join(watch, f), nil, 0o644))
	}
	require.NoError(t, os.Symlink(filepath.Join(watch, "proj"), filepath.Join(watch, "link")))

	dirMode := &Service{cfg: Config{WatchPath: watch, DestDir: dest, BackupDir: backup}}
	fileMode := &Service{cfg: Config{WatchPath: watch, DestDir: dest, Extension: ".dpx"}}

	tests := []struct {
		name     string
		svc      *Service
		path     string
		eligible bool
	}{
		{"directory", dirMode, "proj", true},
		{"regular file in directory mode", dirMode, "clip.mov", false},
		{"destination directory", dirMode, "archives", false},
		{"backup directory", dirMode, "done", false},
		{"directory named like an archive", dirMode, "old.tar", false},
		{"partial archive", dirMode, ".proj.tar.123.partial", false},
		{"symlink to directory", dirMode, "link", false},
		{"vanished", dirMode, "gone", false},
		{"matching extension any case", fileMode, "clip.DPX", true},
		{"other extension", fileMode, "clip.mov", false},
		{"directory in file mode", fileMode, "proj", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.eligible, tt.svc.eligible(filepath.Join(watch, tt.path)))
		})
	}
}

func TestRun_SeedsExistingEntries(t *testing.T) {
	watch := t.TempDir()
	old := mkdirWithFile(t, watch, "old")
	arch := &fakeArchiver{}
	h := newHarness(t, Config{WatchPath: watch},
		WithStabilizer(instantStabilizer{}), WithArchiver(arch), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	require.Eventually(t, func() bool { return h.audit.has(old, audit.Existing) }, waitFor, 5*time.Millisecond)

	fresh := mkdirWithFile(t, watch, "fresh")
	require.Eventually(t, func() bool { return h.audit.has(fresh, audit.Processed) }, waitFor, 5*time.Millisecond)

	assert.False(t, h.audit.has(old, audit.Detected))
	assert.NoFileExists(t, filepath.Join(watch, "old.tar"))
	assert.FileExists(t, filepath.Join(watch, "fresh.tar"))

	known, inFlight := h.svc.Snapshot()
	assert.Equal(t, 2, known)
	assert.Empty(t, inFlight)
}

func TestRun_ArchivesAndVerifiesNewDirectory(t *testing.T) {
	watch := t.TempDir()
	dest := t.TempDir()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := broadcaster.New()
	t.Cleanup(b.Close)
	sub := b.Subscribe(watch, types.StatusVerified)

	h := newHarness(t, Config{WatchPath: watch, DestDir: dest, StabilityWindow: 20 * time.Millisecond},
		WithArchiver(archive.New(archive.WithFreeSpace(nil))),
		WithStore(st),
		WithBroadcaster(b))
	h.start(t)

	proj := filepath.Join(watch, "proj")
	require.NoError(t, os.MkdirAll(filepath.Join(proj, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(proj, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(proj, "b", "c.txt"), []byte("charlie"), 0o644))

	require.Eventually(t, func() bool { return h.audit.has(proj, audit.Processed) }, waitFor, 10*time.Millisecond)

	assert.FileExists(t, filepath.Join(dest, "proj.tar"))
	log := h.audit.String()
	assert.Less(t, strings.Index(log, proj+" - detected"), strings.Index(log, proj+" - stable"))
	assert.Less(t, strings.Index(log, proj+" - stable"), strings.Index(log, proj+" - processed"))

	select {
	case ev := <-sub.Events:
		assert.Equal(t, proj, ev.Path)
		require.NotNil(t, ev.Result)
		assert.True(t, ev.Result.Success)
		assert.Equal(t, int64(2), ev.Result.Snapshot.Files)
	case <-time.After(waitFor):
		t.Fatal("no verified event published")
	}

	r, err := st.Latest(proj)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, filepath.Join(dest, "proj.tar"), r.ArchivePath)
	assert.NotEmpty(t, r.ID)

	// Processed entries are not archived again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.audit.count(proj, audit.Detected))
}

func TestRun_SingleFileMode(t *testing.T) {
	watch := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch, Extension: ".dpx"},
		WithStabilizer(instantStabilizer{}),
		WithArchiver(archive.New(archive.WithStripSourceExt(true), archive.WithFreeSpace(nil))))
	h.start(t)

	clip := filepath.Join(watch, "clip.0001.dpx")
	require.NoError(t, os.WriteFile(clip, []byte("frame"), 0o644))
	other := mkdirWithFile(t, watch, "proj")

	require.Eventually(t, func() bool { return h.audit.has(clip, audit.Processed) }, waitFor, 5*time.Millisecond)
	assert.FileExists(t, filepath.Join(watch, "clip.0001.tar"))
	assert.False(t, h.audit.has(other, audit.Detected))
}

func TestRun_FailedVerificationIsRetried(t *testing.T) {
	watch := t.TempDir()
	ver := &scriptedVerifier{failures: 1}
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := newHarness(t, Config{WatchPath: watch},
		WithStabilizer(instantStabilizer{}), WithArchiver(&fakeArchiver{}), WithVerifier(ver), WithStore(st))
	h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	require.Eventually(t, func() bool { return h.audit.has(proj, audit.Processed) }, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, h.audit.count(proj, audit.Failed))
	assert.Equal(t, 2, h.audit.count(proj, audit.Detected))
	assert.EqualValues(t, 2, ver.calls.Load())

	counts, err := st.Counts()
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Verified: 1, Failed: 1}, counts)

	failed, err := st.List(store.ListOptions{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, []string{"lost.txt"}, failed[0].Missing)
	assert.Contains(t, failed[0].Error, "missing 1 entries")
}

func TestRun_VanishedEntryFails(t *testing.T) {
	watch := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch},
		WithStabilizer(vanishingStabilizer{}), WithArchiver(&fakeArchiver{}))
	h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	require.Eventually(t, func() bool { return h.audit.has(proj, audit.Failed) }, waitFor, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.audit.count(proj, audit.Detected))
	assert.False(t, h.audit.has(proj, audit.Processed))
	assert.NoFileExists(t, filepath.Join(watch, "proj.tar"))
}

func TestRun_EntryCreatedRightAfterReadyIsNew(t *testing.T) {
	watch := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch},
		WithStabilizer(instantStabilizer{}), WithArchiver(&fakeArchiver{}), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	require.Eventually(t, func() bool { return h.audit.has(proj, audit.Processed) }, waitFor, 5*time.Millisecond)
	assert.False(t, h.audit.has(proj, audit.Existing))
	assert.True(t, h.audit.has(proj, audit.Detected))
}

func TestRun_UnreadableEntryFreesWorker(t *testing.T) {
	watch := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch, Workers: 1},
		WithStabilizer(unreadableStabilizer{}), WithArchiver(&fakeArchiver{}), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	locked := mkdirWithFile(t, watch, "locked")
	require.Eventually(t, func() bool { return h.audit.has(locked, audit.Failed) }, waitFor, 5*time.Millisecond)

	// Retried by rediscovery; each attempt releases the only slot.
	require.Eventually(t, func() bool { return h.audit.count(locked, audit.Detected) >= 2 }, waitFor, 5*time.Millisecond)
	assert.False(t, h.audit.has(locked, audit.StabilizingWait))
	assert.False(t, h.audit.has(locked, audit.Processed))
}

func TestRun_PanicInPipelineFailsEntry(t *testing.T) {
	watch := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch, Workers: 1},
		WithStabilizer(instantStabilizer{}), WithArchiver(&panickingArchiver{}), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	bad := mkdirWithFile(t, watch, "bad")
	require.Eventually(t, func() bool { return h.audit.has(bad, audit.Failed) }, waitFor, 5*time.Millisecond)

	good := mkdirWithFile(t, watch, "good")
	require.Eventually(t, func() bool { return h.audit.has(good, audit.Processed) }, waitFor, 5*time.Millisecond)
	assert.False(t, h.audit.has(bad, audit.Processed))
}

func TestRun_MovesVerifiedSourceToBackup(t *testing.T) {
	watch := t.TempDir()
	backup := t.TempDir()
	dest := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch, DestDir: dest, BackupDir: backup},
		WithStabilizer(instantStabilizer{}), WithArchiver(&fakeArchiver{}), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	require.Eventually(t, func() bool { return h.audit.has(proj, audit.Moved) }, waitFor, 5*time.Millisecond)

	assert.NoDirExists(t, proj)
	assert.FileExists(t, filepath.Join(backup, "proj", "data.bin"))

	known, _ := h.svc.Snapshot()
	assert.Equal(t, 0, known)
}

func TestRun_BackupNeverReplacesExisting(t *testing.T) {
	watch := t.TempDir()
	backup := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(backup, "proj"), 0o755))

	h := newHarness(t, Config{WatchPath: watch, DestDir: dest, BackupDir: backup},
		WithStabilizer(instantStabilizer{}), WithArchiver(&fakeArchiver{}), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	require.Eventually(t, func() bool { return h.audit.has(proj, audit.Processed) }, waitFor, 5*time.Millisecond)

	assert.DirExists(t, proj)
	assert.False(t, h.audit.has(proj, audit.Moved))
	assert.NoFileExists(t, filepath.Join(backup, "proj", "data.bin"))
}

func TestRun_RespectsWorkerLimit(t *testing.T) {
	watch := t.TempDir()
	arch := &fakeArchiver{release: make(chan struct{}), entered: make(chan string, 8)}
	h := newHarness(t, Config{WatchPath: watch, Workers: 2},
		WithStabilizer(instantStabilizer{}), WithArchiver(arch), WithVerifier(&scriptedVerifier{}))
	h.start(t)

	var paths []string
	for _, name := range []string{"a", "b", "c", "d"} {
		paths = append(paths, mkdirWithFile(t, watch, name))
	}

	require.Eventually(t, func() bool {
		_, inFlight := h.svc.Snapshot()
		return len(inFlight) == 4
	}, waitFor, 5*time.Millisecond)

	<-arch.entered
	<-arch.entered
	// A third worker never starts while two are blocked.
	select {
	case p := <-arch.entered:
		t.Fatalf("third archive started for %s", p)
	case <-time.After(50 * time.Millisecond):
	}

	close(arch.release)
	for _, p := range paths {
		require.Eventually(t, func() bool { return h.audit.has(p, audit.Processed) }, waitFor, 5*time.Millisecond)
	}
	assert.EqualValues(t, 2, arch.maxActive.Load())
}

func TestRun_ShutdownFinishesRunningArchive(t *testing.T) {
	watch := t.TempDir()
	arch := &fakeArchiver{release: make(chan struct{}), entered: make(chan string, 1)}
	h := newHarness(t, Config{WatchPath: watch},
		WithStabilizer(instantStabilizer{}), WithArchiver(arch), WithVerifier(&scriptedVerifier{}))
	stop := h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	select {
	case <-arch.entered:
	case <-time.After(waitFor):
		t.Fatal("archive never started")
	}

	_, inFlight := h.svc.Snapshot()
	require.Len(t, inFlight, 1)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Run returned while an archive was being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(arch.release)
	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("Run did not return after the archive finished")
	}

	assert.True(t, h.audit.has(proj, audit.Processed))
	assert.FileExists(t, filepath.Join(watch, "proj.tar"))
}

func TestRun_ShutdownAbandonsStabilityWait(t *testing.T) {
	watch := t.TempDir()
	stab := &blockingStabilizer{started: make(chan struct{})}
	h := newHarness(t, Config{WatchPath: watch},
		WithStabilizer(stab), WithArchiver(&fakeArchiver{}))
	stop := h.start(t)

	proj := mkdirWithFile(t, watch, "proj")
	select {
	case <-stab.started:
	case <-time.After(waitFor):
		t.Fatal("stability wait never started")
	}
	require.Eventually(t, func() bool { return h.audit.has(proj, audit.StabilizingWait) }, waitFor, 5*time.Millisecond)

	stop()

	assert.False(t, h.audit.has(proj, audit.Failed))
	assert.False(t, h.audit.has(proj, audit.Processed))
	_, inFlight := h.svc.Snapshot()
	assert.Empty(t, inFlight)
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(t, Config{}, WithStabilizer(instantStabilizer{}))
	h.start(t)

	require.Eventually(t, func() bool { return h.svc.running.Load() }, waitFor, 5*time.Millisecond)
	err := h.svc.Run(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}

func TestRun_ListingErrorStops(t *testing.T) {
	watch := t.TempDir()
	h := newHarness(t, Config{WatchPath: watch})
	require.NoError(t, os.RemoveAll(watch))

	err := h.svc.Run(context.Background())
	var fsErr *types.FilesystemError
	assert.ErrorAs(t, err, &fsErr)
}
