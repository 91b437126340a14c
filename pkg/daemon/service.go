// Package daemon runs the watch loop that discovers new entries under the
// watch root and drives each through stability, archive and verification,
// and serves its state over a control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jamesainslie/tarwatch/pkg/daemon/audit"
	"github.com/jamesainslie/tarwatch/pkg/daemon/broadcaster"
	"github.com/jamesainslie/tarwatch/pkg/daemon/store"
	"github.com/jamesainslie/tarwatch/pkg/daemon/watcher"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/archive"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/stability"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/verify"
)

// DefaultHistoryLimit is the number of results kept in the history store.
const DefaultHistoryLimit = 10000

// ErrAlreadyRunning is returned by Run when the loop is already active.
var ErrAlreadyRunning = errors.New("watch loop already running")

// Stabilizer waits until an entry stops changing.
type Stabilizer interface {
	WaitStable(ctx context.Context, root string, wait, delay time.Duration, onUnstable stability.AttemptFunc) (types.Snapshot, error)
}

// Archiver writes the archive for an entry and returns its path.
type Archiver interface {
	Create(ctx context.Context, root, destDir string) (string, error)
}

// Verifier compares an archive against its source.
type Verifier interface {
	Verify(ctx context.Context, archivePath, originalRoot string) (*types.ArchiveResult, error)
}

// Config configures the watch loop.
type Config struct {
	WatchPath       string
	DestDir         string
	BackupDir       string
	PollInterval    time.Duration
	StabilityWindow time.Duration

	// Extension switches to single-file mode: only regular files with this
	// extension (case-insensitive) are candidates.
	Extension string

	Workers int

	// Source is "poll" or "events".
	Source string

	Audit audit.Config

	// DBPath is the history database directory. Empty disables history.
	DBPath string
}

// Option overrides a collaborator of the Service.
type Option func(*Service)

func WithStabilizer(st Stabilizer) Option { return func(s *Service) { s.stabilizer = st } }
func WithArchiver(a Archiver) Option       { return func(s *Service) { s.archiver = a } }
func WithVerifier(v Verifier) Option       { return func(s *Service) { s.verifier = v } }

// WithSource replaces the change source. The Service closes it.
func WithSource(src watcher.Source) Option { return func(s *Service) { s.source = src } }

// WithRecorder replaces the audit recorder. The Service closes it.
func WithRecorder(r *audit.Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithStore replaces the history store. The caller keeps ownership.
func WithStore(st *store.Store) Option {
	return func(s *Service) {
		s.store = st
		s.ownsStore = false
	}
}

// WithBroadcaster publishes stage changes to b.
func WithBroadcaster(b *broadcaster.Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// Service is the watch loop. The control goroutine in Run owns the known
// and in-flight sets; workers only report back through completions.
type Service struct {
	cfg Config

	stabilizer  Stabilizer
	archiver    Archiver
	verifier    Verifier
	source      watcher.Source
	recorder    *audit.Recorder
	store       *store.Store
	ownsStore   bool
	broadcaster *broadcaster.Broadcaster

	running   atomic.Bool
	startTime time.Time

	// ready is closed once Run has recorded the entries already present.
	ready     chan struct{}
	readyOnce sync.Once

	// Read-only copies of loop state for Status.
	snapMu sync.RWMutex
	snap   loopSnapshot

	closeOnce sync.Once
}

type loopSnapshot struct {
	known    int
	inFlight []types.Candidate
}

// New validates cfg and opens the collaborators not supplied through opts.
func New(cfg Config, opts ...Option) (*Service, error) {
	info, err := os.Stat(cfg.WatchPath)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "watch_path", Err: err}
	}
	if !info.IsDir() {
		return nil, &types.ConfigurationError{Field: "watch_path", Err: fmt.Errorf("%s is not a directory", cfg.WatchPath)}
	}
	if cfg.DestDir == "" {
		cfg.DestDir = cfg.WatchPath
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		return nil, &types.ConfigurationError{Field: "poll_interval", Err: errors.New("must be positive")}
	}

	s := &Service{
		cfg:       cfg,
		ownsStore: true,
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.stabilizer == nil {
		s.stabilizer = stability.New()
	}
	if s.archiver == nil {
		s.archiver = archive.New(archive.WithStripSourceExt(cfg.Extension != ""))
	}
	if s.verifier == nil {
		s.verifier = verify.New()
	}

	if err := s.openOwned(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) openOwned() error {
	log := logging.Get("watchloop")

	if s.recorder == nil {
		r, err := audit.Open(s.cfg.Audit)
		if err != nil {
			return &types.ConfigurationError{Field: "audit.path", Err: err}
		}
		s.recorder = r
	}

	if s.store == nil && s.ownsStore && s.cfg.DBPath != "" {
		st, err := store.Open(s.cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		s.store = st
		if _, err := st.Migrate(context.Background(), nil); err != nil {
			return fmt.Errorf("migrating history store: %w", err)
		}
		if n, err := st.Prune(DefaultHistoryLimit); err != nil {
			log.Warn("pruning history failed", "error", err)
		} else if n > 0 {
			log.Info("pruned history", "removed", n)
		}
	}

	if s.source == nil {
		switch s.cfg.Source {
		case "events":
			src, err := watcher.NewEventSource(s.cfg.WatchPath)
			if err != nil {
				return fmt.Errorf("starting event source: %w", err)
			}
			s.source = src
		default:
			s.source = watcher.NewPollSource(s.cfg.WatchPath)
		}
	}
	return nil
}

// Close releases the source, the audit recorder and an owned store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		log := logging.Get("watchloop")
		if s.source != nil {
			if err := s.source.Close(); err != nil {
				log.Warn("closing source", "error", err)
			}
		}
		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				log.Warn("closing audit record", "error", err)
			}
		}
		if s.store != nil && s.ownsStore {
			if err := s.store.Close(); err != nil {
				log.Warn("closing history store", "error", err)
			}
		}
	})
}

// Store returns the history store, or nil when history is disabled.
func (s *Service) Store() *store.Store {
	return s.store
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// completion is sent by a worker when a candidate leaves the pipeline.
type completion struct {
	candidate types.Candidate
	result    *types.ArchiveResult

	// abandoned is set when shutdown interrupted a stability wait.
	abandoned bool
}

// stageUpdate is sent by a worker when its candidate changes state.
type stageUpdate struct {
	id     string
	path   string
	status types.Status
}

// loop holds the state owned by the control goroutine.
type loop struct {
	known    map[string]struct{}
	inFlight map[string]*types.Candidate
	pending  []*types.Candidate

	sem    chan struct{}
	done   chan completion
	stages chan stageUpdate
	wg     sync.WaitGroup
}

func (l *loop) applyStage(u stageUpdate) {
	if c, ok := l.inFlight[u.path]; ok && c.ID == u.id {
		c.Status = u.status
	}
}

// Run records the entries already present, then polls until ctx is
// cancelled. On cancellation no new work is started, stability waits are
// abandoned and running archive or verify stages finish before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	log := logging.Get("watchloop")
	l := &loop{
		known:    make(map[string]struct{}),
		inFlight: make(map[string]*types.Candidate),
		sem:      make(chan struct{}, s.cfg.Workers),
		done:     make(chan completion),
		stages:   make(chan stageUpdate, s.cfg.Workers),
	}

	if err := s.seed(ctx, l); err != nil {
		return err
	}
	s.readyOnce.Do(func() { close(s.ready) })
	log.Info("watching",
		"path", s.cfg.WatchPath,
		"dest", s.cfg.DestDir,
		"existing", len(l.known),
		"interval", s.cfg.PollInterval,
		"window", s.cfg.StabilityWindow,
		"workers", s.cfg.Workers)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	changes := s.source.Changes()

	for {
		select {
		case <-ctx.Done():
			s.drain(l)
			log.Info("watch loop stopped")
			return nil

		case <-ticker.C:
			s.poll(ctx, l)

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.poll(ctx, l)

		case u := <-l.stages:
			l.applyStage(u)
			s.publishSnapshot(l)

		case c := <-l.done:
			s.complete(l, c)
			s.dispatch(ctx, l)
		}
	}
}

// seed marks every candidate already present as known.
func (s *Service) seed(ctx context.Context, l *loop) error {
	children, err := s.source.Children(ctx)
	if err != nil {
		return err
	}
	for _, p := range children {
		if !s.eligible(p) {
			continue
		}
		l.known[p] = struct{}{}
		s.audit(p, audit.Existing)
	}
	s.publishSnapshot(l)
	return nil
}

// poll queues every eligible child that is neither known nor in flight.
func (s *Service) poll(ctx context.Context, l *loop) {
	log := logging.Get("watchloop")

	children, err := s.source.Children(ctx)
	if err != nil {
		log.Error("listing watch root failed", "path", s.cfg.WatchPath, "error", err)
		return
	}

	for _, p := range children {
		if _, ok := l.known[p]; ok {
			continue
		}
		if _, ok := l.inFlight[p]; ok {
			continue
		}
		if !s.eligible(p) {
			continue
		}

		c := &types.Candidate{
			ID:           newJobID(),
			Path:         p,
			DiscoveredAt: time.Now(),
			Status:       types.StatusDiscovered,
		}
		l.inFlight[p] = c
		l.pending = append(l.pending, c)
		log.Info("new entry detected", "path", p, "job", c.ID)
		s.audit(p, audit.Detected)
		s.publish(c, "")
	}

	s.dispatch(ctx, l)
}

// dispatch starts workers for pending candidates while slots are free.
func (s *Service) dispatch(ctx context.Context, l *loop) {
	for len(l.pending) > 0 && ctx.Err() == nil {
		select {
		case l.sem <- struct{}{}:
		default:
			s.publishSnapshot(l)
			return
		}

		c := l.pending[0]
		l.pending = l.pending[1:]
		cand := *c

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			stage := func(status types.Status) {
				l.stages <- stageUpdate{id: cand.ID, path: cand.Path, status: status}
			}
			res := s.safeProcess(ctx, cand, stage)
			<-l.sem
			l.done <- res
		}()
	}
	s.publishSnapshot(l)
}

// drain waits for running workers and records their outcomes. Pending
// candidates were never started and are dropped.
func (s *Service) drain(l *loop) {
	log := logging.Get("watchloop")
	for _, c := range l.pending {
		delete(l.inFlight, c.Path)
	}
	l.pending = nil

	if n := len(l.inFlight); n > 0 {
		log.Info("waiting for in-flight entries", "count", n)
	}

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()

	for {
		select {
		case u := <-l.stages:
			l.applyStage(u)
		case c := <-l.done:
			s.complete(l, c)
		case <-finished:
			s.publishSnapshot(l)
			return
		}
	}
}

// complete applies a worker's outcome to the loop state and records it.
func (s *Service) complete(l *loop, c completion) {
	log := logging.Get("watchloop")
	path := c.candidate.Path
	delete(l.inFlight, path)
	defer s.publishSnapshot(l)

	if c.abandoned {
		log.Info("stability wait abandoned", "path", path)
		return
	}

	r := c.result
	if r.Success {
		l.known[path] = struct{}{}
		s.audit(path, audit.Processed)
		log.Info("entry processed", "path", path, "archive", r.ArchivePath, "contents", r.Snapshot.String(), "elapsed", r.Elapsed.Round(time.Millisecond))

		if s.cfg.BackupDir != "" {
			if err := s.moveToBackup(path); err != nil {
				log.Error("moving source to backup failed", "path", path, "error", err)
			} else {
				s.audit(path, audit.Moved)
				// The name is free again; a new entry with it is new work.
				delete(l.known, path)
			}
		}
	} else {
		s.audit(path, audit.Failed)
		log.Warn("entry failed, will retry when rediscovered", "path", path, "error", r.Error, "missing", r.Missing)
	}

	c.candidate.Status = types.StatusFailed
	if r.Success {
		c.candidate.Status = types.StatusVerified
	}
	s.publishResult(&c.candidate, r)

	if s.store != nil {
		if err := s.store.PutResult(r); err != nil {
			log.Error("saving result to history failed", "path", path, "error", err)
		}
	}
}

func (s *Service) audit(path string, status audit.Status) {
	if err := s.recorder.Record(path, status); err != nil {
		logging.Get("watchloop").Error("audit write failed", "path", path, "status", status, "error", err)
	}
}

func (s *Service) publish(c *types.Candidate, detail string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(&broadcaster.Event{JobID: c.ID, Path: c.Path, Status: c.Status, Detail: detail})
}

func (s *Service) publishResult(c *types.Candidate, r *types.ArchiveResult) {
	if s.broadcaster == nil {
		return
	}
	detail := r.Error
	if detail == "" && len(r.Missing) > 0 {
		detail = fmt.Sprintf("%d entries missing from archive", len(r.Missing))
	}
	s.broadcaster.Publish(&broadcaster.Event{JobID: c.ID, Path: c.Path, Status: c.Status, Detail: detail, Result: r})
}

func (s *Service) publishSnapshot(l *loop) {
	inFlight := make([]types.Candidate, 0, len(l.inFlight))
	for _, c := range l.inFlight {
		inFlight = append(inFlight, *c)
	}

	s.snapMu.Lock()
	s.snap = loopSnapshot{known: len(l.known), inFlight: inFlight}
	s.snapMu.Unlock()
}

// Snapshot returns the number of known entries and the candidates currently
// in the pipeline.
func (s *Service) Snapshot() (known int, inFlight []types.Candidate) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.known, append([]types.Candidate(nil), s.snap.inFlight...)
}

// Ready is closed once Run has seeded the known set. Entries created after
// that are processed as new.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Uptime returns the time since New.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startTime)
}
