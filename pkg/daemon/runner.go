package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jamesainslie/tarwatch/pkg/daemon/audit"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

// ConfigFrom maps loaded settings onto the watch loop configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		WatchPath:       c.WatchPath,
		DestDir:         c.DestDir,
		BackupDir:       c.BackupDir,
		PollInterval:    c.PollInterval,
		StabilityWindow: c.StabilityWindow,
		Extension:       c.Extension,
		Workers:         c.Workers,
		Source:          c.Source,
		Audit: audit.Config{
			Path:       c.Audit.Path,
			MaxSizeMB:  c.Audit.MaxSizeMB,
			MaxBackups: c.Audit.MaxBackups,
		},
		DBPath: c.Daemon.DBPath,
	}
}

// Serve runs the watch loop and its control socket until ctx is cancelled.
// It claims the PID file, reports startup through the status file next to
// it and removes both on return. cfg must already be validated.
func Serve(ctx context.Context, cfg *config.Config, version string, opts ...Option) (err error) {
	log := logging.Get("daemon")
	pidPath := cfg.Daemon.PIDPath
	statusPath := StatusPath(filepath.Dir(pidPath))

	defer func() {
		if err != nil && !errors.Is(err, ErrDaemonAlreadyRunning) {
			if werr := WriteStatusError(statusPath, err); werr != nil {
				log.Warn("writing status file", "error", werr)
			}
		}
	}()

	if err := RecoverFromStaleDaemon(pidPath, cfg.Daemon.SocketPath, cfg.Daemon.DBPath); err != nil {
		return err
	}

	svc, err := New(ConfigFrom(cfg), opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := WritePIDFile(pidPath); err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(pidPath); err != nil {
			log.Warn("removing pid file", "error", err)
		}
	}()

	srv, err := NewServer(ServerConfig{SocketPath: cfg.Daemon.SocketPath, Version: version}, svc)
	if err != nil {
		return fmt.Errorf("starting control socket: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn("closing control socket", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	// Readiness waits for seeding so that entries created afterwards are
	// treated as new rather than existing.
	select {
	case <-svc.Ready():
	case err := <-runErr:
		return err
	}

	if err := WriteStatusReady(statusPath, cfg.WatchPath); err != nil {
		log.Warn("writing status file", "error", err)
	}
	defer func() { _ = RemoveStatus(statusPath) }()

	log.Info("daemon started", "pid_file", pidPath, "socket", cfg.Daemon.SocketPath, "version", version)

	select {
	case err := <-runErr:
		return err
	case err := <-serveErr:
		if err == nil {
			err = errors.New("control socket closed")
		}
		log.Error("control socket stopped, shutting down", "error", err)
		cancel()
		<-runErr
		return err
	}
}
