// Package main is tarwatchd, the background watcher started by
// "tarwatch daemon start". It serves status and history on a unix socket
// until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/tarwatch/pkg/daemon"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

// Build-time variables set by go build -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "tarwatchd",
	Short:         "tarwatch background daemon",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/tarwatch/config.yaml)")
	config.RegisterFlags(rootCmd.Flags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tarwatchd: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	opts := []config.LoadOption{config.WithOverrides(config.FlagOverrides(cmd.Flags()))}
	if cfgFile != "" {
		opts = append(opts, config.WithConfigFile(cfgFile))
	}

	cfg, err := config.Load(opts...)
	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		// The starting client polls this file; report the failure there.
		pidPath := config.DefaultPIDPath()
		if cfg != nil && cfg.Daemon.PIDPath != "" {
			pidPath = cfg.Daemon.PIDPath
		}
		_ = daemon.WriteStatusError(daemon.StatusPath(filepath.Dir(pidPath)), err)
		return err
	}

	if err := logging.Init(cfg.Logging.Logging()); err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = daemon.Serve(ctx, cfg, version)
	if errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
		return fmt.Errorf("%w (pid file %s)", err, cfg.Daemon.PIDPath)
	}
	return err
}
