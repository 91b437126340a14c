package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/tarwatch/cmd/tarwatch/tui"
	"github.com/jamesainslie/tarwatch/pkg/daemon"
	"github.com/jamesainslie/tarwatch/pkg/daemon/broadcaster"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

var runTUI bool

var runCmd = &cobra.Command{
	Use:   "run [watch_path]",
	Short: "Watch a directory in the foreground",
	Long: `Watch a directory and archive each new top-level entry once it stops
changing. Runs until interrupted; entries being archived when the signal
arrives are finished first.

The control socket is served while running, so "tarwatch history" and
"tarwatch daemon status" work from another terminal.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show a live dashboard")
	rootCmd.AddCommand(runCmd)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, firstArg(args))
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logCfg := cfg.Logging.Logging()
	switch {
	case runTUI:
		logCfg.Dashboard = true
	case logCfg.ConsoleLevel == "" && !quiet:
		logCfg.ConsoleLevel = logCfg.Level
	}
	if err := logging.Init(logCfg); err != nil {
		return err
	}
	defer func() { _ = logging.Close() }()

	printVerbose("watching %s, archives to %s", cfg.WatchPath, cfg.DestDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !runTUI {
		return daemon.Serve(ctx, cfg, version)
	}
	return runDashboard(ctx, cfg)
}

// runDashboard serves the watch loop in the background while the dashboard
// owns the terminal. Quitting the dashboard stops the loop.
func runDashboard(ctx context.Context, cfg *config.Config) error {
	b := broadcaster.New()
	sub := b.Subscribe(cfg.WatchPath)

	logs := logging.Subscribe()
	defer logging.Unsubscribe(logs)

	var backlog []logging.Entry
	if buf := logging.RecentBuffer(); buf != nil {
		backlog = buf.Last(buf.Len())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- daemon.Serve(ctx, cfg, version, daemon.WithBroadcaster(b))
		b.Close()
	}()

	uiErr := tui.Run(ctx, tui.Options{
		WatchPath: cfg.WatchPath,
		DestDir:   cfg.DestDir,
		Workers:   cfg.Workers,
		Events:    sub.Events,
		Logs:      logs,
		Backlog:   backlog,
	})
	cancel()

	if err := <-serveErr; err != nil {
		return err
	}
	return uiErr
}
