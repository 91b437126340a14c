package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jamesainslie/tarwatch/pkg/client"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the tarwatchd daemon",
	Long: `Manage the tarwatchd daemon, which runs the watch loop in the background
and serves status and history over a Unix socket.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start [watch_path]",
	Short: "Start the tarwatchd daemon",
	Long:  `Start tarwatchd in the background with the current configuration and flags.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the tarwatchd daemon",
	Long: `Stop tarwatchd gracefully. Archives being written are finished before
the daemon exits.`,
	RunE: runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart [watch_path]",
	Short: "Restart the tarwatchd daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runDaemonStatus,
}

var (
	daemonBinary  string
	daemonTimeout time.Duration
)

func init() {
	daemonCmd.PersistentFlags().StringVar(&daemonBinary, "binary", "", "path to tarwatchd (default: next to tarwatch, then $PATH)")
	daemonCmd.PersistentFlags().DurationVar(&daemonTimeout, "timeout", 2*time.Minute, "how long stop waits for running archives")

	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// daemonPaths resolves the daemon's files and the arguments that hand this
// invocation's configuration on to tarwatchd.
func daemonPaths(cmd *cobra.Command, args []string) (client.DaemonPaths, *config.Config, error) {
	cfg, err := loadConfig(cmd, firstArg(args))
	if err != nil {
		return client.DaemonPaths{}, nil, err
	}

	var daemonArgs []string
	if cfgFile != "" {
		daemonArgs = append(daemonArgs, "--config", cfgFile)
	}
	daemonArgs = append(daemonArgs, config.FlagArgs(cmd.Flags())...)
	if firstArg(args) != "" {
		daemonArgs = append(daemonArgs, "--watch="+cfg.WatchPath)
	}

	return client.DaemonPaths{
		Binary: daemonBinary,
		Socket: cfg.Daemon.SocketPath,
		PID:    cfg.Daemon.PIDPath,
		Args:   daemonArgs,
	}, cfg, nil
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	paths, cfg, err := daemonPaths(cmd, args)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	if client.IsDaemonRunning(paths.PID) {
		printInfo("Daemon already running")
		return nil
	}

	printVerbose("starting daemon with args %v", paths.Args)
	if err := client.StartDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon started, watching %s", cfg.WatchPath)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	paths, _, err := daemonPaths(cmd, args)
	if err != nil {
		return err
	}

	if !client.IsDaemonRunning(paths.PID) {
		return errors.New("daemon is not running")
	}

	printVerbose("signalling daemon, waiting up to %s", daemonTimeout)
	if err := client.StopDaemon(paths, daemonTimeout); err != nil {
		return err
	}
	printInfo("Daemon stopped")
	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	paths, cfg, err := daemonPaths(cmd, args)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := client.RestartDaemon(paths, daemonTimeout); err != nil {
		return err
	}
	printInfo("Daemon restarted")
	return nil
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666")).Width(18)
	valueStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#28A745"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC3545"))
)

func printField(label, value string) {
	fmt.Println("  " + labelStyle.Render(label) + valueStyle.Render(value))
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	paths, _, err := daemonPaths(cmd, args)
	if err != nil {
		return err
	}

	if !client.IsDaemonRunning(paths.PID) {
		fmt.Println("Daemon status: " + badStyle.Render("not running"))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.ConnectWithContext(ctx, paths.Socket)
	if err != nil {
		fmt.Println("Daemon status: " + badStyle.Render("running (but not responding)"))
		return nil
	}
	defer c.Close()

	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get daemon status: %w", err)
	}

	fmt.Println("Daemon status: " + okStyle.Render("running"))
	printField("PID", fmt.Sprint(status.PID))
	printField("Version", status.Version)
	printField("Uptime", formatDuration(time.Duration(status.UptimeSeconds)*time.Second))
	printField("Memory", types.FormatSize(status.MemoryBytes))
	printField("Watching", status.WatchPath)
	printField("Archives to", status.DestDir)
	printField("Source", status.Source)
	printField("Workers", fmt.Sprint(status.Workers))
	printField("Stability window", status.StabilityWindow.String())
	printField("Known entries", fmt.Sprint(status.Known))
	printField("Verified", fmt.Sprint(status.Counts.Verified))
	printField("Failed", fmt.Sprint(status.Counts.Failed))

	if len(status.InFlight) > 0 {
		fmt.Println("  In progress:")
		for _, cand := range status.InFlight {
			fmt.Printf("    %-12s %s (%s)\n", cand.Status, cand.Path, formatDuration(time.Since(cand.DiscoveredAt)))
		}
	}
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
