package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
)

var (
	cfgFile string
	verbose bool
	quiet   bool

	rootCmd = &cobra.Command{
		Use:   "tarwatch",
		Short: "Archive new directories as they finish arriving",
		Long: `tarwatch watches a directory for new top-level entries, waits until each
one stops changing, writes it into a tar archive and verifies the archive
against the source.

Examples:
  tarwatch run --watch /srv/incoming          # Watch in the foreground
  tarwatch run --tui                          # Watch with a live dashboard
  tarwatch daemon start --watch /srv/incoming # Watch in the background
  tarwatch history --failed                   # Show failed archives
  tarwatch config init /srv/incoming          # Write a config file`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/tarwatch/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "minimal output")
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads configuration with the command's flags applied on top.
// A positional watch path, if given, overrides --watch.
func loadConfig(cmd *cobra.Command, watchArg string) (*config.Config, error) {
	overrides := config.FlagOverrides(cmd.Flags())
	if watchArg != "" {
		overrides["watch_path"] = watchArg
	}
	if verbose {
		overrides["logging.level"] = "debug"
	}

	opts := []config.LoadOption{config.WithOverrides(overrides)}
	if cfgFile != "" {
		opts = append(opts, config.WithConfigFile(cfgFile))
	}
	return config.Load(opts...)
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
