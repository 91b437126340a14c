package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage tarwatch configuration settings.

Configuration is loaded from:
  1. $XDG_CONFIG_HOME/tarwatch/config.yaml (if set)
  2. ~/.config/tarwatch/config.yaml

Environment variables override config file settings using the TARWATCH_ prefix:
  TARWATCH_WATCH_PATH=/srv/incoming
  TARWATCH_WORKERS=8
  TARWATCH_AUDIT_PATH=/var/log/tarwatch/records.txt

Command-line flags override both.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration after files, environment and flags are merged.`,
	RunE:  runConfigShow,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file",
	Long: `Open the configuration file in your default editor.

The editor is determined by:
  1. $VISUAL environment variable
  2. $EDITOR environment variable
  3. Falls back to 'vi'

If the config file doesn't exist, a default one will be created first.`,
	RunE: runConfigEdit,
}

var configInitCmd = &cobra.Command{
	Use:   "init [watch_path]",
	Short: "Create default configuration file",
	Long:  `Create a default configuration file watching watch_path if one doesn't exist.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func defaultConfigPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, "")
	if err != nil {
		return err
	}

	if path, err := defaultConfigPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			fmt.Printf("Config file: %s\n\n", path)
		} else {
			fmt.Printf("Config file: (using defaults, no file found)\n\n")
		}
	}

	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	for _, line := range configLines(cfg) {
		fmt.Println(line)
	}

	fmt.Println("\nValidation:")
	fmt.Println("-----------")
	if err := config.Validate(cfg); err != nil {
		fmt.Println(badStyle.Render(err.Error()))
	} else {
		fmt.Println(okStyle.Render("ok"))
	}

	fmt.Println("\nEnvironment Overrides:")
	fmt.Println("----------------------")
	overrides := envOverrides(os.Environ())
	if len(overrides) == 0 {
		fmt.Println("(none)")
	}
	for _, kv := range overrides {
		fmt.Println(kv)
	}
	return nil
}

// configLines renders cfg one "key: value" per line.
func configLines(cfg *config.Config) []string {
	mode := "directories"
	if cfg.SingleFile() {
		mode = "files (" + cfg.Extension + ")"
	}
	backup := cfg.BackupDir
	if backup == "" {
		backup = "(none)"
	}
	return []string{
		fmt.Sprintf("watch_path:           %s", cfg.WatchPath),
		fmt.Sprintf("dest_dir:             %s", cfg.DestDir),
		fmt.Sprintf("backup_dir:           %s", backup),
		fmt.Sprintf("mode:                 %s", mode),
		fmt.Sprintf("poll_interval:        %s", cfg.PollInterval),
		fmt.Sprintf("stability_window:     %s", cfg.StabilityWindow),
		fmt.Sprintf("workers:              %d", cfg.Workers),
		fmt.Sprintf("source:               %s", cfg.Source),
		fmt.Sprintf("audit.path:           %s", cfg.Audit.Path),
		fmt.Sprintf("logging.level:        %s", cfg.Logging.Level),
		fmt.Sprintf("logging.path:         %s", cfg.Logging.Path),
		fmt.Sprintf("daemon.socket_path:   %s", cfg.Daemon.SocketPath),
		fmt.Sprintf("daemon.pid_path:      %s", cfg.Daemon.PIDPath),
		fmt.Sprintf("daemon.db_path:       %s", cfg.Daemon.DBPath),
	}
}

// envOverrides returns the TARWATCH_ variables from environ, sorted.
func envOverrides(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(name, "TARWATCH_") {
			continue
		}
		out = append(out, kv)
	}
	sort.Strings(out)
	return out
}

func runConfigEdit(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		path, err := config.WriteDefault("")
		if err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		configPath = path
	}

	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}

	printVerbose("Opening %s with %s", configPath, editor)

	editorCmd := exec.Command(editor, configPath)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor command failed: %w", err)
	}
	return nil
}

func runConfigInit(_ *cobra.Command, args []string) error {
	configPath, err := defaultConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(configPath); err == nil {
		printInfo("Config file already exists: %s", configPath)
		printInfo("Use 'tarwatch config edit' to modify it.")
		return nil
	}

	watch := firstArg(args)
	if watch != "" {
		abs, err := filepath.Abs(watch)
		if err != nil {
			return fmt.Errorf("failed to resolve path: %w", err)
		}
		watch = abs
	}

	path, err := config.WriteDefault(watch)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	printInfo("Created default config file: %s", path)
	return nil
}

func runConfigPath(_ *cobra.Command, _ []string) error {
	configPath, err := defaultConfigPath()
	if err != nil {
		return err
	}
	fmt.Println(configPath)

	if _, err := os.Stat(configPath); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}
