package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

// AuditConfig configures the append-only audit record.
type AuditConfig struct {
	Path       string `mapstructure:"path" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level        string                 `mapstructure:"level" validate:"loglevel"`
	Path         string                 `mapstructure:"path"`
	ConsoleLevel string                 `mapstructure:"console_level" validate:"omitempty,loglevel"`
	Rotation     logging.RotationConfig `mapstructure:"rotation"`
	Components   map[string]string      `mapstructure:"components" validate:"dive,loglevel"`
}

// Logging converts c into the logging package's configuration.
func (c LoggingConfig) Logging() logging.Config {
	return logging.Config{
		Level:        c.Level,
		Path:         c.Path,
		ConsoleLevel: c.ConsoleLevel,
		Rotation:     c.Rotation,
		Components:   c.Components,
	}
}

// DaemonConfig configures the background daemon's files.
type DaemonConfig struct {
	SocketPath string `mapstructure:"socket_path"`
	PIDPath    string `mapstructure:"pid_path"`
	DBPath     string `mapstructure:"db_path"`
}

// Config is the full tarwatch configuration.
type Config struct {
	WatchPath       string        `mapstructure:"watch_path" validate:"required,dirpath"`
	DestDir         string        `mapstructure:"dest_dir" validate:"omitempty,dirpath"`
	BackupDir       string        `mapstructure:"backup_dir" validate:"omitempty,dirpath"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	StabilityWindow time.Duration `mapstructure:"stability_window" validate:"gt=0"`
	Extension       string        `mapstructure:"extension" validate:"omitempty,startswith=."`
	Workers         int           `mapstructure:"workers" validate:"min=1,max=64"`
	Source          string        `mapstructure:"source" validate:"oneof=poll events"`
	Audit           AuditConfig   `mapstructure:"audit"`
	Logging         LoggingConfig `mapstructure:"logging"`
	Daemon          DaemonConfig  `mapstructure:"daemon"`
}

// SingleFile reports whether the watch root is scanned for files rather
// than directories.
func (c *Config) SingleFile() bool {
	return c.Extension != ""
}

// LoadOption adjusts how Load reads configuration.
type LoadOption func(*loadOptions)

type loadOptions struct {
	file      string
	overrides map[string]any
}

// WithConfigFile reads path instead of searching the config directories.
func WithConfigFile(path string) LoadOption {
	return func(o *loadOptions) {
		o.file = path
	}
}

// WithOverrides applies values with the highest precedence, typically
// command-line flags the user set explicitly. Keys use the file's dotted form.
func WithOverrides(values map[string]any) LoadOption {
	return func(o *loadOptions) {
		o.overrides = values
	}
}

// Load reads configuration from file, environment and overrides.
// Config file locations (in order of precedence):
//   - $XDG_CONFIG_HOME/tarwatch/config.yaml
//   - $HOME/.config/tarwatch/config.yaml
//
// Environment variables are prefixed with TARWATCH_ (e.g. TARWATCH_WATCH_PATH,
// TARWATCH_AUDIT_PATH). Paths are expanded and made absolute and empty paths
// receive their defaults; validation is left to Validate.
func Load(opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName("config")
		if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
			v.AddConfigPath(filepath.Join(xdgConfigHome, "tarwatch"))
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.AddConfigPath(filepath.Join(homeDir, ".config", "tarwatch"))
	}

	v.SetEnvPrefix("TARWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for key, value := range o.overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watch_path", "")
	v.SetDefault("dest_dir", "")
	v.SetDefault("backup_dir", "")
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("stability_window", DefaultStabilityWindow)
	v.SetDefault("extension", "")
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("source", DefaultSource)

	v.SetDefault("audit.path", "")
	v.SetDefault("audit.max_size_mb", DefaultAuditMaxSizeMB)
	v.SetDefault("audit.max_backups", DefaultAuditMaxBackups)

	rotation := logging.DefaultRotationConfig()
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "")
	v.SetDefault("logging.console_level", "")
	v.SetDefault("logging.rotation.max_size_mb", rotation.MaxSizeMB)
	v.SetDefault("logging.rotation.max_age_days", rotation.MaxAgeDays)
	v.SetDefault("logging.rotation.max_backups", rotation.MaxBackups)
	v.SetDefault("logging.rotation.compress", false)
	v.SetDefault("logging.components", map[string]string{
		"watchloop": "info",
		"stability": "info",
		"watcher":   "warn",
	})

	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.pid_path", "")
	v.SetDefault("daemon.db_path", "")
}

// resolvePaths expands ~, makes configured paths absolute and fills in the
// XDG defaults for the ones left empty. An empty dest_dir archives next to
// the watched entries.
func (c *Config) resolvePaths() error {
	fields := []*string{
		&c.WatchPath, &c.DestDir, &c.BackupDir,
		&c.Audit.Path, &c.Logging.Path,
		&c.Daemon.SocketPath, &c.Daemon.PIDPath, &c.Daemon.DBPath,
	}
	for _, p := range fields {
		if *p == "" {
			continue
		}
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}

	if c.DestDir == "" {
		c.DestDir = c.WatchPath
	}
	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath()
	}
	if c.Logging.Path == "" {
		c.Logging.Path = logging.DefaultLogPath()
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = DefaultSocketPath()
	}
	if c.Daemon.PIDPath == "" {
		c.Daemon.PIDPath = DefaultPIDPath()
	}
	if c.Daemon.DBPath == "" {
		c.Daemon.DBPath = DefaultDBPath()
	}
	return nil
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "tarwatch"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "tarwatch"), nil
}

// WriteDefault writes a commented config.yaml for watchPath into the config
// directory and returns its path. An existing file is left untouched.
func WriteDefault(watchPath string) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	content := fmt.Sprintf(`# tarwatch configuration

# Directory whose new top-level entries are archived
watch_path: %q

# Where archives are written (empty: inside watch_path)
dest_dir: ""

# Move each verified source here (empty: leave in place)
backup_dir: ""

# Scan interval, also used as the delay between stability attempts
poll_interval: %s

# Wait between the two size snapshots of a stability check
stability_window: %s

# Archive single files with this extension instead of directories, e.g. ".dpx"
extension: ""

# Entries processed concurrently
workers: %d

# poll, or events to rescan early on filesystem notifications
source: %s

audit:
  # Empty means $XDG_STATE_HOME/tarwatch/records.txt
  path: ""
  max_size_mb: %d
  max_backups: %d

logging:
  # debug, info, warn, error
  level: info
  path: ""
  rotation:
    max_size_mb: 10
    max_age_days: 30
    max_backups: 5
  components:
    watchloop: info
    stability: info
    watcher: warn

daemon:
  # Empty paths live in $XDG_DATA_HOME/tarwatch
  socket_path: ""
  pid_path: ""
  db_path: ""
`, watchPath, DefaultPollInterval, DefaultStabilityWindow, DefaultWorkers, DefaultSource,
		DefaultAuditMaxSizeMB, DefaultAuditMaxBackups)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}
	return path, nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/tarwatch/ for the database, socket and pid files.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "tarwatch")
}

// StateDir returns $XDG_STATE_HOME/tarwatch/ for logs and the audit record.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "tarwatch")
}

func DefaultSocketPath() string { return filepath.Join(DataDir(), "tarwatch.sock") }
func DefaultPIDPath() string    { return filepath.Join(DataDir(), "tarwatch.pid") }
func DefaultDBPath() string     { return filepath.Join(DataDir(), "history.db") }
func DefaultAuditPath() string  { return filepath.Join(StateDir(), "records.txt") }

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	if err := os.MkdirAll(DataDir(), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	return nil
}
