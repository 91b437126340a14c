package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig configures size-based rotation of a log file.
type RotationConfig struct {
	// MaxSizeMB is the size in megabytes at which the file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb" validate:"gte=0"`

	// MaxAgeDays removes rotated files older than this. Zero keeps them.
	MaxAgeDays int `mapstructure:"max_age_days" validate:"gte=0"`

	// MaxBackups caps the number of rotated files kept. Zero keeps all.
	MaxBackups int `mapstructure:"max_backups" validate:"gte=0"`

	// Compress gzips rotated files.
	Compress bool `mapstructure:"compress"`
}

// DefaultRotationConfig rotates at 10 MB and keeps five files for 30 days.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{
		MaxSizeMB:  10,
		MaxAgeDays: 30,
		MaxBackups: 5,
	}
}

// NewRotatingWriter opens path for appending through lumberjack, creating
// parent directories as needed. The file is opened eagerly so a bad path
// fails here rather than on the first write.
func NewRotatingWriter(path string, cfg RotationConfig) (*lumberjack.Logger, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultRotationConfig().MaxSizeMB
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	_ = f.Close()

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}
