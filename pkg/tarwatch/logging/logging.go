// Package logging provides component loggers shared by the tarwatch CLI,
// the dashboard and the daemon.
//
//	if err := logging.Init(logging.DefaultConfig()); err != nil {
//	    return err
//	}
//	defer logging.Close()
//
//	logging.Get("watchloop").Info("entry discovered", "path", p)
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
)

// Level is a logging severity.
type Level int

// Log levels from least to most severe.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) charm() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ErrInvalidLevel is returned for an unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses a level name. Matching is case-insensitive and "warning"
// is accepted for warn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("%w: %s", ErrInvalidLevel, s)
	}
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	_, err := ParseLevel(s)
	return err == nil
}

// Config configures the logging system.
type Config struct {
	// Level is the default level.
	Level string `mapstructure:"level"`

	// Path is the log file. Empty uses DefaultLogPath().
	Path string `mapstructure:"path"`

	Rotation RotationConfig `mapstructure:"rotation"`

	// Components overrides the level per component name.
	Components map[string]string `mapstructure:"components"`

	// ConsoleLevel mirrors entries at or above this level to stderr.
	// Empty disables console output.
	ConsoleLevel string `mapstructure:"console_level"`

	// Dashboard suppresses console output and keeps recent entries in a
	// ring buffer for the terminal dashboard.
	Dashboard bool `mapstructure:"-"`
}

// Entry is one log record delivered to subscribers.
type Entry struct {
	Time      time.Time
	Level     Level
	Component string
	Message   string
}

// Logger writes to the log file and optionally to stderr, and fans every
// record out to subscribers.
type Logger struct {
	file      *log.Logger
	console   *log.Logger
	component string
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log(LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log(LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log(LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log(LevelError, msg, args...) }

func (l *Logger) log(level Level, msg string, args ...interface{}) {
	emit(l.file, level, msg, args...)
	if l.console != nil {
		emit(l.console, level, msg, args...)
	}

	// Subscribers only see records that pass the file logger's level.
	if level.charm() < l.file.GetLevel() {
		return
	}
	global.publish(Entry{
		Time:      time.Now(),
		Level:     level,
		Component: l.component,
		Message:   msg,
	})
}

func emit(logger *log.Logger, level Level, msg string, args ...interface{}) {
	switch level {
	case LevelDebug:
		logger.Debug(msg, args...)
	case LevelInfo:
		logger.Info(msg, args...)
	case LevelWarn:
		logger.Warn(msg, args...)
	case LevelError:
		logger.Error(msg, args...)
	}
}

// With returns a logger that adds the given key/value pairs to every record.
func (l *Logger) With(args ...interface{}) *Logger {
	child := &Logger{
		file:      l.file.With(args...),
		component: l.component,
	}
	if l.console != nil {
		child.console = l.console.With(args...)
	}
	return child
}

type state struct {
	mu          sync.RWMutex
	initialized bool
	writer      io.WriteCloser
	level       Level
	components  map[string]Level
	loggers     map[string]*Logger
	subscribers map[chan Entry]struct{}

	consoleEnabled bool
	consoleLevel   Level
	dashboard      bool

	buffer *Buffer
}

var global = &state{
	loggers:     make(map[string]*Logger),
	components:  make(map[string]Level),
	subscribers: make(map[chan Entry]struct{}),
}

// Init configures the logging system. Loggers handed out before Init write
// to io.Discard; they are rebuilt against the new configuration.
func Init(cfg Config) error {
	global.mu.Lock()
	defer global.mu.Unlock()

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}

	components := make(map[string]Level, len(cfg.Components))
	for comp, lvl := range cfg.Components {
		parsed, err := ParseLevel(lvl)
		if err != nil {
			return fmt.Errorf("parsing level for component %s: %w", comp, err)
		}
		components[comp] = parsed
	}

	consoleEnabled := false
	var consoleLevel Level
	if cfg.ConsoleLevel != "" && !cfg.Dashboard {
		consoleLevel, err = ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return fmt.Errorf("parsing console level: %w", err)
		}
		consoleEnabled = true
	}

	path := cfg.Path
	if path == "" {
		path = DefaultLogPath()
	}
	writer, err := NewRotatingWriter(path, cfg.Rotation)
	if err != nil {
		return fmt.Errorf("creating log writer: %w", err)
	}

	if global.initialized && global.writer != nil {
		_ = global.writer.Close()
	}

	global.writer = writer
	global.level = level
	global.components = components
	global.consoleEnabled = consoleEnabled
	global.consoleLevel = consoleLevel
	global.dashboard = cfg.Dashboard
	global.buffer = nil
	if cfg.Dashboard {
		global.buffer = NewBuffer(DefaultBufferSize)
	}
	global.initialized = true

	for component := range global.loggers {
		global.loggers[component] = newLogger(component)
	}
	return nil
}

// Get returns the logger for component, creating it on first use.
func Get(component string) *Logger {
	global.mu.RLock()
	logger, ok := global.loggers[component]
	global.mu.RUnlock()
	if ok {
		return logger
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	if logger, ok := global.loggers[component]; ok {
		return logger
	}
	logger = newLogger(component)
	global.loggers[component] = logger
	return logger
}

// newLogger must be called with global.mu held.
func newLogger(component string) *Logger {
	level := global.level
	if override, ok := global.components[component]; ok {
		level = override
	}

	if !global.initialized {
		return &Logger{
			file: log.NewWithOptions(io.Discard, log.Options{
				Level:  level.charm(),
				Prefix: component,
			}),
			component: component,
		}
	}

	logger := &Logger{
		file: log.NewWithOptions(global.writer, log.Options{
			Level:           level.charm(),
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
			Prefix:          component,
		}),
		component: component,
	}

	if global.consoleEnabled && !global.dashboard {
		logger.console = log.NewWithOptions(os.Stderr, log.Options{
			Level:           global.consoleLevel.charm(),
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
			Prefix:          component,
		})
	}
	return logger
}

// Close closes subscriber channels and the log file.
func Close() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if !global.initialized {
		return nil
	}

	for ch := range global.subscribers {
		close(ch)
		delete(global.subscribers, ch)
	}

	var err error
	if global.writer != nil {
		if cerr := global.writer.Close(); cerr != nil {
			err = fmt.Errorf("closing log writer: %w", cerr)
		}
		global.writer = nil
	}

	global.initialized = false
	global.buffer = nil
	global.loggers = make(map[string]*Logger)
	global.components = make(map[string]Level)
	return err
}

// Subscribe returns a buffered channel receiving every record logged from
// now on. Records are dropped for a subscriber that falls behind.
func Subscribe() <-chan Entry {
	global.mu.Lock()
	defer global.mu.Unlock()

	ch := make(chan Entry, 100)
	global.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to ch. The channel is not closed.
func Unsubscribe(ch <-chan Entry) {
	global.mu.Lock()
	defer global.mu.Unlock()

	for sub := range global.subscribers {
		if sub == ch {
			delete(global.subscribers, sub)
			return
		}
	}
}

func (s *state) publish(entry Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.buffer != nil {
		s.buffer.Add(entry)
	}
	for ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
}

// RecentBuffer returns the dashboard ring buffer, or nil outside dashboard mode.
func RecentBuffer() *Buffer {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.buffer
}

// DefaultLogPath is $XDG_STATE_HOME/tarwatch/tarwatch.log.
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, "tarwatch", "tarwatch.log")
}

// DefaultConfig returns info-level logging to DefaultLogPath.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Path:     DefaultLogPath(),
		Rotation: DefaultRotationConfig(),
	}
}
