package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
)

// logLevelStyle returns the style for a log level.
func logLevelStyle(level logging.Level) lipgloss.Style {
	switch level {
	case logging.LevelDebug:
		return logDebugStyle
	case logging.LevelWarn:
		return logWarnStyle
	case logging.LevelError:
		return logErrorStyle
	default:
		return logInfoStyle
	}
}

// logLevelChar returns a single character for the log level.
func logLevelChar(level logging.Level) string {
	switch level {
	case logging.LevelDebug:
		return "D"
	case logging.LevelInfo:
		return "I"
	case logging.LevelWarn:
		return "W"
	case logging.LevelError:
		return "E"
	default:
		return "?"
	}
}

// renderLogEntry renders one record on a single line.
func renderLogEntry(e logging.Entry, width int) string {
	line := fmt.Sprintf("%s %s %-10s %s",
		e.Time.Format("15:04:05"), logLevelChar(e.Level), e.Component, e.Message)
	if width > 0 && len(line) > width {
		line = line[:width]
	}
	return logLevelStyle(e.Level).Render(line)
}

// renderLogPane renders the newest entries that fit in height rows.
func renderLogPane(entries []logging.Entry, width, height int) string {
	if height < 2 {
		return ""
	}

	var b strings.Builder
	b.WriteString(sectionStyle.Render("Logs"))
	b.WriteString("\n")

	rows := height - 1
	start := 0
	if len(entries) > rows {
		start = len(entries) - rows
	}
	for _, e := range entries[start:] {
		b.WriteString(renderLogEntry(e, width))
		b.WriteString("\n")
	}
	return b.String()
}
