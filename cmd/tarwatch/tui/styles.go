// Package tui is the live dashboard shown by "tarwatch run --tui". It renders
// pipeline events from the broadcaster and recent log records with Bubble Tea
// and Lip Gloss.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Color palette for the TUI.
var (
	primaryColor = lipgloss.Color("#7D56F4")
	accentColor  = lipgloss.Color("#00D9FF")

	successColor = lipgloss.Color("#28A745")
	warningColor = lipgloss.Color("#FFC107")
	dangerColor  = lipgloss.Color("#DC3545")

	mutedColor  = lipgloss.Color("#666666")
	borderColor = lipgloss.Color("#333333")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	mutedTextStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	errorTextStyle   = lipgloss.NewStyle().Foreground(dangerColor)
	successTextStyle = lipgloss.NewStyle().Foreground(successColor)
	warningTextStyle = lipgloss.NewStyle().Foreground(warningColor)

	dividerStyle = lipgloss.NewStyle().Foreground(borderColor)

	keyStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)
	keyDescStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

// Log level styles.
var (
	logDebugStyle = lipgloss.NewStyle().Foreground(mutedColor)
	logInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	logWarnStyle  = warningTextStyle
	logErrorStyle = errorTextStyle
)

// statusStyle colors a pipeline state.
func statusStyle(s types.Status) lipgloss.Style {
	switch s {
	case types.StatusVerified:
		return successTextStyle
	case types.StatusFailed:
		return errorTextStyle
	case types.StatusStabilizing:
		return warningTextStyle
	case types.StatusArchiving, types.StatusStable:
		return lipgloss.NewStyle().Foreground(accentColor)
	default:
		return mutedTextStyle
	}
}

// renderDivider creates a horizontal divider line.
func renderDivider(width int) string {
	return dividerStyle.Render(repeatChar('─', width))
}

// repeatChar repeats a character n times.
func repeatChar(char rune, n int) string {
	if n <= 0 {
		return ""
	}
	result := make([]rune, n)
	for i := range result {
		result[i] = char
	}
	return string(result)
}

// truncatePath truncates a path to fit within maxLen, preserving the end.
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	if maxLen <= 3 {
		return path[:maxLen]
	}
	return "..." + path[len(path)-(maxLen-3):]
}
