// Package tui provides a live terminal dashboard for a supervised command.
//
// The TUI uses Bubble Tea for the application framework and Lipgloss for styling.
// It displays the supervisor state, run counts, record throughput, the
// error breakdown and execution duration percentiles.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-exec-source/internal/supervisor"
)

// =============================================================================
// Color Palette
// =============================================================================

var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan

	colorSuccess = lipgloss.Color("#10B981") // Green
	colorWarning = lipgloss.Color("#F59E0B") // Amber
	colorError   = lipgloss.Color("#EF4444") // Red
	colorInfo    = lipgloss.Color("#3B82F6") // Blue

	colorText      = lipgloss.Color("#E5E7EB") // Light gray
	colorTextMuted = lipgloss.Color("#9CA3AF") // Medium gray
	colorTextDim   = lipgloss.Color("#6B7280") // Dark gray
	colorBorder    = lipgloss.Color("#374151") // Border gray
)

// =============================================================================
// Styles
// =============================================================================

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	statusOK = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	statusWarning = lipgloss.NewStyle().
			Foreground(colorWarning).
			Bold(true)

	statusError = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	statusInfo = lipgloss.NewStyle().
			Foreground(colorInfo).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Background(colorPrimary).
			Bold(true).
			Padding(0, 1).
			MarginBottom(1)

	sectionHeaderStyle = lipgloss.NewStyle().
				Foreground(colorSecondary).
				Bold(true).
				BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(colorBorder)

	footerStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			MarginTop(1)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorText).
			Bold(true)

	valueGoodStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	valueBadStyle = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorTextMuted).
			Width(20)
)

// =============================================================================
// Status Indicators
// =============================================================================

// OutputStatus represents the health of the output pipelines.
type OutputStatus int

const (
	OutputStatusOK OutputStatus = iota
	OutputStatusDropping
	OutputStatusDegraded
)

// GetOutputStatus returns the status from the drop rate and the
// supervisor's degradation flag.
func GetOutputStatus(dropRate float64, degraded bool) OutputStatus {
	switch {
	case degraded:
		return OutputStatusDegraded
	case dropRate > 0:
		return OutputStatusDropping
	default:
		return OutputStatusOK
	}
}

// GetOutputLabel returns a styled header label for the output status.
func GetOutputLabel(status OutputStatus) string {
	switch status {
	case OutputStatusDegraded:
		return statusError.Render("● Output (degraded)")
	case OutputStatusDropping:
		return statusWarning.Render("● Output (dropping)")
	default:
		return statusOK.Render("● Output")
	}
}

// GetStateStyle returns the style for a supervisor state.
func GetStateStyle(state supervisor.State) lipgloss.Style {
	switch state {
	case supervisor.StateRunning:
		return statusOK
	case supervisor.StateStarting, supervisor.StateWaiting:
		return statusInfo
	case supervisor.StateStopped:
		return statusWarning
	default:
		return dimStyle
	}
}

// GetErrorCountStyle returns a style based on the error count.
func GetErrorCountStyle(n int64) lipgloss.Style {
	if n == 0 {
		return valueGoodStyle
	}
	return valueBadStyle
}

// RenderKeyValue renders a label-value pair.
func RenderKeyValue(label string, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(label+":"),
		valueStyle.Render(value),
	)
}
