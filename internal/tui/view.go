package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-exec-source/internal/stats"
)

func (m Model) renderDashboard() string {
	sections := []string{
		m.renderHeader(),
		m.renderProcess(),
	}

	if m.snap != nil {
		sections = append(sections, m.renderRecords(), m.renderDurations())
		if m.snap.TotalErrors() > 0 {
			sections = append(sections, m.renderErrors())
		}
	}

	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	header := fmt.Sprintf(
		" go-exec-source │ %s │ %s │ Elapsed: %s ",
		GetOutputLabel(GetOutputStatus(m.DropRate(), m.proc.degraded)),
		m.mode,
		stats.FormatDuration(m.Elapsed()),
	)
	return headerStyle.Width(m.width).Render(header)
}

func (m Model) box(title string, rows ...string) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render(title)}, rows...)...)
	return boxStyle.Width(max(m.width-2, 20)).Render(content)
}

func (m Model) renderProcess() string {
	state := GetStateStyle(m.proc.state).Render(m.proc.state.String())

	rows := []string{
		lipgloss.JoinHorizontal(lipgloss.Left, labelStyle.Render("State:"), state),
		RenderKeyValue("Command", truncate(m.command, m.width-26)),
		RenderKeyValue("Runs", fmt.Sprintf("%d", m.proc.runs)),
		RenderKeyValue("Restarts", fmt.Sprintf("%d", m.proc.restarts)),
	}
	if m.proc.uptime > 0 {
		rows = append(rows, RenderKeyValue("Uptime", stats.FormatSpan(m.proc.uptime)))
	}
	if m.snap != nil && m.snap.LastExit != nil {
		rows = append(rows, RenderKeyValue("Last exit", fmt.Sprintf("%d", *m.snap.LastExit)))
	}
	return m.box("Process", rows...)
}

func (m Model) renderRecords() string {
	s := m.snap
	rows := []string{
		RenderKeyValue("Events", fmt.Sprintf("%s (%s)", stats.FormatNumber(s.Events), stats.FormatRate(s.EventsRate))),
		RenderKeyValue("Bytes", fmt.Sprintf("%s (%s/s)", stats.FormatBytes(s.Bytes), stats.FormatBytes(int64(s.BytesRate)))),
	}
	if m.rates != nil {
		for _, w := range m.rates.Windows {
			rows = append(rows, RenderKeyValue("Rate "+w.Label(),
				fmt.Sprintf("%s  %s/s", stats.FormatRate(w.EventsPerSec), stats.FormatBytes(int64(w.BytesPerSec)))))
		}
	}
	if m.proc.dropped > 0 {
		rows = append(rows, RenderKeyValue("Lines dropped",
			fmt.Sprintf("%s of %s", stats.FormatNumber(m.proc.dropped), stats.FormatNumber(m.proc.linesRead))))
	}
	return m.box("Records", rows...)
}

func (m Model) renderDurations() string {
	s := m.snap
	if s.Exits == 0 {
		return m.box("Execution Duration", dimStyle.Render("no completed runs"))
	}
	return m.box("Execution Duration",
		RenderKeyValue("P50", stats.FormatSpan(s.DurationP50)),
		RenderKeyValue("P95", stats.FormatSpan(s.DurationP95)),
		RenderKeyValue("P99", stats.FormatSpan(s.DurationP99)),
	)
}

func (m Model) renderErrors() string {
	s := m.snap
	rows := make([]string, 0, len(s.Errors)+1)
	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Total:"),
		GetErrorCountStyle(s.TotalErrors()).Render(stats.FormatNumber(s.TotalErrors())),
	))
	for _, kind := range s.ErrorKinds() {
		rows = append(rows, RenderKeyValue("  "+kind, stats.FormatNumber(s.Errors[kind])))
	}
	return m.box("Errors", rows...)
}

func (m Model) renderFooter() string {
	left := dimStyle.Render(strings.Join([]string{"q: quit", "r: refresh"}, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: " + m.metricsAddr)
	}

	padding := max(m.width-lipgloss.Width(left)-lipgloss.Width(right)-2, 1)
	return footerStyle.Render(lipgloss.JoinHorizontal(lipgloss.Left,
		left,
		strings.Repeat(" ", padding),
		right,
	))
}

func truncate(s string, n int) string {
	if n < 10 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
