package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-exec-source/internal/stats"
	"github.com/randomizedcoder/go-exec-source/internal/supervisor"
	"github.com/randomizedcoder/go-exec-source/internal/timeseries"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries updated statistics.
type SnapshotMsg struct {
	Snapshot stats.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Sources
// =============================================================================

// StatsSource provides run statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// ProcessSource reports the live state of the supervised command.
type ProcessSource interface {
	State() supervisor.State
	Runs() int
	Restarts() int
	Uptime() time.Duration
	PipelineStats() (stdoutRead, stdoutDropped, stderrRead, stderrDropped int64)
	IsOutputDegraded() bool
}

// RateSource provides rolling throughput.
type RateSource interface {
	Rates() timeseries.Rates
}

// processView is the part of ProcessSource copied on each tick.
type processView struct {
	state     supervisor.State
	runs      int
	restarts  int
	uptime    time.Duration
	linesRead int64
	dropped   int64
	degraded  bool
}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	command     string
	mode        string
	metricsAddr string

	// Current state
	snap       *stats.Snapshot
	rates      *timeseries.Rates
	proc       processView
	startTime  time.Time
	lastUpdate time.Time

	// Display options
	width  int
	height int

	statsSource   StatsSource
	processSource ProcessSource
	rateSource    RateSource

	quitting bool
}

// Config holds TUI configuration.
type Config struct {
	Command       string
	Mode          string
	MetricsAddr   string
	StatsSource   StatsSource
	ProcessSource ProcessSource
	RateSource    RateSource
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		command:       cfg.Command,
		mode:          cfg.Mode,
		metricsAddr:   cfg.MetricsAddr,
		statsSource:   cfg.StatsSource,
		processSource: cfg.ProcessSource,
		rateSource:    cfg.RateSource,
		startTime:     time.Now(),
		lastUpdate:    time.Now(),
		width:         80,
		height:        24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m = m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m = m.refresh()
		return m, tickCmd()

	case SnapshotMsg:
		snap := msg.Snapshot
		m.snap = &snap
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// refresh pulls the latest values from the sources.
func (m Model) refresh() Model {
	if m.statsSource != nil {
		snap := m.statsSource.Snapshot()
		m.snap = &snap
	}
	if m.rateSource != nil {
		r := m.rateSource.Rates()
		m.rates = &r
	}
	if m.processSource != nil {
		outRead, outDropped, errRead, errDropped := m.processSource.PipelineStats()
		m.proc = processView{
			state:     m.processSource.State(),
			runs:      m.processSource.Runs(),
			restarts:  m.processSource.Restarts(),
			uptime:    m.processSource.Uptime(),
			linesRead: outRead + errRead,
			dropped:   outDropped + errDropped,
			degraded:  m.processSource.IsOutputDegraded(),
		}
	}
	m.lastUpdate = time.Now()
	return m
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	return m.renderDashboard()
}

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// State returns the last observed supervisor state.
func (m Model) State() supervisor.State {
	return m.proc.state
}

// DropRate returns the fraction of output lines dropped in the current run.
func (m Model) DropRate() float64 {
	if m.proc.linesRead == 0 {
		return 0
	}
	return float64(m.proc.dropped) / float64(m.proc.linesRead)
}

// SendSnapshot pushes a stats snapshot to the TUI.
func SendSnapshot(p *tea.Program, snap stats.Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: snap})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}
