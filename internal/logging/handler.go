package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single log line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept for the exit summary.
	MaxBufferedLines = 100
)

// StderrHandler receives the stderr lines of a command whose stderr is not
// turned into records. It logs them and keeps the most recent ones for the
// exit summary.
type StderrHandler struct {
	command string
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	mu     sync.Mutex
}

// NewStderrHandler creates a new stderr handler for a command.
func NewStderrHandler(command string, logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		command: command,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// ParseLine implements parser.LineParser.
func (h *StderrHandler) ParseLine(line string) {
	h.HandleLine(line)
}

// HandleLine processes a single line of stderr output.
func (h *StderrHandler) HandleLine(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.mu.Unlock()

	level := classifyLine(line)

	// In non-verbose mode, only log warnings and errors
	if !h.verbose && level < slog.LevelWarn {
		return
	}

	h.logger.Log(context.Background(), level, "command_stderr",
		"command", h.command,
		"line", line,
	)
}

// classifyLine picks a log level from the words a line contains.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	for _, p := range []string{"fatal", "panic", "error", "failed", "denied"} {
		if strings.Contains(lower, p) {
			return slog.LevelWarn
		}
	}
	if strings.Contains(lower, "warn") {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if h.buffer[idx] != "" {
			lines = append(lines, h.buffer[idx])
		}
	}
	return lines
}

// ErrorPatterns are counted in buffered lines for the exit summary.
var ErrorPatterns = []string{
	"error",
	"fatal",
	"panic",
	"permission denied",
	"no such file",
	"timeout",
}

// CountErrors counts buffered lines containing each error pattern,
// case-insensitively.
func (h *StderrHandler) CountErrors() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	counts := make(map[string]int)
	for _, line := range h.buffer {
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		for _, pattern := range ErrorPatterns {
			if strings.Contains(lower, pattern) {
				counts[pattern]++
			}
		}
	}
	return counts
}
