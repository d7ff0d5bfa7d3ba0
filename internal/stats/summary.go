package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	ruleHeavy = "═══════════════════════════════════════════════════════════════════════════════\n"
	ruleLight = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Command is the supervised command line
	Command string

	// Mode is "scheduled" or "streaming"
	Mode string

	// Encoding is the record encoding ("json" or "cbor")
	Encoding string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// LinesDropped and Degraded describe the last run's pipelines
	LinesDropped int64
	Degraded     bool

	// RecentStderr holds the last stderr lines when stderr was not
	// forwarded as records
	RecentStderr []string
}

// FormatExitSummary formats run statistics for display at program exit.
func FormatExitSummary(snap Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(ruleHeavy)
	b.WriteString("                          go-exec-source Exit Summary\n")
	b.WriteString(ruleHeavy + "\n")

	if cfg.Degraded {
		b.WriteString("⚠️  OUTPUT DEGRADED: Records were dropped because the sink could not keep up\n")
		fmt.Fprintf(&b, "    Lines dropped: %s\n", FormatNumber(cfg.LinesDropped))
		b.WriteString("    Consider: omit -lossy to apply backpressure instead\n\n")
	}

	fmt.Fprintf(&b, "Command:                %s\n", cfg.Command)
	if cfg.Mode != "" {
		fmt.Fprintf(&b, "Mode:                   %s\n", cfg.Mode)
	}
	fmt.Fprintf(&b, "Run Duration:           %s\n\n", FormatDuration(snap.Elapsed))

	section(&b, "Records")
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}
	fmt.Fprintf(&b, "  Events:               %s  (%s)\n", FormatNumber(snap.Events), FormatRate(snap.EventsRate))
	fmt.Fprintf(&b, "  Bytes (%s):         %s  (%s/s)\n\n",
		encoding,
		FormatBytes(snap.Bytes),
		FormatBytes(int64(snap.BytesRate)),
	)

	section(&b, "Lifecycle")
	fmt.Fprintf(&b, "  Total Starts:         %d\n", snap.Starts)
	fmt.Fprintf(&b, "  Total Restarts:       %d\n", snap.Restarts)
	fmt.Fprintf(&b, "  Completed:            %d\n", snap.Exits)
	if snap.Signaled > 0 {
		fmt.Fprintf(&b, "  Killed by signal:     %d\n", snap.Signaled)
	}
	b.WriteString("\n")

	if snap.Exits > 0 {
		section(&b, "Execution Duration")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatSpan(snap.DurationP50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatSpan(snap.DurationP95))
		fmt.Fprintf(&b, "  P99:                  %s\n\n", FormatSpan(snap.DurationP99))
	}

	if len(snap.Errors) > 0 {
		section(&b, "Errors")
		for _, kind := range snap.ErrorKinds() {
			fmt.Fprintf(&b, "  %-21s %d\n", errorKindLabel(kind)+":", snap.Errors[kind])
		}
		b.WriteString("\n")
	}

	if len(snap.ExitCodes) > 0 {
		section(&b, "Exit Codes")
		codes := make([]int, 0, len(snap.ExitCodes))
		for code := range snap.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), snap.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if len(cfg.RecentStderr) > 0 {
		section(&b, "Recent stderr")
		for _, line := range cfg.RecentStderr {
			fmt.Fprintf(&b, "  %s\n", line)
		}
		b.WriteString("\n")
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(ruleHeavy)
	return b.String()
}

func section(b *strings.Builder, title string) {
	pad := (len([]rune(ruleLight)) - 1 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(ruleLight)
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(ruleLight + "\n")
}

// errorKindLabel returns a human-readable label for a supervisor error kind.
func errorKindLabel(kind string) string {
	switch kind {
	case "failed":
		return "Spawn/IO failures"
	case "timeout":
		return "Timeouts"
	case "signal":
		return "Signal failures"
	default:
		return kind
	}
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 126:
		return "(not executable)"
	case 127:
		return "(not found)"
	default:
		return ""
	}
}

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatSpan formats short durations in milliseconds and long ones as
// HH:MM:SS.
func FormatSpan(d time.Duration) string {
	if d < 10*time.Second {
		return FormatMs(d)
	}
	return FormatDuration(d)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
