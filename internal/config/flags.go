package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// envList is a custom flag type for repeatable -env flags.
type envList []string

func (e *envList) String() string {
	return strings.Join(*e, ", ")
}

func (e *envList) Set(value string) error {
	*e = append(*e, value)
	return nil
}

// ParseFlags parses os.Args and the environment into a Config.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs builds a Config from defaults, then the environment, then the
// given arguments. Everything after the flags (conventionally after --)
// is the command to run. Usage goes to w.
func ParseArgs(args []string, w io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	if err := LoadEnv(cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("go-exec-source", flag.ContinueOnError)
	fs.SetOutput(w)
	env := envList(cfg.Env)

	fs.Usage = func() {
		fmt.Fprintf(w, `go-exec-source - run a command and turn its output into records

Usage:
  go-exec-source [flags] -- <command> [args...]

Scheduling:
`)
		printFlagCategory(fs, w, []string{"mode", "interval", "respawn", "stop-timeout"})

		fmt.Fprintf(w, "\nRespawn Policy (streaming):\n")
		printFlagCategory(fs, w, []string{"respawn-interval", "backoff-max", "backoff-multiply", "max-restarts"})

		fmt.Fprintf(w, "\nProcess:\n")
		printFlagCategory(fs, w, []string{"dir", "env", "clear-env"})

		fmt.Fprintf(w, "\nOutput:\n")
		printFlagCategory(fs, w, []string{"output", "encoding", "include-stderr", "max-line-size", "host", "buffer", "lossy"})

		fmt.Fprintf(w, "\nObservability:\n")
		printFlagCategory(fs, w, []string{"metrics", "metrics-dump", "v", "log-format", "log-level", "tui"})

		fmt.Fprintf(w, "\nDiagnostics:\n")
		printFlagCategory(fs, w, []string{"print-cmd", "skip-preflight"})

		fmt.Fprintf(w, `
Environment:
  EXEC_SOURCE_* variables set the same options; flags take precedence.

Examples:
  # Run every 10 seconds
  go-exec-source -interval 10s -- uptime

  # Tail a log and keep it running
  go-exec-source -mode streaming -- tail -F /var/log/syslog

`)
	}

	// Scheduling
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, `Run mode: "scheduled" or "streaming"`)
	fs.DurationVar(&cfg.ExecInterval, "interval", cfg.ExecInterval, "Scheduled mode period, also the per-run time limit")
	fs.BoolVar(&cfg.RespawnOnExit, "respawn", cfg.RespawnOnExit, "Streaming mode: restart the command when it exits")
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Grace period between SIGTERM and SIGKILL")

	// Respawn policy
	fs.DurationVar(&cfg.RespawnInterval, "respawn-interval", cfg.RespawnInterval, "Initial delay before a respawn")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum respawn delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Respawn delay growth per consecutive failure")
	fs.IntVar(&cfg.MaxRestarts, "max-restarts", cfg.MaxRestarts, "Stop after this many respawns (0 = unlimited)")

	// Process
	fs.StringVar(&cfg.WorkingDir, "dir", cfg.WorkingDir, "Working directory of the command")
	fs.Var(&env, "env", "Add KEY=VALUE to the command environment (can repeat)")
	fs.BoolVar(&cfg.ClearEnv, "clear-env", cfg.ClearEnv, "Do not inherit the parent environment")

	// Output
	fs.StringVar(&cfg.OutputPath, "output", cfg.OutputPath, `Record destination file ("-" = stdout)`)
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, `Record encoding: "json" or "cbor"`)
	fs.BoolVar(&cfg.IncludeStderr, "include-stderr", cfg.IncludeStderr, "Turn stderr lines into records too")
	fs.IntVar(&cfg.MaxLineSize, "max-line-size", cfg.MaxLineSize, "Truncate lines longer than this many bytes")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host field of records (default: hostname)")
	fs.IntVar(&cfg.BufferSize, "buffer", cfg.BufferSize, "Lines queued per stream")
	fs.BoolVar(&cfg.Lossy, "lossy", cfg.Lossy, "Drop lines when the queue is full instead of blocking the command")
	// Note: drop-threshold is intentionally not documented (hidden advanced flag)
	fs.Float64Var(&cfg.DropThreshold, "drop-threshold", cfg.DropThreshold, "")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, `Prometheus metrics address ("" = disabled)`)
	fs.StringVar(&cfg.MetricsDumpPath, "metrics-dump", cfg.MetricsDumpPath, "Write the final metrics in text format to this file")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn", "error"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Live terminal dashboard (needs -output to a file)")

	// Diagnostics
	fs.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the command and exit")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Env = env
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Command = append([]string(nil), rest...)
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
		return ""
	}
	if _, ok := f.Value.(*envList); ok {
		return "KEY=VALUE"
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
