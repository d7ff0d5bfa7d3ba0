// Package main provides the go-exec-source CLI entry point.
//
// go-exec-source runs a command on a schedule or as a long-lived stream and
// turns every line it prints into a structured record, with Prometheus
// metrics and structured logs describing each execution.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/randomizedcoder/go-exec-source/internal/config"
	"github.com/randomizedcoder/go-exec-source/internal/logging"
	"github.com/randomizedcoder/go-exec-source/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-exec-source
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("go-exec-source %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 2
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 2
	}

	if cfg.PrintCmd {
		printCommand(os.Stdout, cfg)
		return 0
	}

	// The dashboard owns the terminal, so logs are discarded while it runs
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, cfg.LogFormat, cfg.LogLevel, false)
	} else {
		logger = logging.NewLogger(cfg.LogFormat, cfg.LogLevel, cfg.Verbose)
	}
	logging.SetDefault(logger)

	logger.Info("starting",
		"version", version,
		"command", strings.Join(cfg.Command, " "),
		"mode", cfg.Mode,
		"output", cfg.OutputPath,
		"encoding", cfg.Encoding,
	)

	orch, err := orchestrator.New(cfg, logger, orchestrator.Options{Version: version})
	if err != nil {
		logger.Error("setup_failed", "error", err)
		return 1
	}
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("source_failed", "error", err)
		return 1
	}
	return 0
}

// printCommand prints the command line that would be run, one shell word
// per argument.
func printCommand(w io.Writer, cfg *config.Config) {
	words := make([]string, len(cfg.Command))
	for i, arg := range cfg.Command {
		words[i] = shellQuote(arg)
	}

	fmt.Fprintf(w, "# Command (%s mode):\n", cfg.Mode)
	if cfg.WorkingDir != "" {
		fmt.Fprintf(w, "cd %s && ", shellQuote(cfg.WorkingDir))
	}
	if cfg.ClearEnv {
		fmt.Fprint(w, "env -i ")
	}
	for _, kv := range cfg.Env {
		fmt.Fprintf(w, "%s ", shellQuote(kv))
	}
	fmt.Fprintln(w, strings.Join(words, " "))
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
