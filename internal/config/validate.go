package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or every problem found combined into one error;
// multierr.Errors splits it again.
func Validate(cfg *Config) error {
	var errs error
	add := func(field, format string, args ...any) {
		errs = multierr.Append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		add("command", "a command to run is required (go-exec-source [flags] -- <command> [args...])")
	}

	switch cfg.Mode {
	case ModeScheduled:
		if cfg.ExecInterval <= 0 {
			add("exec_interval", "must be positive in scheduled mode")
		}
	case ModeStreaming:
		if cfg.RespawnOnExit {
			if cfg.RespawnInterval <= 0 {
				add("respawn_interval", "must be positive")
			}
			if cfg.BackoffMax < cfg.RespawnInterval {
				add("backoff_max", "must be >= respawn_interval")
			}
			if cfg.BackoffMultiply < 1.0 {
				add("backoff_multiply", "must be >= 1.0")
			}
		}
	default:
		add("mode", "must be %q or %q (got %q)", ModeScheduled, ModeStreaming, cfg.Mode)
	}

	if cfg.MaxRestarts < 0 {
		add("max_restarts", "must not be negative")
	}
	if cfg.StopTimeout <= 0 {
		add("stop_timeout", "must be positive")
	}

	for _, kv := range cfg.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			add("env", "entries must be KEY=VALUE (got %q)", kv)
		}
	}

	if cfg.MaxLineSize < 1 {
		add("max_line_size", "must be at least 1")
	}
	if cfg.BufferSize < 1 {
		add("buffer_size", "must be at least 1")
	}
	if cfg.DropThreshold < 0 || cfg.DropThreshold > 1 {
		add("drop_threshold", "must be between 0 and 1")
	}
	if cfg.Encoding != "json" && cfg.Encoding != "cbor" {
		add("encoding", "must be 'json' or 'cbor' (got %q)", cfg.Encoding)
	}
	if cfg.OutputPath == "" {
		add("output", "must not be empty (use - for stdout)")
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log_level", "must be debug, info, warn or error (got %q)", cfg.LogLevel)
	}

	if cfg.TUIEnabled && cfg.OutputPath == "-" {
		add("tui", "requires -output to be a file")
	}

	return errs
}
