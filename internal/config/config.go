// Package config provides configuration management for go-exec-source.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Run modes.
const (
	ModeScheduled = "scheduled"
	ModeStreaming = "streaming"
)

// Config holds all configuration options. Fields with an env tag can be
// set from the environment; flags override the environment.
type Config struct {
	// Command to run (positional, after --)
	Command []string `json:"command"`

	// Scheduling
	Mode          string        `json:"mode" env:"EXEC_SOURCE_MODE"`
	ExecInterval  time.Duration `json:"exec_interval" env:"EXEC_SOURCE_EXEC_INTERVAL"`
	RespawnOnExit bool          `json:"respawn_on_exit" env:"EXEC_SOURCE_RESPAWN_ON_EXIT"`
	StopTimeout   time.Duration `json:"stop_timeout" env:"EXEC_SOURCE_STOP_TIMEOUT"`

	// Respawn policy (streaming mode)
	MaxRestarts     int           `json:"max_restarts"` // 0 = unlimited
	RespawnInterval time.Duration `json:"respawn_interval" env:"EXEC_SOURCE_RESPAWN_INTERVAL"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Process environment
	WorkingDir string   `json:"working_dir" env:"EXEC_SOURCE_WORKING_DIR"`
	Env        []string `json:"env" env:"EXEC_SOURCE_ENV" envSeparator:","`
	ClearEnv   bool     `json:"clear_env" env:"EXEC_SOURCE_CLEAR_ENV"`

	// Output
	IncludeStderr bool    `json:"include_stderr" env:"EXEC_SOURCE_INCLUDE_STDERR"`
	MaxLineSize   int     `json:"max_line_size" env:"EXEC_SOURCE_MAX_LINE_SIZE"`
	Encoding      string  `json:"encoding" env:"EXEC_SOURCE_ENCODING"` // json, cbor
	OutputPath    string  `json:"output_path" env:"EXEC_SOURCE_OUTPUT"` // "-" = stdout
	Host          string  `json:"host" env:"EXEC_SOURCE_HOST"`
	BufferSize    int     `json:"buffer_size"`
	Lossy         bool    `json:"lossy"`
	DropThreshold float64 `json:"drop_threshold"`

	// Observability
	MetricsAddr     string `json:"metrics_addr" env:"EXEC_SOURCE_METRICS_ADDR"`
	MetricsDumpPath string `json:"metrics_dump_path"`
	Verbose         bool   `json:"verbose"`
	LogFormat       string `json:"log_format" env:"EXEC_SOURCE_LOG_FORMAT"` // json, text
	LogLevel        string `json:"log_level" env:"EXEC_SOURCE_LOG_LEVEL"`
	TUIEnabled      bool   `json:"tui_enabled"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:          ModeScheduled,
		ExecInterval:  60 * time.Second,
		RespawnOnExit: true,
		StopTimeout:   5 * time.Second,

		MaxRestarts:     0, // Unlimited
		RespawnInterval: 5 * time.Second,
		BackoffMax:      time.Minute,
		BackoffMultiply: 1.7,

		IncludeStderr: true,
		MaxLineSize:   1 << 20,
		Encoding:      "json",
		OutputPath:    "-",
		BufferSize:    1000,
		DropThreshold: 0.01,

		MetricsAddr: "0.0.0.0:17091",
		LogFormat:   "json",
		LogLevel:    "info",
	}
}

// LoadEnv overlays environment variables onto cfg. Unset variables leave
// the current values alone.
func LoadEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
