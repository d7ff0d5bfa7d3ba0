// Package orchestrator wires the exec source together: it builds the
// supervisor, the record sink, metrics, the stats tracker and the optional
// dashboard from a Config, runs them and prints the exit summary.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-exec-source/internal/config"
	"github.com/randomizedcoder/go-exec-source/internal/logging"
	"github.com/randomizedcoder/go-exec-source/internal/metrics"
	"github.com/randomizedcoder/go-exec-source/internal/output"
	"github.com/randomizedcoder/go-exec-source/internal/preflight"
	"github.com/randomizedcoder/go-exec-source/internal/process"
	"github.com/randomizedcoder/go-exec-source/internal/stats"
	"github.com/randomizedcoder/go-exec-source/internal/supervisor"
	"github.com/randomizedcoder/go-exec-source/internal/telemetry"
	"github.com/randomizedcoder/go-exec-source/internal/timeseries"
	"github.com/randomizedcoder/go-exec-source/internal/tui"
)

const (
	shutdownTimeout     = 10 * time.Second
	pipelineGaugePeriod = time.Second
	recentStderrLines   = 10
)

// Options carries the process-level dependencies of an Orchestrator.
// Zero values select the real process streams.
type Options struct {
	Version string

	// Stdout receives records when the output path is "-".
	Stdout io.Writer

	// Report receives preflight results and the exit summary.
	Report io.Writer
}

// Orchestrator coordinates all components for one exec source.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger
	report io.Writer

	spec          *process.Spec
	registry      *prometheus.Registry
	collector     *metrics.Collector
	metricsServer *metrics.Server
	tracker       *stats.Tracker
	rates         *timeseries.RateTracker
	stderrHandler *logging.StderrHandler
	supervisor    *supervisor.Supervisor

	sink   *output.Sink
	closer io.Closer // output file, nil for stdout
}

// New builds every component from cfg. The output file, if any, is opened
// here.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Report == nil {
		opts.Report = os.Stderr
	}

	spec := process.NewSpec(cfg.Command)
	spec.Dir = cfg.WorkingDir
	spec.Env = cfg.Env
	spec.ClearEnv = cfg.ClearEnv

	enc, err := output.NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		config:  cfg,
		logger:  logger,
		report:  opts.Report,
		spec:    spec,
		tracker: stats.NewTracker(),
		rates:   timeseries.NewRateTracker(),
	}

	w := opts.Stdout
	if cfg.OutputPath != "" && cfg.OutputPath != "-" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output: %w", err)
		}
		w = f
		o.closer = f
	}
	o.sink = output.NewSink(w, enc)

	o.registry = prometheus.NewRegistry()
	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.collector = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: opts.Version,
		Command: spec.Name(),
		Mode:    cfg.Mode,
	}, o.registry)
	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.registry, logger)
	}

	host := cfg.Host
	if host == "" {
		host, _ = os.Hostname()
	}

	supCfg := supervisor.Config{
		Runner:        spec,
		Mode:          supervisor.Mode(cfg.Mode),
		ExecInterval:  cfg.ExecInterval,
		RespawnOnExit: cfg.RespawnOnExit,
		Backoff: supervisor.NewBackoff(time.Now().UnixNano(), supervisor.BackoffConfig{
			Initial:    cfg.RespawnInterval,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  supervisor.DefaultBackoffConfig().JitterPct,
		}),
		MaxRestarts:   cfg.MaxRestarts,
		IncludeStderr: cfg.IncludeStderr,
		MaxLineSize:   cfg.MaxLineSize,
		BufferSize:    cfg.BufferSize,
		DropThreshold: cfg.DropThreshold,
		Lossy:         cfg.Lossy,
		StopTimeout:   cfg.StopTimeout,
		Host:          host,
		Sink:          o.sink,
		Emitter:       telemetry.NewEmitterWithRegistry(logger, o.registry),
		Logger:        logger,
		Callbacks: supervisor.Callbacks{
			OnStateChange: o.onStateChange,
			OnStart:       o.onStart,
			OnExit:        o.onExit,
			OnRestart:     o.onRestart,
			OnEvents:      o.onEvents,
			OnError:       o.tracker.RecordError,
		},
	}
	if !cfg.IncludeStderr {
		o.stderrHandler = logging.NewStderrHandler(spec.Name(), logger, cfg.Verbose)
		supCfg.StderrParser = o.stderrHandler
	}
	o.supervisor = supervisor.New(supCfg)

	return o, nil
}

// Run executes the source. It blocks until the command finishes (streaming
// mode without respawn), a signal arrives, or the dashboard is closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.closeOutput()

	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.spec.Path, o.spec.Dir)
		preflight.PrintResults(o.report, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.logger.Info("source_starting",
		"command", o.spec.Name(),
		"mode", o.config.Mode,
		"interval", o.config.ExecInterval.String(),
		"encoding", o.sink.Encoding(),
		"metrics_addr", o.config.MetricsAddr,
	)

	var program *tea.Program
	tuiDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = tea.NewProgram(tui.New(tui.Config{
			Command:       o.spec.Name(),
			Mode:          o.config.Mode,
			MetricsAddr:   o.config.MetricsAddr,
			StatsSource:   o.tracker,
			ProcessSource: o.supervisor,
			RateSource:    o.rates,
		}), tea.WithAltScreen(), tea.WithContext(ctx))
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				o.logger.Warn("tui_error", "error", err)
			}
			// Closing the dashboard stops the source
			cancel()
		}()
	} else {
		close(tuiDone)
	}

	gaugesDone := make(chan struct{})
	go func() {
		defer close(gaugesDone)
		o.publishPipelineStats(ctx)
	}()

	runErr := o.supervisor.Run(ctx)
	if ctx.Err() != nil {
		o.logger.Info("source_stopping", "reason", context.Cause(ctx))
	}
	cancel()
	<-gaugesDone
	o.updatePipelineGauges()
	o.rates.Sample()
	o.collector.SetRates(o.rates.Rates())

	tui.SendQuit(program)
	<-tuiDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}

	if path := o.config.MetricsDumpPath; path != "" {
		if err := metrics.DumpToFile(path, o.registry); err != nil {
			o.logger.Warn("metrics_dump_failed", "path", path, "error", err)
		} else {
			o.logger.Info("metrics_dumped", "path", path)
		}
	}

	o.printExitSummary()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// publishPipelineStats samples throughput and refreshes the pipeline
// gauges until ctx is done.
func (o *Orchestrator) publishPipelineStats(ctx context.Context) {
	ticker := time.NewTicker(pipelineGaugePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.rates.Sample()
			o.collector.SetRates(o.rates.Rates())
			o.updatePipelineGauges()
		}
	}
}

func (o *Orchestrator) updatePipelineGauges() {
	outRead, outDropped, errRead, errDropped := o.supervisor.PipelineStats()
	o.collector.SetPipelineStats(outRead, outDropped, errRead, errDropped, o.supervisor.IsOutputDegraded())
}

func (o *Orchestrator) closeOutput() {
	if o.closer == nil {
		return
	}
	if err := o.closer.Close(); err != nil {
		o.logger.Warn("output_close_failed", "error", err)
	}
}

// Callback handlers

func (o *Orchestrator) onStateChange(oldState, newState supervisor.State) {
	o.logger.Debug("state_changed", "from", oldState.String(), "to", newState.String())
}

func (o *Orchestrator) onStart(pid int) {
	o.tracker.RecordStart(pid)
	o.collector.ProcessStarted(pid)
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}
}

func (o *Orchestrator) onExit(exitStatus *int, uptime time.Duration) {
	o.tracker.RecordExit(exitStatus, uptime)
	o.collector.ProcessExited(exitStatus, uptime)
	o.updatePipelineGauges()
}

func (o *Orchestrator) onEvents(count, bytes int) {
	o.tracker.RecordEvents(count, bytes)
	o.rates.Add(count, bytes)
}

func (o *Orchestrator) onRestart(attempt int, delay time.Duration) {
	o.tracker.RecordRestart()
	o.collector.ProcessRestarted()
	o.logger.Debug("restart_scheduled", "attempt", attempt, "delay", delay.String())
}

// printExitSummary writes a summary of the run to the report writer.
func (o *Orchestrator) printExitSummary() {
	_, outDropped, _, errDropped := o.supervisor.PipelineStats()

	cfg := stats.SummaryConfig{
		Command:      o.spec.Name(),
		Mode:         o.config.Mode,
		Encoding:     o.sink.Encoding(),
		MetricsAddr:  o.config.MetricsAddr,
		LinesDropped: outDropped + errDropped,
		Degraded:     o.supervisor.IsOutputDegraded(),
	}
	if o.stderrHandler != nil {
		cfg.RecentStderr = o.stderrHandler.RecentLines(recentStderrLines)
	}

	fmt.Fprint(o.report, stats.FormatExitSummary(o.tracker.Snapshot(), cfg))
}

// Tracker returns the stats tracker for external access.
func (o *Orchestrator) Tracker() *stats.Tracker {
	return o.tracker
}

// Registry returns the metrics registry for external access.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// Supervisor returns the supervisor for external access.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	return o.supervisor
}
