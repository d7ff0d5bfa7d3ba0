package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-exec-source/internal/output"
	"github.com/randomizedcoder/go-exec-source/internal/parser"
	"github.com/randomizedcoder/go-exec-source/internal/process"
	"github.com/randomizedcoder/go-exec-source/internal/telemetry"
)

// Mode selects how the command is run.
type Mode string

const (
	// ModeScheduled runs the command once per exec interval.
	ModeScheduled Mode = "scheduled"

	// ModeStreaming runs the command continuously, optionally respawning
	// it when it exits.
	ModeStreaming Mode = "streaming"
)

// ErrMaxRestarts is returned by Run when a streaming command has been
// respawned MaxRestarts times and exits again.
var ErrMaxRestarts = errors.New("max restarts reached")

// Error kinds passed to Callbacks.OnError.
const (
	ErrorKindFailed  = "failed"
	ErrorKindTimeout = "timeout"
	ErrorKindSignal  = "signal"
)

const (
	// DefaultExecInterval is used in scheduled mode when none is set.
	DefaultExecInterval = 60 * time.Second

	// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	drainTimeout = 5 * time.Second
)

// Callbacks contains optional callback functions for supervisor events.
// They are called from supervisor goroutines and must not block.
type Callbacks struct {
	// OnStateChange is called when the supervisor state changes.
	OnStateChange func(oldState, newState State)

	// OnStart is called when a child process starts.
	OnStart func(pid int)

	// OnExit is called when a child process has exited. exitStatus is nil
	// when the child was killed by a signal.
	OnExit func(exitStatus *int, uptime time.Duration)

	// OnRestart is called before a respawn delay.
	OnRestart func(attempt int, delay time.Duration)

	// OnEvents is called for every batch of records written.
	OnEvents func(count, bytes int)

	// OnError is called with one of the ErrorKind values.
	OnError func(kind string)
}

// Config holds configuration for creating a new Supervisor.
type Config struct {
	Runner process.Runner
	Mode   Mode

	// ExecInterval is the schedule period and the per-run time limit in
	// scheduled mode.
	ExecInterval time.Duration

	// RespawnOnExit restarts the command in streaming mode after it exits.
	RespawnOnExit bool
	Backoff       *Backoff
	MaxRestarts   int // 0 = unlimited

	// IncludeStderr turns stderr lines into records. Otherwise they go to
	// StderrParser.
	IncludeStderr bool
	StderrParser  parser.LineParser

	MaxLineSize   int
	BufferSize    int
	DropThreshold float64
	Lossy         bool // drop lines instead of blocking the child when full

	StopTimeout time.Duration
	Host        string

	Sink      *output.Sink
	Emitter   *telemetry.Emitter
	Logger    *slog.Logger
	Callbacks Callbacks
}

// Supervisor manages the lifecycle of one command.
type Supervisor struct {
	runner    process.Runner
	command   string
	mode      Mode
	interval  time.Duration
	respawn   bool
	backoff   *Backoff
	logger    *slog.Logger
	emitter   *telemetry.Emitter
	sink      *output.Sink
	callbacks Callbacks

	includeStderr bool
	stderrParser  parser.LineParser
	maxLineSize   int
	bufferSize    int
	dropThreshold float64
	lossy         bool
	stopTimeout   time.Duration
	host          string
	now           func() time.Time

	// State management
	state   State
	stateMu sync.RWMutex

	// Current process
	cmd       *exec.Cmd
	startTime time.Time
	cmdMu     sync.Mutex

	maxRestarts int
	restarts    atomic.Int64
	runs        atomic.Int64

	// Pipelines of the current or last run
	stdoutPipeline *parser.Pipeline
	stderrPipeline *parser.Pipeline
	pipeMu         sync.Mutex
}

// New creates a new Supervisor with the given configuration.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = telemetry.NewEmitter(logger)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = output.NewSink(io.Discard, output.JSONEncoder{})
	}
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewBackoff(time.Now().UnixNano(), DefaultBackoffConfig())
	}
	stderrParser := cfg.StderrParser
	if stderrParser == nil {
		stderrParser = parser.NoopParser{}
	}

	mode := cfg.Mode
	if mode == "" {
		mode = ModeScheduled
	}
	interval := cfg.ExecInterval
	if interval <= 0 {
		interval = DefaultExecInterval
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	var command string
	if cfg.Runner != nil {
		command = cfg.Runner.Name()
	}

	return &Supervisor{
		runner:        cfg.Runner,
		command:       command,
		mode:          mode,
		interval:      interval,
		respawn:       cfg.RespawnOnExit,
		backoff:       backoff,
		logger:        logger,
		emitter:       emitter,
		sink:          sink,
		callbacks:     cfg.Callbacks,
		includeStderr: cfg.IncludeStderr,
		stderrParser:  stderrParser,
		maxLineSize:   cfg.MaxLineSize,
		bufferSize:    cfg.BufferSize,
		dropThreshold: cfg.DropThreshold,
		lossy:         cfg.Lossy,
		stopTimeout:   stopTimeout,
		host:          cfg.Host,
		now:           time.Now,
		state:         StateCreated,
		maxRestarts:   cfg.MaxRestarts,
	}
}

// Run starts the supervision loop. It blocks until the context is
// cancelled, or in streaming mode until the command exits without respawn
// or MaxRestarts is reached. A running child is terminated on
// cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.runner == nil {
		return process.ErrEmptyCommand
	}

	s.logger.Debug("supervisor_starting",
		"command", s.command,
		"mode", string(s.mode),
	)

	if s.mode == ModeScheduled {
		return s.runScheduled(ctx)
	}
	return s.runStreaming(ctx)
}

func (s *Supervisor) runScheduled(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return s.stopped(ctx)
		}

		s.runOnce(ctx, s.interval)

		s.setState(StateWaiting)
		select {
		case <-ctx.Done():
			return s.stopped(ctx)
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) runStreaming(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return s.stopped(ctx)
		}

		res := s.runOnce(ctx, 0)
		if ctx.Err() != nil {
			return s.stopped(ctx)
		}

		if !s.respawn {
			s.setState(StateStopped)
			s.logger.Debug("supervisor_stopped", "command", s.command, "reason", "command_exited")
			return nil
		}

		restarts := int(s.restarts.Load())
		if s.maxRestarts > 0 && restarts >= s.maxRestarts {
			s.setState(StateStopped)
			s.logger.Warn("max_restarts_reached",
				"command", s.command,
				"restarts", restarts,
				"max", s.maxRestarts,
			)
			return ErrMaxRestarts
		}

		if ShouldReset(res.uptime, res.exitStatus) {
			s.backoff.Reset()
		}

		delay := s.backoff.Next()
		attempt := int(s.restarts.Add(1))

		if s.callbacks.OnRestart != nil {
			s.callbacks.OnRestart(attempt, delay)
		}

		s.logger.Info("command_respawn_scheduled",
			"command", s.command,
			"attempt", attempt,
			"delay", delay.String(),
		)

		s.setState(StateWaiting)
		select {
		case <-ctx.Done():
			return s.stopped(ctx)
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) stopped(ctx context.Context) error {
	s.setState(StateStopped)
	s.logger.Debug("supervisor_stopped", "command", s.command, "reason", "context_cancelled")
	return ctx.Err()
}

type runResult struct {
	timedOut   bool
	exitStatus *int
	uptime     time.Duration
}

// runOnce runs the command once. A positive limit bounds the run; when it
// elapses a TimeoutError is emitted and the child is terminated.
func (s *Supervisor) runOnce(ctx context.Context, limit time.Duration) runResult {
	s.setState(StateStarting)

	cmd, err := s.runner.BuildCommand(ctx)
	if err != nil {
		s.logger.Error("failed_to_build_command", "command", s.command, "error", err)
		s.fail(err)
		return runResult{}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.logger.Error("failed_to_create_stdout_pipe", "command", s.command, "error", err)
		s.fail(err)
		return runResult{}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		s.logger.Error("failed_to_create_stderr_pipe", "command", s.command, "error", err)
		s.fail(err)
		return runResult{}
	}

	// Own process group so termination reaches grandchildren too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		s.logger.Error("failed_to_start_process", "command", s.command, "error", err)
		s.fail(err)
		return runResult{}
	}

	pid := cmd.Process.Pid
	s.runs.Add(1)
	s.cmdMu.Lock()
	s.cmd = cmd
	s.startTime = startTime
	s.cmdMu.Unlock()
	s.setState(StateRunning)

	s.logger.Info("command_started",
		"command", s.command,
		"pid", pid,
		"include_stderr", s.includeStderr,
	)
	if s.callbacks.OnStart != nil {
		s.callbacks.OnStart(pid)
	}

	stdoutPipeline := parser.NewPipeline(s.command, output.StreamStdout, s.bufferSize, s.dropThreshold, !s.lossy)
	stderrPipeline := parser.NewPipeline(s.command, output.StreamStderr, s.bufferSize, s.dropThreshold, !s.lossy)
	s.pipeMu.Lock()
	s.stdoutPipeline = stdoutPipeline
	s.stderrPipeline = stderrPipeline
	s.pipeMu.Unlock()

	// Layer 1 (readers)
	stdoutSource := parser.NewPipeReader(stdout, stdoutPipeline, s.maxLineSize)
	stderrSource := parser.NewPipeReader(stderr, stderrPipeline, s.maxLineSize)
	go stdoutSource.Run()
	go stderrSource.Run()

	// Layer 2 (parsers)
	var parseWg sync.WaitGroup
	parseWg.Add(2)
	go func() {
		defer parseWg.Done()
		stdoutPipeline.RunBatchParser(s.batcher(output.StreamStdout, pid), parser.DefaultBatchSize)
	}()
	go func() {
		defer parseWg.Done()
		if s.includeStderr {
			stderrPipeline.RunBatchParser(s.batcher(output.StreamStderr, pid), parser.DefaultBatchSize)
			return
		}
		stderrPipeline.RunParser(s.stderrParser)
	}()

	// Wait closes the pipes, so it must not run before both readers hit EOF
	var waitErr error
	waitDone := make(chan struct{})
	go func() {
		<-stdoutSource.Done()
		<-stderrSource.Done()
		waitErr = cmd.Wait()
		close(waitDone)
	}()

	var deadline <-chan time.Time
	if limit > 0 {
		timer := time.NewTimer(limit)
		defer timer.Stop()
		deadline = timer.C
	}

	var res runResult
	select {
	case <-waitDone:
	case <-deadline:
		res.timedOut = true
		s.logger.Warn("command_timed_out",
			"command", s.command,
			"pid", pid,
			"limit", limit.String(),
		)
		s.emitter.Emit(&telemetry.TimeoutError{
			Command:        s.command,
			ElapsedSeconds: uint64(limit / time.Second),
			Err:            context.DeadlineExceeded,
		})
		s.reportError(ErrorKindTimeout)
		s.terminate(cmd, waitDone)
	case <-ctx.Done():
		select {
		case <-waitDone:
		default:
			s.terminate(cmd, waitDone)
		}
	}
	res.uptime = time.Since(startTime)

	s.drainParsers(&parseWg, stdoutPipeline, stderrPipeline)

	for _, src := range []*parser.PipeReader{stdoutSource, stderrSource} {
		if err := src.Err(); err != nil {
			s.logger.Error("output_read_failed", "command", s.command, "pid", pid, "error", err)
			s.fail(err)
		}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		s.logger.Warn("wait_failed", "command", s.command, "pid", pid, "error", waitErr)
	}
	res.exitStatus = exitStatus(cmd.ProcessState)

	s.cmdMu.Lock()
	s.cmd = nil
	s.cmdMu.Unlock()

	s.logger.Info("command_exited",
		"command", s.command,
		"pid", pid,
		"exit_status", exitStatusText(res.exitStatus),
		"uptime", res.uptime.String(),
		"timed_out", res.timedOut,
	)

	// A run cut short by its time limit did not complete
	if !res.timedOut {
		s.emitter.Emit(&telemetry.CommandExecuted{
			Command:      s.command,
			ExitStatus:   res.exitStatus,
			ExecDuration: res.uptime,
		})
	}

	if s.callbacks.OnExit != nil {
		s.callbacks.OnExit(res.exitStatus, res.uptime)
	}
	return res
}

// terminate sends SIGTERM to the child and SIGKILL after the stop timeout.
// If SIGTERM cannot be delivered the grace period is skipped. Returns once
// the child has been reaped.
func (s *Supervisor) terminate(cmd *exec.Cmd, done <-chan struct{}) {
	grace := s.stopTimeout
	if cause := signalChild(cmd, unix.SIGTERM); cause != nil {
		s.emitter.Emit(&telemetry.FailedToSignalChild{Command: cmd, Err: cause})
		s.reportError(ErrorKindSignal)
		grace = 0
	}

	if grace > 0 {
		select {
		case <-done:
			return
		case <-time.After(grace):
		}
		s.logger.Warn("force_killing_process",
			"command", s.command,
			"pid", cmd.Process.Pid,
		)
	}

	if cause := signalChild(cmd, unix.SIGKILL); cause != nil {
		_ = cmd.Process.Kill()
	}
	<-done
}

func (s *Supervisor) batcher(stream string, pid int) *recordBatcher {
	return &recordBatcher{
		command:  s.command,
		stream:   stream,
		pid:      pid,
		host:     s.host,
		sink:     s.sink,
		emitter:  s.emitter,
		logger:   s.logger,
		onEvents: s.callbacks.OnEvents,
		now:      s.now,
	}
}

func (s *Supervisor) fail(err error) {
	s.emitter.Emit(&telemetry.FailedError{Command: s.command, Err: err})
	s.reportError(ErrorKindFailed)
}

func (s *Supervisor) reportError(kind string) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(kind)
	}
}

// drainParsers waits for parsing pipelines to finish with a timeout.
func (s *Supervisor) drainParsers(parseWg *sync.WaitGroup, pipelines ...*parser.Pipeline) {
	done := make(chan struct{})
	go func() {
		parseWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("parser_drain_timeout",
			"command", s.command,
			"timeout", drainTimeout.String(),
		)
	}
	s.logPipelineStats(pipelines...)
}

// logPipelineStats logs pipeline health metrics.
func (s *Supervisor) logPipelineStats(pipelines ...*parser.Pipeline) {
	debug := s.logger.Enabled(context.Background(), slog.LevelDebug)
	for _, p := range pipelines {
		read, dropped, parsed := p.Stats()
		if dropped == 0 && !debug {
			continue
		}
		s.logger.Info("pipeline_stats",
			"command", s.command,
			"stream", p.StreamType(),
			"lines_read", read,
			"lines_dropped", dropped,
			"lines_parsed", parsed,
			"degraded", p.IsDegraded(),
		)
	}
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// setState updates the state and calls the callback if registered.
func (s *Supervisor) setState(newState State) {
	s.stateMu.Lock()
	oldState := s.state
	s.state = newState
	s.stateMu.Unlock()

	if s.callbacks.OnStateChange != nil && oldState != newState {
		s.callbacks.OnStateChange(oldState, newState)
	}
}

// Command returns the command line being supervised.
func (s *Supervisor) Command() string {
	return s.command
}

// Mode returns the run mode.
func (s *Supervisor) Mode() Mode {
	return s.mode
}

// Runs returns the number of child processes started.
func (s *Supervisor) Runs() int {
	return int(s.runs.Load())
}

// Restarts returns the number of respawns that have occurred.
func (s *Supervisor) Restarts() int {
	return int(s.restarts.Load())
}

// Uptime returns how long the current child has run, or 0 if none.
func (s *Supervisor) Uptime() time.Duration {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if s.cmd == nil {
		return 0
	}
	return time.Since(s.startTime)
}

// PipelineStats returns line counts of the current or last run.
func (s *Supervisor) PipelineStats() (stdoutRead, stdoutDropped, stderrRead, stderrDropped int64) {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	if s.stdoutPipeline != nil {
		stdoutRead, stdoutDropped, _ = s.stdoutPipeline.Stats()
	}
	if s.stderrPipeline != nil {
		stderrRead, stderrDropped, _ = s.stderrPipeline.Stats()
	}
	return
}

// IsOutputDegraded returns true if either pipeline dropped more than its
// threshold of lines.
func (s *Supervisor) IsOutputDegraded() bool {
	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()
	if s.stdoutPipeline != nil && s.stdoutPipeline.IsDegraded() {
		return true
	}
	return s.stderrPipeline != nil && s.stderrPipeline.IsDegraded()
}

// exitStatus extracts the exit code. It is nil when the process was
// terminated by a signal.
func exitStatus(state *os.ProcessState) *int {
	if state == nil {
		return nil
	}
	code := state.ExitCode()
	if code < 0 {
		return nil
	}
	return &code
}

func exitStatusText(status *int) string {
	if status == nil {
		return "signaled"
	}
	return fmt.Sprint(*status)
}
