// Package telemetry renders process-execution lifecycle facts into a
// structured log record plus Prometheus metric updates.
//
// Every event kind has a fixed set of current metrics and a fixed set of
// deprecated aliases that older dashboards still read. Both are updated in
// the same Emit call.
//
// Metric families are registered with the union of the label keys their
// event kinds use. An event kind leaves the keys it does not carry empty;
// Prometheus drops empty-valued labels at ingestion, so each kind produces
// exactly its own label set.
package telemetry

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names. The deprecated ones are kept for dashboards built before
// the component_* naming.
const (
	MetricReceivedEvents     = "component_received_events_total"
	MetricReceivedEventBytes = "component_received_event_bytes_total"
	MetricComponentErrors    = "component_errors_total"
	MetricCommandExecuted    = "command_executed_total"
	MetricExecutionDuration  = "command_execution_duration_seconds"

	// Deprecated.
	MetricEventsIn = "events_in_total"
	// Deprecated.
	MetricProcessingErrors = "processing_errors_total"
)

// Label keys.
const (
	LabelCommand     = "command"
	LabelCommandCode = "command_code"
	LabelError       = "error"
	LabelErrorType   = "error_type"
	LabelErrorCode   = "error_code"
	LabelStage       = "stage"
	LabelExitStatus  = "exit_status"
)

// Emitter writes events to a logger and a Prometheus registry.
// It holds no mutable state of its own and is safe for concurrent use.
type Emitter struct {
	logger *slog.Logger

	receivedEvents   *prometheus.CounterVec
	receivedBytes    *prometheus.CounterVec
	eventsIn         *prometheus.CounterVec
	componentErrors  *prometheus.CounterVec
	processingErrors *prometheus.CounterVec
	commandExecuted  *prometheus.CounterVec
	execDuration     *prometheus.HistogramVec
}

// NewEmitter creates an emitter registering its metric families on the
// default Prometheus registry.
func NewEmitter(logger *slog.Logger) *Emitter {
	return NewEmitterWithRegistry(logger, prometheus.DefaultRegisterer)
}

// NewEmitterWithRegistry creates an emitter with a custom registry.
// Families already registered on the registry by another emitter are
// shared rather than duplicated.
func NewEmitterWithRegistry(logger *slog.Logger, registry prometheus.Registerer) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Emitter{
		logger: logger,

		receivedEvents: registerCounterVec(registry, prometheus.CounterOpts{
			Name: MetricReceivedEvents,
			Help: "Number of events received from executed commands",
		}, []string{LabelCommand}),

		receivedBytes: registerCounterVec(registry, prometheus.CounterOpts{
			Name: MetricReceivedEventBytes,
			Help: "Encoded byte size of events received from executed commands",
		}, []string{LabelCommand}),

		eventsIn: registerCounterVec(registry, prometheus.CounterOpts{
			Name: MetricEventsIn,
			Help: "Deprecated: use component_received_events_total",
		}, []string{LabelCommand}),

		componentErrors: registerCounterVec(registry, prometheus.CounterOpts{
			Name: MetricComponentErrors,
			Help: "Number of errors encountered while executing commands",
		}, []string{LabelCommand, LabelErrorType, LabelErrorCode, LabelStage}),

		processingErrors: registerCounterVec(registry, prometheus.CounterOpts{
			Name: MetricProcessingErrors,
			Help: "Deprecated: use component_errors_total",
		}, []string{LabelCommand, LabelCommandCode, LabelError, LabelErrorType, LabelStage}),

		commandExecuted: registerCounterVec(registry, prometheus.CounterOpts{
			Name: MetricCommandExecuted,
			Help: "Number of commands that ran to completion",
		}, []string{LabelCommand, LabelExitStatus}),

		execDuration: registerHistogramVec(registry, prometheus.HistogramOpts{
			Name:    MetricExecutionDuration,
			Help:    "Wall-clock duration of completed commands",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 16),
		}, []string{LabelCommand, LabelExitStatus}),
	}
}

// Emit consumes ev: it writes one log record and updates the event's
// current and deprecated metrics. Emitting the same value twice is a
// no-op after the first call.
func (e *Emitter) Emit(ev Event) {
	if isNilEvent(ev) {
		return
	}
	if !ev.consume() {
		e.logger.Debug("telemetry_event_already_emitted", "event", fmt.Sprintf("%T", ev))
		return
	}
	ev.emit(e)
}

func (ev *EventsReceived) emit(e *Emitter) {
	e.logger.Info("Events received.",
		"count", ev.Count,
		"byte_size", ev.ByteSize,
		"command", ev.Command,
	)

	e.receivedEvents.WithLabelValues(ev.Command).Add(float64(ev.Count))
	e.receivedBytes.WithLabelValues(ev.Command).Add(float64(ev.ByteSize))

	// deprecated
	e.eventsIn.WithLabelValues(ev.Command).Add(float64(ev.Count))
}

func (ev *FailedError) emit(e *Emitter) {
	c := ev.Classification()

	e.logger.Error("Unable to exec.",
		"command", ev.Command,
		"error", errorText(ev.Err),
		"error_type", c.ErrorType,
		"error_code", c.ErrorCode,
		"stage", c.Stage,
	)

	e.componentErrors.With(prometheus.Labels{
		LabelCommand:   ev.Command,
		LabelErrorType: c.ErrorType,
		LabelErrorCode: c.ErrorCode,
		LabelStage:     c.Stage,
	}).Inc()

	// deprecated
	e.processingErrors.With(prometheus.Labels{
		LabelCommand:     ev.Command,
		LabelCommandCode: "",
		LabelError:       "",
		LabelErrorType:   c.ErrorType,
		LabelStage:       c.Stage,
	}).Inc()
}

func (ev *TimeoutError) emit(e *Emitter) {
	c := ev.Classification()

	e.logger.Error("Timeout during exec.",
		"command", ev.Command,
		"elapsed_seconds", ev.ElapsedSeconds,
		"error", errorText(ev.Err),
		"error_type", c.ErrorType,
		"stage", c.Stage,
	)

	e.componentErrors.With(prometheus.Labels{
		LabelCommand:   ev.Command,
		LabelErrorType: c.ErrorType,
		LabelErrorCode: c.ErrorCode,
		LabelStage:     c.Stage,
	}).Inc()

	// deprecated
	e.processingErrors.With(prometheus.Labels{
		LabelCommand:     ev.Command,
		LabelCommandCode: "",
		LabelError:       "",
		LabelErrorType:   c.ErrorType,
		LabelStage:       c.Stage,
	}).Inc()
}

func (ev *CommandExecuted) emit(e *Emitter) {
	exitStatus := ev.ExitStatusString()

	e.logger.Info("Executed command.",
		"command", ev.Command,
		"exit_status", exitStatus,
		"exec_duration", ev.ExecDuration,
		"elapsed_millis", ev.ExecDuration.Milliseconds(),
	)

	e.commandExecuted.WithLabelValues(ev.Command, exitStatus).Inc()
	e.execDuration.WithLabelValues(ev.Command, exitStatus).Observe(ev.ExecDuration.Seconds())
}

func (ev *FailedToSignalChild) emit(e *Emitter) {
	c := ev.Classification()
	command := ev.CommandDebug()

	e.logger.Error(fmt.Sprintf("Failed to send SIGTERM to child, aborting early: %s", ev.errorText()),
		"command", command,
		"error_code", c.ErrorCode,
		"error_type", c.ErrorType,
		"stage", c.Stage,
	)

	e.componentErrors.With(prometheus.Labels{
		LabelCommand:   command,
		LabelErrorType: c.ErrorType,
		LabelErrorCode: c.ErrorCode,
		LabelStage:     c.Stage,
	}).Inc()

	// deprecated: the command is under command_code and the code under error
	e.processingErrors.With(prometheus.Labels{
		LabelCommand:     "",
		LabelCommandCode: command,
		LabelError:       c.ErrorCode,
		LabelErrorType:   c.ErrorType,
		LabelStage:       c.Stage,
	}).Inc()
}

func isNilEvent(ev Event) bool {
	switch v := ev.(type) {
	case nil:
		return true
	case *EventsReceived:
		return v == nil
	case *FailedError:
		return v == nil
	case *TimeoutError:
		return v == nil
	case *CommandExecuted:
		return v == nil
	case *FailedToSignalChild:
		return v == nil
	}
	return false
}

func errorText(err error) string {
	if err == nil {
		return ErrorCodeUnknown
	}
	return err.Error()
}

func registerCounterVec(registry prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := registry.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(fmt.Sprintf("telemetry: registering %s: %v", opts.Name, err))
	}
	return vec
}

func registerHistogramVec(registry prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	vec := prometheus.NewHistogramVec(opts, labels)
	if err := registry.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
		panic(fmt.Sprintf("telemetry: registering %s: %v", opts.Name, err))
	}
	return vec
}
