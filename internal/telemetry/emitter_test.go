package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testEmitter struct {
	*Emitter
	registry *prometheus.Registry
	logs     *bytes.Buffer
}

func newTestEmitter(t *testing.T) *testEmitter {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	registry := prometheus.NewRegistry()
	return &testEmitter{
		Emitter:  NewEmitterWithRegistry(logger, registry),
		registry: registry,
		logs:     &buf,
	}
}

// records decodes every JSON log line written so far.
func (te *testEmitter) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(te.logs.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

// singleRecord asserts exactly one log record was written and returns it.
func (te *testEmitter) singleRecord(t *testing.T) map[string]any {
	t.Helper()
	recs := te.records(t)
	if len(recs) != 1 {
		t.Fatalf("got %d log records, want 1: %s", len(recs), te.logs.String())
	}
	return recs[0]
}

// seriesLabels returns the label sets of every series in the named family
// as Prometheus stores them after ingestion: empty-valued labels are
// dropped. The exposed text keeps them; see TestEmit_ErrorFamiliesExposition.
func (te *testEmitter) seriesLabels(t *testing.T, name string) []map[string]string {
	t.Helper()
	mf := te.family(t, name)
	if mf == nil {
		return nil
	}
	var out []map[string]string
	for _, m := range mf.GetMetric() {
		labels := make(map[string]string)
		for _, lp := range m.GetLabel() {
			if lp.GetValue() != "" {
				labels[lp.GetName()] = lp.GetValue()
			}
		}
		out = append(out, labels)
	}
	return out
}

func (te *testEmitter) family(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := te.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func intPtr(v int) *int { return &v }

// =============================================================================
// Tests: EventsReceived
// =============================================================================

func TestEmit_EventsReceived(t *testing.T) {
	tests := []struct {
		name     string
		count    uint64
		byteSize uint64
	}{
		{"empty batch", 0, 0},
		{"single record", 1, 12},
		{"typical batch", 10, 256},
		{"large batch", 1 << 20, 1 << 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEmitter(t)

			te.Emit(&EventsReceived{Count: tt.count, Command: "echo", ByteSize: tt.byteSize})

			if got := testutil.ToFloat64(te.receivedEvents.WithLabelValues("echo")); got != float64(tt.count) {
				t.Errorf("%s = %v, want %d", MetricReceivedEvents, got, tt.count)
			}
			if got := testutil.ToFloat64(te.receivedBytes.WithLabelValues("echo")); got != float64(tt.byteSize) {
				t.Errorf("%s = %v, want %d", MetricReceivedEventBytes, got, tt.byteSize)
			}
			if got := testutil.ToFloat64(te.eventsIn.WithLabelValues("echo")); got != float64(tt.count) {
				t.Errorf("%s = %v, want %d", MetricEventsIn, got, tt.count)
			}

			rec := te.singleRecord(t)
			if rec["level"] != "INFO" {
				t.Errorf("level = %v, want INFO", rec["level"])
			}
			if rec["count"] != float64(tt.count) {
				t.Errorf("count = %v, want %d", rec["count"], tt.count)
			}
			if rec["byte_size"] != float64(tt.byteSize) {
				t.Errorf("byte_size = %v, want %d", rec["byte_size"], tt.byteSize)
			}
		})
	}
}

func TestEmit_EventsReceived_EchoScenario(t *testing.T) {
	te := newTestEmitter(t)

	te.Emit(&EventsReceived{Count: 10, Command: "echo", ByteSize: 256})

	rec := te.singleRecord(t)
	want := map[string]any{
		"level":     "INFO",
		"msg":       "Events received.",
		"count":     float64(10),
		"byte_size": float64(256),
		"command":   "echo",
	}
	delete(rec, "time")
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("log record mismatch (-want +got):\n%s", diff)
	}

	expected := `
# HELP component_received_events_total Number of events received from executed commands
# TYPE component_received_events_total counter
component_received_events_total{command="echo"} 10
# HELP component_received_event_bytes_total Encoded byte size of events received from executed commands
# TYPE component_received_event_bytes_total counter
component_received_event_bytes_total{command="echo"} 256
# HELP events_in_total Deprecated: use component_received_events_total
# TYPE events_in_total counter
events_in_total{command="echo"} 10
`
	if err := testutil.GatherAndCompare(te.registry, strings.NewReader(expected),
		MetricReceivedEvents, MetricReceivedEventBytes, MetricEventsIn); err != nil {
		t.Error(err)
	}
}

func TestEmit_EventsReceived_Accumulates(t *testing.T) {
	te := newTestEmitter(t)

	te.Emit(&EventsReceived{Count: 3, Command: "echo", ByteSize: 30})
	te.Emit(&EventsReceived{Count: 4, Command: "echo", ByteSize: 40})
	te.Emit(&EventsReceived{Count: 5, Command: "date", ByteSize: 50})

	if got := testutil.ToFloat64(te.receivedEvents.WithLabelValues("echo")); got != 7 {
		t.Errorf("echo events = %v, want 7", got)
	}
	if got := testutil.ToFloat64(te.receivedBytes.WithLabelValues("date")); got != 50 {
		t.Errorf("date bytes = %v, want 50", got)
	}
	if n := testutil.CollectAndCount(te.receivedEvents); n != 2 {
		t.Errorf("series count = %d, want 2", n)
	}
}

// =============================================================================
// Tests: FailedError
// =============================================================================

func TestEmit_FailedError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "binary not found",
			err:      &os.PathError{Op: "fork/exec", Path: "/no/such/bin", Err: syscall.ENOENT},
			wantCode: "not_found",
		},
		{
			name:     "lookpath failure",
			err:      &exec.Error{Name: "nope", Err: exec.ErrNotFound},
			wantCode: "not_found",
		},
		{
			name:     "permission denied",
			err:      &os.PathError{Op: "fork/exec", Path: "/etc/passwd", Err: syscall.EACCES},
			wantCode: "permission_denied",
		},
		{
			name:     "unmapped errno",
			err:      fmt.Errorf("read stdout: %w", unix.EIO),
			wantCode: "errno_5",
		},
		{
			name:     "no os code",
			err:      errors.New("boom"),
			wantCode: ErrorCodeUnknown,
		},
		{
			name:     "nil error",
			err:      nil,
			wantCode: ErrorCodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEmitter(t)

			te.Emit(&FailedError{Command: "fetch", Err: tt.err})

			rec := te.singleRecord(t)
			if rec["level"] != "ERROR" {
				t.Errorf("level = %v, want ERROR", rec["level"])
			}
			if rec["msg"] != "Unable to exec." {
				t.Errorf("msg = %v", rec["msg"])
			}
			if rec["error_code"] != tt.wantCode {
				t.Errorf("error_code = %v, want %s", rec["error_code"], tt.wantCode)
			}
			if rec["error_type"] != ErrorTypeCommandFailed {
				t.Errorf("error_type = %v", rec["error_type"])
			}
			if rec["stage"] != StageReceiving {
				t.Errorf("stage = %v", rec["stage"])
			}

			wantCurrent := []map[string]string{{
				LabelCommand:   "fetch",
				LabelErrorType: ErrorTypeCommandFailed,
				LabelErrorCode: tt.wantCode,
				LabelStage:     StageReceiving,
			}}
			if diff := cmp.Diff(wantCurrent, te.seriesLabels(t, MetricComponentErrors)); diff != "" {
				t.Errorf("%s labels (-want +got):\n%s", MetricComponentErrors, diff)
			}

			wantDeprecated := []map[string]string{{
				LabelCommand:   "fetch",
				LabelErrorType: ErrorTypeCommandFailed,
				LabelStage:     StageReceiving,
			}}
			if diff := cmp.Diff(wantDeprecated, te.seriesLabels(t, MetricProcessingErrors)); diff != "" {
				t.Errorf("%s labels (-want +got):\n%s", MetricProcessingErrors, diff)
			}

			if got := testutil.ToFloat64(te.componentErrors); got != 1 {
				t.Errorf("%s = %v, want 1", MetricComponentErrors, got)
			}
			if got := testutil.ToFloat64(te.processingErrors); got != 1 {
				t.Errorf("%s = %v, want 1", MetricProcessingErrors, got)
			}
		})
	}
}

// =============================================================================
// Tests: TimeoutError
// =============================================================================

func TestEmit_TimeoutError(t *testing.T) {
	for _, elapsed := range []uint64{0, 1, 30, math.MaxUint64} {
		t.Run(fmt.Sprintf("elapsed_%d", elapsed), func(t *testing.T) {
			te := newTestEmitter(t)

			te.Emit(&TimeoutError{Command: "sleep 60", ElapsedSeconds: elapsed, Err: context.DeadlineExceeded})

			rec := te.singleRecord(t)
			if rec["level"] != "ERROR" {
				t.Errorf("level = %v, want ERROR", rec["level"])
			}
			if rec["msg"] != "Timeout during exec." {
				t.Errorf("msg = %v", rec["msg"])
			}
			if rec["error"] != context.DeadlineExceeded.Error() {
				t.Errorf("error = %v", rec["error"])
			}
			if _, ok := rec["error_code"]; ok {
				t.Error("timeout record should not carry error_code")
			}

			want := []map[string]string{{
				LabelCommand:   "sleep 60",
				LabelErrorType: ErrorTypeTimedOut,
				LabelStage:     StageReceiving,
			}}
			if diff := cmp.Diff(want, te.seriesLabels(t, MetricComponentErrors)); diff != "" {
				t.Errorf("%s labels (-want +got):\n%s", MetricComponentErrors, diff)
			}
			if diff := cmp.Diff(want, te.seriesLabels(t, MetricProcessingErrors)); diff != "" {
				t.Errorf("%s labels (-want +got):\n%s", MetricProcessingErrors, diff)
			}
			if got := testutil.ToFloat64(te.componentErrors); got != 1 {
				t.Errorf("%s = %v, want 1", MetricComponentErrors, got)
			}
			if got := testutil.ToFloat64(te.processingErrors); got != 1 {
				t.Errorf("%s = %v, want 1", MetricProcessingErrors, got)
			}
		})
	}
}

// =============================================================================
// Tests: CommandExecuted
// =============================================================================

func TestEmit_CommandExecuted(t *testing.T) {
	tests := []struct {
		name       string
		exitStatus *int
		duration   time.Duration
		want       string
	}{
		{"success", intPtr(0), 1500 * time.Millisecond, "0"},
		{"failure", intPtr(2), 20 * time.Millisecond, "2"},
		{"negative", intPtr(-1), time.Second, "-1"},
		{"killed by signal", nil, 3 * time.Second, "unknown"},
		{"zero duration", intPtr(0), 0, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEmitter(t)

			te.Emit(&CommandExecuted{Command: "date", ExitStatus: tt.exitStatus, ExecDuration: tt.duration})

			rec := te.singleRecord(t)
			if rec["level"] != "INFO" {
				t.Errorf("level = %v, want INFO", rec["level"])
			}
			if rec["exit_status"] != tt.want {
				t.Errorf("exit_status = %v, want %q", rec["exit_status"], tt.want)
			}
			if rec["elapsed_millis"] != float64(tt.duration.Milliseconds()) {
				t.Errorf("elapsed_millis = %v", rec["elapsed_millis"])
			}

			if got := testutil.ToFloat64(te.commandExecuted.WithLabelValues("date", tt.want)); got != 1 {
				t.Errorf("%s = %v, want 1", MetricCommandExecuted, got)
			}

			mf := te.family(t, MetricExecutionDuration)
			if mf == nil || len(mf.GetMetric()) != 1 {
				t.Fatalf("expected one %s series", MetricExecutionDuration)
			}
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 1 {
				t.Errorf("sample count = %d, want 1", h.GetSampleCount())
			}
			if h.GetSampleSum() != tt.duration.Seconds() {
				t.Errorf("sample sum = %v, want %v", h.GetSampleSum(), tt.duration.Seconds())
			}

			wantLabels := []map[string]string{{LabelCommand: "date", LabelExitStatus: tt.want}}
			if diff := cmp.Diff(wantLabels, te.seriesLabels(t, MetricExecutionDuration)); diff != "" {
				t.Errorf("histogram labels (-want +got):\n%s", diff)
			}
		})
	}
}

// =============================================================================
// Tests: FailedToSignalChild
// =============================================================================

func TestEmit_FailedToSignalChild(t *testing.T) {
	tests := []struct {
		name     string
		cause    SignalCause
		wantCode string
	}{
		{"signal error", SignalError{Errno: unix.Errno(5)}, "errno_5"},
		{"esrch", SignalError{Errno: unix.ESRCH}, fmt.Sprintf("errno_%d", int(unix.ESRCH))},
		{"marshal pid", FailedToMarshalPid{Err: errors.New("pid 4294967296 out of range")}, "failed_to_marshal_pid"},
		{"no pid", NoPid{}, "no_pid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEmitter(t)
			cmd := exec.Command("sleep", "10")

			te.Emit(&FailedToSignalChild{Command: cmd, Err: tt.cause})

			const wantCommand = `"sleep" "10"`

			rec := te.singleRecord(t)
			if rec["level"] != "ERROR" {
				t.Errorf("level = %v, want ERROR", rec["level"])
			}
			wantMsg := "Failed to send SIGTERM to child, aborting early: " + tt.cause.Error()
			if rec["msg"] != wantMsg {
				t.Errorf("msg = %q, want %q", rec["msg"], wantMsg)
			}
			if rec["command"] != wantCommand {
				t.Errorf("command = %v, want %s", rec["command"], wantCommand)
			}
			if rec["error_code"] != tt.wantCode {
				t.Errorf("error_code = %v, want %s", rec["error_code"], tt.wantCode)
			}

			wantCurrent := []map[string]string{{
				LabelCommand:   wantCommand,
				LabelErrorType: ErrorTypeCommandFailed,
				LabelErrorCode: tt.wantCode,
				LabelStage:     StageReceiving,
			}}
			if diff := cmp.Diff(wantCurrent, te.seriesLabels(t, MetricComponentErrors)); diff != "" {
				t.Errorf("%s labels (-want +got):\n%s", MetricComponentErrors, diff)
			}

			wantDeprecated := []map[string]string{{
				LabelCommandCode: wantCommand,
				LabelError:       tt.wantCode,
				LabelErrorType:   ErrorTypeCommandFailed,
				LabelStage:       StageReceiving,
			}}
			if diff := cmp.Diff(wantDeprecated, te.seriesLabels(t, MetricProcessingErrors)); diff != "" {
				t.Errorf("%s labels (-want +got):\n%s", MetricProcessingErrors, diff)
			}

			if got := testutil.ToFloat64(te.componentErrors); got != 1 {
				t.Errorf("%s = %v, want 1", MetricComponentErrors, got)
			}
			if got := testutil.ToFloat64(te.processingErrors); got != 1 {
				t.Errorf("%s = %v, want 1", MetricProcessingErrors, got)
			}
		})
	}
}

func TestEmit_FailedToSignalChild_NilCommandAndCause(t *testing.T) {
	te := newTestEmitter(t)

	te.Emit(&FailedToSignalChild{})

	rec := te.singleRecord(t)
	if rec["command"] != "<nil>" {
		t.Errorf("command = %v, want <nil>", rec["command"])
	}
	if rec["error_code"] != ErrorCodeUnknown {
		t.Errorf("error_code = %v, want %s", rec["error_code"], ErrorCodeUnknown)
	}
	if got := testutil.ToFloat64(te.componentErrors); got != 1 {
		t.Errorf("%s = %v, want 1", MetricComponentErrors, got)
	}
}

// =============================================================================
// Tests: exposition
// =============================================================================

// The error families share one label schema across variants, so a variant
// exposes the keys it does not carry with empty values.
func TestEmit_ErrorFamiliesExposition(t *testing.T) {
	te := newTestEmitter(t)

	te.Emit(&FailedError{Command: "fetch", Err: fmt.Errorf("read stdout: %w", unix.EIO)})
	te.Emit(&TimeoutError{Command: "fetch", ElapsedSeconds: 5, Err: context.DeadlineExceeded})
	te.Emit(&FailedToSignalChild{Command: exec.Command("sleep", "10"), Err: NoPid{}})

	const want = `
# HELP component_errors_total Number of errors encountered while executing commands
# TYPE component_errors_total counter
component_errors_total{command="\"sleep\" \"10\"",error_code="no_pid",error_type="command_failed",stage="receiving"} 1
component_errors_total{command="fetch",error_code="",error_type="timed_out",stage="receiving"} 1
component_errors_total{command="fetch",error_code="errno_5",error_type="command_failed",stage="receiving"} 1
# HELP processing_errors_total Deprecated: use component_errors_total
# TYPE processing_errors_total counter
processing_errors_total{command="",command_code="\"sleep\" \"10\"",error="no_pid",error_type="command_failed",stage="receiving"} 1
processing_errors_total{command="fetch",command_code="",error="",error_type="command_failed",stage="receiving"} 1
processing_errors_total{command="fetch",command_code="",error="",error_type="timed_out",stage="receiving"} 1
`
	if err := testutil.GatherAndCompare(te.registry, strings.NewReader(want),
		MetricComponentErrors, MetricProcessingErrors); err != nil {
		t.Error(err)
	}
}

// =============================================================================
// Tests: single consumption
// =============================================================================

func TestEmit_SecondEmitIsNoop(t *testing.T) {
	events := []struct {
		name   string
		ev     Event
		metric func(te *testEmitter) float64
	}{
		{
			name: "events received",
			ev:   &EventsReceived{Count: 10, Command: "echo", ByteSize: 256},
			metric: func(te *testEmitter) float64 {
				return testutil.ToFloat64(te.receivedEvents)
			},
		},
		{
			name: "failed",
			ev:   &FailedError{Command: "echo", Err: syscall.ENOENT},
			metric: func(te *testEmitter) float64 {
				return testutil.ToFloat64(te.processingErrors)
			},
		},
		{
			name: "timeout",
			ev:   &TimeoutError{Command: "echo", ElapsedSeconds: 5},
			metric: func(te *testEmitter) float64 {
				return testutil.ToFloat64(te.componentErrors)
			},
		},
		{
			name: "executed",
			ev:   &CommandExecuted{Command: "echo", ExitStatus: intPtr(0)},
			metric: func(te *testEmitter) float64 {
				return testutil.ToFloat64(te.commandExecuted)
			},
		},
		{
			name: "signal",
			ev:   &FailedToSignalChild{Command: exec.Command("echo"), Err: NoPid{}},
			metric: func(te *testEmitter) float64 {
				return testutil.ToFloat64(te.componentErrors)
			},
		},
	}

	for _, tt := range events {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEmitter(t)

			te.Emit(tt.ev)
			first := tt.metric(te)

			te.Emit(tt.ev)
			if got := tt.metric(te); got != first {
				t.Errorf("metric after re-emit = %v, want %v", got, first)
			}

			recs := te.records(t)
			if len(recs) != 2 {
				t.Fatalf("got %d records, want event record plus debug notice", len(recs))
			}
			if recs[1]["msg"] != "telemetry_event_already_emitted" {
				t.Errorf("second record msg = %v", recs[1]["msg"])
			}
		})
	}
}

func TestEmit_Emitted(t *testing.T) {
	te := newTestEmitter(t)
	ev := &CommandExecuted{Command: "true", ExitStatus: intPtr(0)}

	if ev.Emitted() {
		t.Fatal("fresh event reports Emitted")
	}
	te.Emit(ev)
	if !ev.Emitted() {
		t.Fatal("event not marked Emitted after Emit")
	}
}

func TestEmit_ConcurrentSameEvent(t *testing.T) {
	te := newTestEmitter(t)
	ev := &EventsReceived{Count: 1, Command: "echo", ByteSize: 1}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			te.Emit(ev)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(te.receivedEvents); got != 1 {
		t.Errorf("events = %v, want 1", got)
	}
}

func TestEmit_ConcurrentDistinctEvents(t *testing.T) {
	te := newTestEmitter(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			te.Emit(&EventsReceived{Count: 2, Command: "echo", ByteSize: 8})
			te.Emit(&FailedError{Command: "echo", Err: syscall.EPIPE})
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(te.receivedEvents); got != 100 {
		t.Errorf("events = %v, want 100", got)
	}
	if got := testutil.ToFloat64(te.componentErrors); got != 50 {
		t.Errorf("errors = %v, want 50", got)
	}
}

func TestEmit_NilEvents(t *testing.T) {
	te := newTestEmitter(t)

	te.Emit(nil)
	te.Emit((*EventsReceived)(nil))
	te.Emit((*FailedError)(nil))
	te.Emit((*TimeoutError)(nil))
	te.Emit((*CommandExecuted)(nil))
	te.Emit((*FailedToSignalChild)(nil))

	if te.logs.Len() != 0 {
		t.Errorf("nil events should not log, got %s", te.logs.String())
	}
}

// =============================================================================
// Tests: registration
// =============================================================================

func TestNewEmitterWithRegistry_SharesFamilies(t *testing.T) {
	registry := prometheus.NewRegistry()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	a := NewEmitterWithRegistry(logger, registry)
	b := NewEmitterWithRegistry(logger, registry)

	a.Emit(&EventsReceived{Count: 1, Command: "x"})
	b.Emit(&EventsReceived{Count: 2, Command: "x"})

	if got := testutil.ToFloat64(a.receivedEvents.WithLabelValues("x")); got != 3 {
		t.Errorf("shared counter = %v, want 3", got)
	}
}

func TestNewEmitterWithRegistry_NilLogger(t *testing.T) {
	e := NewEmitterWithRegistry(nil, prometheus.NewRegistry())
	if e.logger == nil {
		t.Fatal("nil logger should fall back to slog.Default")
	}
}
