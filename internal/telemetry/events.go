package telemetry

import (
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Event is one lifecycle fact about a process execution. The set of
// implementations is closed to this package.
//
// Events are single-use: pass a pointer to Emitter.Emit exactly once.
// A value that has already been emitted is ignored by later calls.
type Event interface {
	consume() bool
	emit(e *Emitter)
}

// consumable is the one-shot guard embedded in every event. It must not
// be copied once the event is in flight.
type consumable struct {
	done atomic.Bool
}

func (c *consumable) consume() bool {
	return c.done.CompareAndSwap(false, true)
}

// Emitted reports whether the event has already been consumed.
func (c *consumable) Emitted() bool {
	return c.done.Load()
}

// EventsReceived is a batch of records pulled from one invocation.
// Count and ByteSize describe the same batch; zero is valid and still
// emits.
type EventsReceived struct {
	Count    uint64
	Command  string
	ByteSize uint64

	consumable
}

// FailedError means the process could not be spawned or its output stream
// failed at the OS level.
type FailedError struct {
	Command string
	Err     error

	consumable
}

// Classification returns the derived error labels.
func (e *FailedError) Classification() Classification {
	return ClassifyIOError(e.Err)
}

// TimeoutError means the bounded wait for the process elapsed before it
// finished. ElapsedSeconds is the configured timeout that was exceeded.
type TimeoutError struct {
	Command        string
	ElapsedSeconds uint64
	Err            error

	consumable
}

// Classification returns the derived error labels.
func (e *TimeoutError) Classification() Classification {
	return ClassifyTimeout()
}

// CommandExecuted means the process ran to completion. A nil ExitStatus
// means it terminated without an exit code, e.g. killed by a signal.
type CommandExecuted struct {
	Command      string
	ExitStatus   *int
	ExecDuration time.Duration

	consumable
}

// ExitStatusString renders the exit status as decimal text, or "unknown"
// when absent.
func (e *CommandExecuted) ExitStatusString() string {
	if e.ExitStatus == nil {
		return ErrorCodeUnknown
	}
	return strconv.Itoa(*e.ExitStatus)
}

// FailedToSignalChild means SIGTERM could not be delivered to a still
// running child. Command is the full command that was started.
type FailedToSignalChild struct {
	Command *exec.Cmd
	Err     SignalCause

	consumable
}

// Classification returns the derived error labels.
func (e *FailedToSignalChild) Classification() Classification {
	return ClassifySignalFailure(e.Err)
}

// CommandDebug renders the command the way it appears in the command
// label: every argv element quoted, separated by spaces.
func (e *FailedToSignalChild) CommandDebug() string {
	return commandDebug(e.Command)
}

func (e *FailedToSignalChild) errorText() string {
	if e.Err == nil {
		return ErrorCodeUnknown
	}
	return e.Err.Error()
}

func commandDebug(cmd *exec.Cmd) string {
	if cmd == nil {
		return "<nil>"
	}

	argv := cmd.Args
	if len(argv) == 0 {
		argv = []string{cmd.Path}
	}

	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = strconv.Quote(arg)
	}
	return strings.Join(quoted, " ")
}

var (
	_ Event = (*EventsReceived)(nil)
	_ Event = (*FailedError)(nil)
	_ Event = (*TimeoutError)(nil)
	_ Event = (*CommandExecuted)(nil)
	_ Event = (*FailedToSignalChild)(nil)
)
