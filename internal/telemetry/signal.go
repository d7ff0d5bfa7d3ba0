package telemetry

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// SignalCause is the reason a termination signal could not be delivered to
// a child process. The set is closed: SignalError, FailedToMarshalPid and
// NoPid are the only implementations.
type SignalCause interface {
	error

	// ErrorCode returns the error_code label for this cause.
	ErrorCode() string

	signalCause()
}

// SignalError means the OS rejected the signal delivery.
type SignalError struct {
	Errno unix.Errno
}

func (e SignalError) Error() string {
	name := unix.ErrnoName(e.Errno)
	if name == "" {
		name = strconv.Itoa(int(e.Errno))
	}
	return fmt.Sprintf("errno: %s: %s", name, e.Errno.Error())
}

// ErrorCode returns "errno_<n>".
func (e SignalError) ErrorCode() string {
	return "errno_" + strconv.Itoa(int(e.Errno))
}

// Unwrap exposes the errno for errors.Is.
func (e SignalError) Unwrap() error { return e.Errno }

func (SignalError) signalCause() {}

// FailedToMarshalPid means the child's pid does not fit the int32 the
// signal API takes.
type FailedToMarshalPid struct {
	Err error
}

func (e FailedToMarshalPid) Error() string {
	return fmt.Sprintf("failed to marshal pid to i32: %v", e.Err)
}

// ErrorCode returns "failed_to_marshal_pid".
func (FailedToMarshalPid) ErrorCode() string { return "failed_to_marshal_pid" }

func (e FailedToMarshalPid) Unwrap() error { return e.Err }

func (FailedToMarshalPid) signalCause() {}

// NoPid means the process handle has no pid, e.g. it was never started or
// has already been reaped.
type NoPid struct{}

func (NoPid) Error() string { return "child had no pid" }

// ErrorCode returns "no_pid".
func (NoPid) ErrorCode() string { return "no_pid" }

func (NoPid) signalCause() {}

var (
	_ SignalCause = SignalError{}
	_ SignalCause = FailedToMarshalPid{}
	_ SignalCause = NoPid{}
)
