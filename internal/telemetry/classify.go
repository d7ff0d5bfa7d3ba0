package telemetry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Error taxonomy. error_type and stage are low-cardinality by contract;
// only error_code carries platform detail.
const (
	// StageReceiving is the stage for everything on the inbound side of
	// process execution.
	StageReceiving = "receiving"

	// ErrorTypeCommandFailed covers spawn, I/O and signal-delivery failures.
	ErrorTypeCommandFailed = "command_failed"

	// ErrorTypeTimedOut covers an exceeded execution deadline.
	ErrorTypeTimedOut = "timed_out"

	// ErrorCodeUnknown is the sentinel used when no code can be derived.
	ErrorCodeUnknown = "unknown"
)

// Classification is the (stage, error_type, error_code) triple attached to
// every error-path log record and metric update.
type Classification struct {
	Stage     string
	ErrorType string
	ErrorCode string
}

// ClassifyIOError classifies a spawn or output-stream failure.
func ClassifyIOError(err error) Classification {
	return Classification{
		Stage:     StageReceiving,
		ErrorType: ErrorTypeCommandFailed,
		ErrorCode: IOErrorCode(err),
	}
}

// ClassifyTimeout classifies an elapsed execution deadline. A timeout has
// no platform code, so ErrorCode is left empty and the error_code label
// is not exposed for it.
func ClassifyTimeout() Classification {
	return Classification{
		Stage:     StageReceiving,
		ErrorType: ErrorTypeTimedOut,
	}
}

// ClassifySignalFailure classifies a failure to deliver SIGTERM to a child.
func ClassifySignalFailure(cause SignalCause) Classification {
	code := ErrorCodeUnknown
	if cause != nil {
		code = cause.ErrorCode()
	}
	return Classification{
		Stage:     StageReceiving,
		ErrorType: ErrorTypeCommandFailed,
		ErrorCode: code,
	}
}

// errnoCodes maps the errno values that have a stable, well-known kind to
// that kind's name. Other errno values are rendered numerically.
var errnoCodes = map[unix.Errno]string{
	unix.ENOENT:        "not_found",
	unix.EACCES:        "permission_denied",
	unix.EPERM:         "permission_denied",
	unix.ECONNREFUSED:  "connection_refused",
	unix.ECONNRESET:    "connection_reset",
	unix.ECONNABORTED:  "connection_aborted",
	unix.ENOTCONN:      "not_connected",
	unix.EADDRINUSE:    "address_in_use",
	unix.EADDRNOTAVAIL: "address_not_available",
	unix.EPIPE:         "broken_pipe",
	unix.EEXIST:        "already_exists",
	unix.EAGAIN:        "would_block",
	unix.EINVAL:        "invalid_input",
	unix.ETIMEDOUT:     "timed_out",
	unix.EINTR:         "interrupted",
	unix.ENOSYS:        "unsupported",
	unix.ENOMEM:        "out_of_memory",
	unix.ENOEXEC:       "invalid_executable",
}

// IOErrorCode derives the error_code label for an OS-level I/O failure.
// It never fails: nil and unrecognised errors yield ErrorCodeUnknown.
func IOErrorCode(err error) string {
	if err == nil {
		return ErrorCodeUnknown
	}

	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		if code, ok := errnoCodes[errno]; ok {
			return code
		}
		return "errno_" + strconv.Itoa(int(errno))
	}

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return "not_found"
	case errors.Is(err, fs.ErrPermission):
		return "permission_denied"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timed_out"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "unexpected_eof"
	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, os.ErrClosed):
		return "broken_pipe"
	}

	return ErrorCodeUnknown
}
