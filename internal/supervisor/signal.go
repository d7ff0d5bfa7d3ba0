package supervisor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-exec-source/internal/telemetry"
)

// signalChild delivers sig to a started command. Children are started in
// their own process group, so the whole group is signaled when the pid
// leads one. The returned cause is nil on success.
//
// A child that Wait has reaped has no pid: its number may already belong
// to another process. os.Process tracks that under its own lock, so it is
// read through a null signal rather than cmd.ProcessState, which Wait
// writes concurrently.
func signalChild(cmd *exec.Cmd, sig syscall.Signal) telemetry.SignalCause {
	if cmd == nil || cmd.Process == nil {
		return telemetry.NoPid{}
	}
	if err := cmd.Process.Signal(syscall.Signal(0)); errors.Is(err, os.ErrProcessDone) {
		return telemetry.NoPid{}
	}

	pid, err := marshalPID(cmd.Process.Pid)
	if err != nil {
		return telemetry.FailedToMarshalPid{Err: err}
	}
	if pid <= 0 {
		return telemetry.NoPid{}
	}

	target := int(pid)
	if pgid, err := unix.Getpgid(target); err == nil && pgid == target {
		target = -pgid
	}

	if err := unix.Kill(target, sig); err != nil {
		var errno unix.Errno
		if !errors.As(err, &errno) {
			errno = unix.EINVAL
		}
		return telemetry.SignalError{Errno: errno}
	}
	return nil
}

// marshalPID narrows a pid to the 32-bit value the kill syscall takes.
func marshalPID(pid int) (int32, error) {
	if pid > math.MaxInt32 || pid < math.MinInt32 {
		return 0, fmt.Errorf("pid %d out of range", pid)
	}
	return int32(pid), nil
}
