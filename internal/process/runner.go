// Package process describes the external command an exec source runs.
package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrEmptyCommand is returned when a Spec has no program to run.
var ErrEmptyCommand = errors.New("command is empty")

// Runner creates executable commands.
// This interface allows the supervisor to be process-agnostic.
type Runner interface {
	// BuildCommand returns a ready-to-start command.
	// The command should NOT be started yet.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns the command line used to label telemetry.
	Name() string
}

// Spec is a command line plus the environment it runs in.
type Spec struct {
	// Path is the program to run. Resolved against PATH when it has no
	// separator.
	Path string

	// Args are the arguments after the program name.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds extra KEY=VALUE entries.
	Env []string

	// ClearEnv starts the child with only Env instead of inheriting the
	// parent environment.
	ClearEnv bool
}

// NewSpec builds a Spec from an argv slice.
func NewSpec(argv []string) *Spec {
	if len(argv) == 0 {
		return &Spec{}
	}
	return &Spec{
		Path: argv[0],
		Args: append([]string(nil), argv[1:]...),
	}
}

// Name returns the command line joined with spaces.
func (s *Spec) Name() string {
	return s.String()
}

// String returns the command line joined with spaces.
func (s *Spec) String() string {
	return strings.Join(s.Argv(), " ")
}

// Argv returns the program followed by its arguments.
func (s *Spec) Argv() []string {
	if s.Path == "" {
		return nil
	}
	return append([]string{s.Path}, s.Args...)
}

// Program returns the base name of the program, used in short displays.
func (s *Spec) Program() string {
	return filepath.Base(s.Path)
}

// BuildCommand creates an exec.Cmd for the spec. The context is only used
// for lookup cancellation; the caller owns termination of the child so
// that signal delivery failures can be observed.
func (s *Spec) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	if s.Path == "" {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Dir = s.Dir
	cmd.Env = s.environ()
	return cmd, nil
}

// environ returns the child environment. Entries in Env override
// inherited ones with the same key.
func (s *Spec) environ() []string {
	var base []string
	if !s.ClearEnv {
		base = os.Environ()
	}

	env := make([]string, 0, len(base)+len(s.Env))
	overridden := make(map[string]bool, len(s.Env))
	for _, kv := range s.Env {
		overridden[envKey(kv)] = true
	}
	for _, kv := range base {
		if !overridden[envKey(kv)] {
			env = append(env, kv)
		}
	}
	return append(env, s.Env...)
}

func envKey(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

// Ensure Spec implements Runner.
var _ Runner = (*Spec)(nil)
