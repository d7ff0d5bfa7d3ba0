// Package supervisor runs a command on a schedule or as a long-lived
// stream, turns its output into records and reports what happened.
package supervisor

// State represents the current state of a supervised command.
type State int

const (
	// StateCreated is the initial state before the first run.
	StateCreated State = iota

	// StateStarting indicates the child process is being spawned.
	StateStarting

	// StateRunning indicates the child process is running.
	StateRunning

	// StateWaiting indicates the supervisor is waiting for the next
	// scheduled tick or a respawn delay.
	StateWaiting

	// StateStopped indicates the supervisor has exited.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while a child is starting or running.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateRunning
}

// IsTerminal returns true if the state is a terminal state (stopped).
func (s State) IsTerminal() bool {
	return s == StateStopped
}
