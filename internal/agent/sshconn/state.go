package sshconn

import "fmt"

// State is a supervisor's position in the forward lifecycle.
type State int

const (
	// StateRequested is the initial state before the first attempt.
	StateRequested State = iota
	// StateConnecting covers an in-flight ssh connect attempt.
	StateConnecting
	// StateConnected means the ssh session is up; a check runs periodically.
	StateConnected
	// StateChecking covers an in-flight control-socket check.
	StateChecking
	// StateDisconnecting covers cooperative teardown.
	StateDisconnecting
	// StateDisconnected is terminal.
	StateDisconnected
	// StateFailed is a backoff pause after a failed connect or check.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateChecking:
		return "checking"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StateChange is one supervisor transition, tagged with the forward id so
// changes from many supervisors can share a channel.
type StateChange struct {
	ID    string
	State State
}
