package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a client session.
type State int

const (
	// Disconnected is the initial state and the state after Close.
	Disconnected State = iota
	// Connecting covers the first connection attempt and its retries.
	Connecting
	Connected
	// Reconnecting covers retries after an established connection was lost.
	Reconnecting
	// Failed is terminal: the reconnection bound was exhausted.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session errors. Use errors.Is() to check for these errors in calling code.
var (
	// ErrSessionFailed is returned by every operation on a session whose
	// reconnection bound is exhausted. The session cannot recover.
	ErrSessionFailed = errors.New("session failed")

	// ErrTimeout is returned when an operation exceeds the command timeout.
	// The session itself stays usable.
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)
