package gate

import "time"

// State is the gate's view of its session.
type State int

const (
	StateConnecting State = iota + 1
	StateConnected
	// StateSuspended means the transport is down while the session may still
	// be alive store-side.
	StateSuspended
	// StateExpired means the session ended store-side; its ephemeral nodes
	// are gone. The gate establishes a fresh session afterwards.
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateExpired:
		return "EXPIRED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is a snapshot of the current session.
type Session struct {
	ID            int64
	State         State
	LastConnected time.Time
}
