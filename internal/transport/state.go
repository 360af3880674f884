package transport

import "time"

// State is the connection lifecycle of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
	// Unavailable is terminal until the caller invokes Connect again.
	Unavailable
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// StateChange is published on every transition. Delay and Attempt are set
// when entering Backoff.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}
