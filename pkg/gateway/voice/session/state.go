package session

// State is the server-side lifecycle of one voice connection.
type State int32

const (
	StateAuthenticating State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event drives State transitions.
type Event int

const (
	// EventAuthenticated fires once the gate has verified the credential and
	// the upgrade succeeded.
	EventAuthenticated Event = iota
	EventFrame
	// EventCloseRequested covers a clean client close, a stop message,
	// server shutdown and the session duration limit.
	EventCloseRequested
	EventTransportError
	// EventReleased fires after resources are released.
	EventReleased
)

func (e Event) String() string {
	switch e {
	case EventAuthenticated:
		return "authenticated"
	case EventFrame:
		return "frame"
	case EventCloseRequested:
		return "close_requested"
	case EventTransportError:
		return "transport_error"
	case EventReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Next returns the state reached from s on e. ok is false when e is not
// valid in s, in which case s is returned unchanged.
func Next(s State, e Event) (next State, ok bool) {
	switch s {
	case StateAuthenticating:
		if e == EventAuthenticated {
			return StateOpen, true
		}
	case StateOpen:
		switch e {
		case EventFrame:
			return StateOpen, true
		case EventCloseRequested:
			return StateClosing, true
		case EventTransportError:
			return StateFailed, true
		}
	case StateClosing:
		switch e {
		case EventReleased:
			return StateClosed, true
		case EventTransportError, EventCloseRequested:
			// Errors while closing do not change the outcome.
			return StateClosing, true
		}
	case StateFailed:
		switch e {
		case EventReleased:
			return StateClosed, true
		case EventTransportError, EventCloseRequested:
			return StateFailed, true
		}
	}
	return s, false
}
