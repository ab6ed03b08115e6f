package voice

// State is the lifecycle position of a Client's voice session.
type State int

const (
	StateIdle State = iota
	StateRequestingPermission
	StateConnecting
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingPermission:
		return "requesting_permission"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether a session occupies the client.
func (s State) Active() bool {
	return s != StateIdle && s != StateStopped
}

type Event int

const (
	EventStart Event = iota
	EventPermissionGranted
	EventPermissionDenied
	EventConnected
	// EventConnectFailed ends the session without a retry: the first dial
	// failed or the gateway rejected the credential.
	EventConnectFailed
	EventConnectionLost
	EventRetry
	EventRetriesExhausted
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPermissionGranted:
		return "permission_granted"
	case EventPermissionDenied:
		return "permission_denied"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect_failed"
	case EventConnectionLost:
		return "connection_lost"
	case EventRetry:
		return "retry"
	case EventRetriesExhausted:
		return "retries_exhausted"
	case EventStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Next returns the state after ev. ok is false when ev is not valid in
// state, in which case state is returned unchanged. A stopped client may
// start a fresh session.
func Next(state State, ev Event) (next State, ok bool) {
	if ev == EventStop {
		if state == StateStopped {
			return state, false
		}
		return StateStopped, true
	}

	switch state {
	case StateIdle, StateStopped:
		if ev == EventStart {
			return StateRequestingPermission, true
		}
	case StateRequestingPermission:
		switch ev {
		case EventPermissionGranted:
			return StateConnecting, true
		case EventPermissionDenied:
			return StateStopped, true
		}
	case StateConnecting:
		switch ev {
		case EventConnected:
			return StateStreaming, true
		case EventConnectionLost:
			return StateReconnecting, true
		case EventConnectFailed:
			return StateStopped, true
		}
	case StateStreaming:
		if ev == EventConnectionLost {
			return StateReconnecting, true
		}
	case StateReconnecting:
		switch ev {
		case EventRetry:
			return StateConnecting, true
		case EventRetriesExhausted:
			return StateStopped, true
		}
	}
	return state, false
}
