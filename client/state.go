package client

// State is the connection lifecycle state. Transitions happen only inside
// the reconnection supervisor:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected | Failed
//
// An explicit Disconnect moves to Disconnected from any state.
type State int32

const (
	// StateDisconnected means no session exists and none is being attempted.
	StateDisconnected State = iota

	// StateConnecting means the initial handshake is in flight.
	StateConnecting

	// StateConnected means the session is live and intents transmit directly.
	StateConnected

	// StateReconnecting means the transport dropped unexpectedly and the
	// supervisor is retrying with backoff.
	StateReconnecting

	// StateFailed is terminal: authentication was rejected or the retry
	// budget ran out. Only an explicit Connect leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
