// Package connection owns the provider socket lifecycle: the epoch guard
// that retires superseded attempts, the socket state machine with its
// handshake and backoff rules, and the orchestration that wires a live
// socket to transcription, barge-in, and playback.
package connection

// SessionState is the provider socket state.
type SessionState int

const (
	StateIdle SessionState = iota
	StateAuthenticating
	StateOpening
	StateAwaitingHandshakeAck
	StateActive
	StateClosing
	StateClosed
)

// String returns a human-readable state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthenticating:
		return "authenticating"
	case StateOpening:
		return "opening"
	case StateAwaitingHandshakeAck:
		return "awaiting_handshake_ack"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConversationState is the caller-facing session state.
type ConversationState int

const (
	ConversationIdle ConversationState = iota
	ConversationConnecting
	ConversationConnected
	ConversationDisconnecting
	ConversationDisconnected
)

// String returns a human-readable state.
func (s ConversationState) String() string {
	switch s {
	case ConversationIdle:
		return "idle"
	case ConversationConnecting:
		return "connecting"
	case ConversationConnected:
		return "connected"
	case ConversationDisconnecting:
		return "disconnecting"
	case ConversationDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
