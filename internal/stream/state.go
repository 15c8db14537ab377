package stream

import "time"

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// transitions lists the legal next states. Closed is terminal.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateClosed},
	StateConnected:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnected, StateReconnecting, StateClosed},
	StateClosed:       nil,
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConnectionStatus is the connectivity indicator exposed to consumers.
type ConnectionStatus struct {
	State          State     `json:"state"`
	RetryCount     int       `json:"retry_count"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}
