package service

import "slices"

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// allowedTransitions lists every legal edge of the state machine.
var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateDegraded, StateConnecting, StateDisconnected},
	StateDegraded:     {StateConnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	return slices.Contains(allowedTransitions[from], to)
}
