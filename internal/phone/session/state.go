// Package session owns the lifecycle of the single active call and derives
// CallSession values from raw transport notifications.
package session

import "fmt"

// State is the call-level state. Mute and hold are flags on connected, not
// states of their own.
type State int

const (
	StateIdle State = iota
	StateRingingOut
	StateRingingIn
	StateConnected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOut:
		return "ringing-out"
	case StateRingingIn:
		return "ringing-in"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions lists allowed moves. Returning to idle is how a session
// ends; the ended/failed distinction lives on the CallSession.
var validTransitions = map[State][]State{
	StateIdle:       {StateRingingOut, StateRingingIn},
	StateRingingOut: {StateConnected, StateIdle},
	StateRingingIn:  {StateConnected, StateIdle},
	StateConnected:  {StateIdle},
}

// CanTransitionTo checks if a transition from s to next is valid
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive returns true while a call occupies the machine.
func (s State) IsActive() bool {
	return s != StateIdle
}
