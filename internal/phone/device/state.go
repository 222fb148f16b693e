// Package device tracks the transport's connectivity and registration,
// independent of any call.
package device

import "fmt"

// Status is the RegistrationStatus of the transport.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnectedUnregistered
	StatusRegistered
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnectedUnregistered:
		return "connected-unregistered"
	case StatusRegistered:
		return "registered"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// MarshalText renders the status for JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions defines which status changes a transport report may cause.
// Any status may fall back to disconnected.
var validTransitions = map[Status][]Status{
	StatusDisconnected:          {StatusConnecting, StatusConnectedUnregistered},
	StatusConnecting:            {StatusConnectedUnregistered, StatusDisconnected},
	StatusConnectedUnregistered: {StatusRegistered, StatusDisconnected},
	StatusRegistered:            {StatusConnectedUnregistered, StatusDisconnected},
}

// CanTransitionTo checks if moving from s to next is allowed
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsConnected returns true once the transport connection is up.
func (s Status) IsConnected() bool {
	return s == StatusConnectedUnregistered || s == StatusRegistered
}
