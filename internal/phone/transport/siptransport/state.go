package siptransport

import "fmt"

// dialogState is the lifecycle of one SIP dialog as seen by this user agent.
type dialogState int

const (
	// stateCalling: our INVITE is out, nothing heard yet.
	stateCalling dialogState = iota
	// stateOffered: an INVITE arrived and 180 was sent.
	stateOffered
	// stateEarly: a provisional response came back.
	stateEarly
	// stateConfirmed: 2xx exchanged and ACKed.
	stateConfirmed
	// stateTerminating: BYE or CANCEL sent.
	stateTerminating
	stateTerminated
)

func (s dialogState) String() string {
	switch s {
	case stateCalling:
		return "Calling"
	case stateOffered:
		return "Offered"
	case stateEarly:
		return "Early"
	case stateConfirmed:
		return "Confirmed"
	case stateTerminating:
		return "Terminating"
	case stateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var dialogTransitions = map[dialogState][]dialogState{
	stateCalling:     {stateEarly, stateConfirmed, stateTerminating, stateTerminated},
	stateOffered:     {stateConfirmed, stateTerminated},
	stateEarly:       {stateEarly, stateConfirmed, stateTerminating, stateTerminated},
	stateConfirmed:   {stateTerminating, stateTerminated},
	stateTerminating: {stateTerminated},
	stateTerminated:  {},
}

func (s dialogState) canTransitionTo(next dialogState) bool {
	for _, st := range dialogTransitions[s] {
		if st == next {
			return true
		}
	}
	return false
}

// ringing reports whether the dialog has not been answered yet.
func (s dialogState) ringing() bool {
	return s == stateCalling || s == stateOffered || s == stateEarly
}
