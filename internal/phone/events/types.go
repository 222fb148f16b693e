// Package events is the in-process publish/subscribe bus the controller uses
// to notify the UI, the call timer and the CRM logger.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/crmphone/internal/phone/call"
)

// Kind is the closed set of domain events.
type Kind int

const (
	Connected Kind = iota
	Disconnected
	Registered
	Unregistered
	RegistrationFailed
	IncomingCall
	Ringing
	CallAccepted
	CallEnded
	CallFailed
	MuteChanged
	HoldChanged
	CredentialRenewed
	CredentialRenewalFailed

	kindCount
)

var kindNames = [kindCount]string{
	Connected:               "connected",
	Disconnected:            "disconnected",
	Registered:              "registered",
	Unregistered:            "unregistered",
	RegistrationFailed:      "registrationFailed",
	IncomingCall:            "incomingCall",
	Ringing:                 "ringing",
	CallAccepted:            "callAccepted",
	CallEnded:               "callEnded",
	CallFailed:              "callFailed",
	MuteChanged:             "muteChanged",
	HoldChanged:             "holdChanged",
	CredentialRenewed:       "credentialRenewed",
	CredentialRenewalFailed: "credentialRenewalFailed",
}

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText renders the event name used on the wire.
func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || k >= kindCount {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(kindNames[k]), nil
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// AllKinds lists every kind in declaration order.
func AllKinds() []Kind {
	out := make([]Kind, 0, kindCount)
	for k := Kind(0); k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// IsTerminal reports whether the kind closes a call session.
func (k Kind) IsTerminal() bool {
	return k == CallEnded || k == CallFailed
}

// Event is one domain event. Session is a detached snapshot for call
// events; Offer is set only on IncomingCall.
type Event struct {
	ID      string        `json:"id"`
	Kind    Kind          `json:"kind"`
	Time    time.Time     `json:"time"`
	Session *call.Session `json:"session,omitempty"`
	Offer   *call.Offer   `json:"-"`
	Reason  string        `json:"reason,omitempty"`
	// Flag carries the confirmed state for MuteChanged and HoldChanged.
	Flag bool `json:"flag,omitempty"`
}

// New creates an event stamped with a fresh id and the current time.
func New(kind Kind) Event {
	return Event{
		ID:   uuid.New().String(),
		Kind: kind,
		Time: time.Now().UTC(),
	}
}

// WithSession attaches a detached copy of s.
func (e Event) WithSession(s call.Session) Event {
	e.Session = &s
	return e
}

// WithReason sets the reason string.
func (e Event) WithReason(reason string) Event {
	e.Reason = reason
	return e
}

// WithFlag sets the boolean payload.
func (e Event) WithFlag(v bool) Event {
	e.Flag = v
	return e
}

// WithOffer attaches the pending offer.
func (e Event) WithOffer(o *call.Offer) Event {
	e.Offer = o
	return e
}

// SessionID returns the id of the session the event belongs to, if any.
func (e Event) SessionID() string {
	if e.Session == nil {
		return ""
	}
	return e.Session.ID
}

// JSON renders the event for the SSE stream and logs.
func (e Event) JSON() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
