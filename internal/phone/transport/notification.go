package transport

import "fmt"

// NoteKind enumerates the raw notifications a transport reports.
type NoteKind int

const (
	NoteConnected NoteKind = iota
	NoteDisconnected
	NoteRegistered
	NoteUnregistered
	NoteRegistrationFailed
	NoteIncoming
	NoteProgress
	NoteAccepted
	NoteConfirmed
	NoteEnded
	NoteFailed
	NoteMuteChanged
	NoteHoldChanged
	NoteCredentialExpiringSoon
)

// String returns the string representation of the kind
func (k NoteKind) String() string {
	switch k {
	case NoteConnected:
		return "Connected"
	case NoteDisconnected:
		return "Disconnected"
	case NoteRegistered:
		return "Registered"
	case NoteUnregistered:
		return "Unregistered"
	case NoteRegistrationFailed:
		return "RegistrationFailed"
	case NoteIncoming:
		return "Incoming"
	case NoteProgress:
		return "Progress"
	case NoteAccepted:
		return "Accepted"
	case NoteConfirmed:
		return "Confirmed"
	case NoteEnded:
		return "Ended"
	case NoteFailed:
		return "Failed"
	case NoteMuteChanged:
		return "MuteChanged"
	case NoteHoldChanged:
		return "HoldChanged"
	case NoteCredentialExpiringSoon:
		return "CredentialExpiringSoon"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Failure reasons reported with NoteFailed.
const (
	ReasonCancelled = "cancelled"
	ReasonRejected  = "rejected"
	ReasonBusy      = "busy"
	ReasonTimeout   = "timeout"
	ReasonError     = "error"
)

// Notification is one raw transport callback.
type Notification struct {
	Kind NoteKind

	// Ref identifies the call for call-scoped kinds.
	Ref CallRef

	// From is the caller identity on NoteIncoming.
	From string

	// Reason accompanies NoteRegistrationFailed, NoteDisconnected and NoteFailed.
	Reason string

	// Flag carries the confirmed value for NoteMuteChanged and NoteHoldChanged.
	Flag bool
}

// IsCallScoped reports whether the notification belongs to a single call.
func (n Notification) IsCallScoped() bool {
	switch n.Kind {
	case NoteIncoming, NoteProgress, NoteAccepted, NoteConfirmed, NoteEnded, NoteFailed,
		NoteMuteChanged, NoteHoldChanged:
		return true
	}
	return false
}
