// Package transport defines the capability every telephony transport binding
// implements, the raw notifications a binding reports back, and the
// destination normalization shared by all bindings.
package transport

import (
	"context"

	"github.com/sebas/crmphone/internal/phone/media"
)

// Kind selects a concrete transport binding.
type Kind string

const (
	KindSIP      Kind = "sip"
	KindVoiceSDK Kind = "voicesdk"
)

// CallRef is the opaque handle a transport assigns to a call attempt.
type CallRef string

// Capabilities reports what the active binding supports natively.
type Capabilities struct {
	// Hold is true when the transport signals hold to the remote party
	// (re-INVITE with a=sendonly). Bindings without it never fake hold.
	Hold bool
	// CredentialRenewal is true when the binding raises
	// NoteCredentialExpiringSoon and accepts RenewCredential mid-session.
	CredentialRenewal bool
}

// Notifier receives transport notifications. Implementations must not block;
// the controller enqueues them onto its event loop.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Transport is the uniform capability over a real-time telephony stack.
//
// Connect and PlaceCall are asynchronous: completion is reported through the
// Notifier, not the return value. SetMuted, SetHeld and SendTone are no-ops
// unless a call is connected.
type Transport interface {
	Connect(ctx context.Context, n Notifier) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error

	PlaceCall(ctx context.Context, destination string) (CallRef, error)
	AcceptIncoming(ctx context.Context, ref CallRef) error
	RejectIncoming(ctx context.Context, ref CallRef) error
	TerminateActive(ctx context.Context) error

	SetMuted(ctx context.Context, muted bool) error
	SetHeld(ctx context.Context, held bool) error
	SendTone(ctx context.Context, digit string) error

	// AttachMedia installs the remote-audio sink. Attaching again replaces
	// the previous sink.
	AttachMedia(sink media.Sink)

	RenewCredential(ctx context.Context, credential string) error
	Capabilities() Capabilities

	Close() error
}
