// Package transporttest provides a recording Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// Fake records every call made on it. With AutoConfirm set, Connect,
// Register, SetMuted and SetHeld report their outcome back through the
// notifier the way a real stack eventually would.
type Fake struct {
	mu sync.Mutex

	Caps        transport.Capabilities
	AutoConfirm bool
	// Errs maps a method name to the error it should return.
	Errs map[string]error

	notifier    transport.Notifier
	calls       []string
	refs        int
	active      transport.CallRef
	sink        media.Sink
	credentials []string
	closed      bool
}

var _ transport.Transport = (*Fake)(nil)

// New creates a fake with hold and renewal support.
func New() *Fake {
	return &Fake{
		Caps:        transport.Capabilities{Hold: true, CredentialRenewal: true},
		AutoConfirm: true,
		Errs:        make(map[string]error),
	}
}

// SetErr makes method return err from now on.
func (f *Fake) SetErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errs[method] = err
}

// SetCaps changes the reported capabilities.
func (f *Fake) SetCaps(c transport.Capabilities) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Caps = c
}

// Calls returns the recorded calls as "Method(args)".
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, method+"(") {
			n++
		}
	}
	return n
}

// Credentials returns every credential passed to RenewCredential.
func (f *Fake) Credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.credentials...)
}

// Sink returns the attached media sink.
func (f *Fake) Sink() media.Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

// Closed reports whether Close ran.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Emit delivers n to the notifier passed to Connect.
func (f *Fake) Emit(n transport.Notification) {
	f.mu.Lock()
	nt := f.notifier
	f.mu.Unlock()
	if nt != nil {
		nt.Notify(n)
	}
}

func (f *Fake) record(method string, args ...any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	f.calls = append(f.calls, method+"("+strings.Join(parts, ",")+")")
	return f.AutoConfirm, f.Errs[method]
}

func (f *Fake) Connect(ctx context.Context, n transport.Notifier) error {
	f.mu.Lock()
	f.notifier = n
	f.mu.Unlock()
	auto, err := f.record("Connect")
	if err == nil && auto {
		f.Emit(transport.Notification{Kind: transport.NoteConnected})
	}
	return err
}

func (f *Fake) Register(ctx context.Context) error {
	auto, err := f.record("Register")
	if err == nil && auto {
		f.Emit(transport.Notification{Kind: transport.NoteRegistered})
	}
	return err
}

func (f *Fake) Unregister(ctx context.Context) error {
	auto, err := f.record("Unregister")
	if err == nil && auto {
		f.Emit(transport.Notification{Kind: transport.NoteUnregistered})
	}
	return err
}

func (f *Fake) PlaceCall(ctx context.Context, destination string) (transport.CallRef, error) {
	_, err := f.record("PlaceCall", destination)
	if err != nil {
		return "", err
	}
	if destination == "" {
		return "", &transport.CallSetupError{Reason: transport.ReasonError, Err: errors.New("empty destination")}
	}
	f.mu.Lock()
	f.refs++
	ref := transport.CallRef(fmt.Sprintf("call-%d", f.refs))
	f.active = ref
	f.mu.Unlock()
	return ref, nil
}

func (f *Fake) AcceptIncoming(ctx context.Context, ref transport.CallRef) error {
	_, err := f.record("AcceptIncoming", ref)
	if err == nil {
		f.mu.Lock()
		f.active = ref
		f.mu.Unlock()
	}
	return err
}

func (f *Fake) RejectIncoming(ctx context.Context, ref transport.CallRef) error {
	_, err := f.record("RejectIncoming", ref)
	return err
}

func (f *Fake) TerminateActive(ctx context.Context) error {
	_, err := f.record("TerminateActive")
	return err
}

// ActiveRef returns the ref of the last placed or accepted call.
func (f *Fake) ActiveRef() transport.CallRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *Fake) SetMuted(ctx context.Context, muted bool) error {
	auto, err := f.record("SetMuted", muted)
	if err == nil && auto {
		f.Emit(transport.Notification{Kind: transport.NoteMuteChanged, Ref: f.ActiveRef(), Flag: muted})
	}
	return err
}

func (f *Fake) SetHeld(ctx context.Context, held bool) error {
	auto, err := f.record("SetHeld", held)
	if err == nil && auto {
		f.Emit(transport.Notification{Kind: transport.NoteHoldChanged, Ref: f.ActiveRef(), Flag: held})
	}
	return err
}

func (f *Fake) SendTone(ctx context.Context, digit string) error {
	_, err := f.record("SendTone", digit)
	return err
}

func (f *Fake) AttachMedia(sink media.Sink) {
	f.record("AttachMedia")
	f.mu.Lock()
	f.sink = sink
	f.mu.Unlock()
}

func (f *Fake) RenewCredential(ctx context.Context, credential string) error {
	_, err := f.record("RenewCredential")
	if err == nil {
		f.mu.Lock()
		f.credentials = append(f.credentials, credential)
		f.mu.Unlock()
	}
	return err
}

func (f *Fake) Capabilities() transport.Capabilities {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Caps
}

func (f *Fake) Close() error {
	f.record("Close")
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}
