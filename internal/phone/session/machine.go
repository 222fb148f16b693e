package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/crmphone/internal/phone/call"
	"github.com/sebas/crmphone/internal/phone/events"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// OfferBinder returns the answer and reject callbacks for a new Offer. The
// controller binds them to its own command queue.
type OfferBinder func(sessionID string) (answer, reject func(context.Context) error)

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// WithOfferBinder sets how Offer callbacks reach the machine.
func WithOfferBinder(b OfferBinder) Option {
	return func(m *Machine) { m.bindOffer = b }
}

// Machine owns at most one active CallSession. Local commands call the
// transport and raw notifications are folded into session transitions and
// domain events. Not safe for concurrent use: the controller drives it
// from its event loop.
type Machine struct {
	tr        transport.Transport
	pub       events.Publisher
	now       func() time.Time
	newID     func() string
	bindOffer OfferBinder

	state   State
	current *call.Session
	ref     transport.CallRef
	offer   *call.Offer

	// Requested but not yet confirmed flag values.
	pendingMute *bool
	pendingHold *bool
}

// New creates an idle machine.
func New(tr transport.Transport, pub events.Publisher, opts ...Option) *Machine {
	m := &Machine{
		tr:    tr,
		pub:   pub,
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
		state: StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bindOffer == nil {
		m.bindOffer = func(string) (func(context.Context) error, func(context.Context) error) {
			return m.Answer, m.Reject
		}
	}
	return m
}

// State returns the call-level state.
func (m *Machine) State() State {
	return m.state
}

// Current returns a snapshot of the active session.
func (m *Machine) Current() (call.Session, bool) {
	if m.current == nil {
		return call.Session{}, false
	}
	return m.current.Snapshot(), true
}

// Offer returns the pending inbound offer, if any.
func (m *Machine) Offer() *call.Offer {
	if m.state != StateRingingIn {
		return nil
	}
	return m.offer
}

// Ref returns the transport handle of the active call.
func (m *Machine) Ref() transport.CallRef {
	return m.ref
}

// StartOutbound places a call to an already normalized destination. A
// returned session is ringing; setup failures come back as CallSetupError
// after a CallFailed event.
func (m *Machine) StartOutbound(ctx context.Context, destination string) (call.Session, error) {
	if m.state.IsActive() {
		return call.Session{}, transport.ErrCallInProgress
	}

	s := call.NewSession(m.newID(), call.DirectionOutbound, destination, m.now())
	ref, err := m.tr.PlaceCall(ctx, destination)
	if err != nil {
		if errors.Is(err, transport.ErrNotRegistered) {
			return call.Session{}, err
		}
		slog.Error("[Session] Place call failed", "session_id", s.ID, "destination", destination, "error", err)
		reason := transport.ReasonError
		if errors.Is(err, context.Canceled) {
			reason = transport.ReasonCancelled
		}
		_ = s.Finish(call.StatusFailed, reason, m.now())
		snap := s.Snapshot()
		m.emit(events.New(events.CallFailed).WithSession(snap).WithReason(reason))
		return snap, &transport.CallSetupError{Reason: reason, Err: err}
	}

	m.begin(StateRingingOut, s, ref)
	slog.Info("[Session] Outbound call ringing", "session_id", s.ID, "destination", destination, "ref", ref)
	snap := s.Snapshot()
	m.emit(events.New(events.Ringing).WithSession(snap))
	return snap, nil
}

// HandleIncoming creates a ringing inbound session and its Offer. A second
// offer while a call is active is turned away as busy.
func (m *Machine) HandleIncoming(ctx context.Context, n transport.Notification) {
	if m.state.IsActive() {
		slog.Warn("[Session] Rejecting incoming call while busy", "ref", n.Ref, "from", n.From, "state", m.state)
		if err := m.tr.RejectIncoming(ctx, n.Ref); err != nil {
			slog.Warn("[Session] Reject of busy offer failed", "ref", n.Ref, "error", err)
		}
		return
	}

	s := call.NewSession(m.newID(), call.DirectionInbound, n.From, m.now())
	answer, reject := m.bindOffer(s.ID)
	offer := call.NewOffer(s.ID, n.From, string(n.Ref), answer, reject)

	m.begin(StateRingingIn, s, n.Ref)
	m.offer = offer
	slog.Info("[Session] Incoming call", "session_id", s.ID, "from", n.From, "ref", n.Ref)
	m.emit(events.New(events.IncomingCall).WithSession(s.Snapshot()).WithOffer(offer))
}

// Answer accepts the pending inbound call.
func (m *Machine) Answer(ctx context.Context) error {
	if m.state != StateRingingIn {
		return transport.ErrNoIncomingCall
	}
	m.offer.Close()

	if err := m.tr.AcceptIncoming(ctx, m.ref); err != nil {
		slog.Error("[Session] Accept failed", "session_id", m.current.ID, "error", err)
		ref := m.ref
		m.finish(call.StatusFailed, transport.ReasonError)
		return &transport.CallSetupError{Ref: ref, Reason: transport.ReasonError, Err: err}
	}
	m.connect()
	return nil
}

// Reject declines the pending inbound call. The session fails with reason
// rejected even if the transport reports an error.
func (m *Machine) Reject(ctx context.Context) error {
	if m.state != StateRingingIn {
		return transport.ErrNoIncomingCall
	}
	m.offer.Close()

	err := m.tr.RejectIncoming(ctx, m.ref)
	m.finish(call.StatusFailed, transport.ReasonRejected)
	if err != nil {
		return fmt.Errorf("reject incoming: %w", err)
	}
	return nil
}

// Hangup terminates whatever call is active and finalizes the session
// right away. Later transport reports for the old call are ignored. A
// no-op when idle.
func (m *Machine) Hangup(ctx context.Context) error {
	if !m.state.IsActive() {
		return nil
	}
	m.offer.Close()

	err := m.tr.TerminateActive(ctx)
	switch {
	case m.current.EverConnected():
		m.finish(call.StatusEnded, "")
	case m.state == StateRingingIn:
		m.finish(call.StatusFailed, transport.ReasonRejected)
	default:
		m.finish(call.StatusFailed, transport.ReasonCancelled)
	}
	if err != nil {
		return fmt.Errorf("terminate call: %w", err)
	}
	return nil
}

// ToggleMute requests the opposite of the current (or pending) mute state.
// The flag only flips when the transport confirms. Reports whether a
// request was sent.
func (m *Machine) ToggleMute(ctx context.Context) (target bool, sent bool, err error) {
	if m.state != StateConnected {
		return false, false, nil
	}
	target = !m.current.Muted
	if m.pendingMute != nil {
		target = !*m.pendingMute
	}
	if err := m.tr.SetMuted(ctx, target); err != nil {
		return target, false, fmt.Errorf("set muted: %w", err)
	}
	m.pendingMute = &target
	return target, true, nil
}

// ToggleHold is ToggleMute for hold. Transports without hold support
// return ErrHoldUnsupported.
func (m *Machine) ToggleHold(ctx context.Context) (target bool, sent bool, err error) {
	if !m.tr.Capabilities().Hold {
		return false, false, transport.ErrHoldUnsupported
	}
	if m.state != StateConnected {
		return false, false, nil
	}
	target = !m.current.Held
	if m.pendingHold != nil {
		target = !*m.pendingHold
	}
	if err := m.tr.SetHeld(ctx, target); err != nil {
		return target, false, fmt.Errorf("set held: %w", err)
	}
	m.pendingHold = &target
	return target, true, nil
}

// SendDTMF sends one dialpad tone on the connected call. Without a
// connected call it does nothing.
func (m *Machine) SendDTMF(ctx context.Context, digit string) error {
	if m.state != StateConnected {
		return nil
	}
	if !media.IsDialpadTone(digit) {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}
	if err := m.tr.SendTone(ctx, digit); err != nil {
		return fmt.Errorf("send tone: %w", err)
	}
	return nil
}

// Handle folds a call-scoped notification into the session. It reports
// whether the notification was call-scoped.
func (m *Machine) Handle(ctx context.Context, n transport.Notification) bool {
	if !n.IsCallScoped() {
		return false
	}
	if n.Kind == transport.NoteIncoming {
		m.HandleIncoming(ctx, n)
		return true
	}
	if !m.state.IsActive() || n.Ref != m.ref {
		slog.Debug("[Session] Ignoring notification for stale call", "kind", n.Kind, "ref", n.Ref, "active_ref", m.ref)
		return true
	}

	switch n.Kind {
	case transport.NoteProgress:
		slog.Debug("[Session] Call progress", "session_id", m.current.ID)
	case transport.NoteAccepted, transport.NoteConfirmed:
		if m.state == StateRingingOut || m.state == StateRingingIn {
			m.offer.Close()
			m.connect()
		}
	case transport.NoteEnded:
		switch {
		case m.state == StateConnected:
			m.finish(call.StatusEnded, "")
		case m.state == StateRingingIn:
			// The caller gave up before we answered.
			m.finish(call.StatusFailed, transport.ReasonCancelled)
		default:
			m.finish(call.StatusFailed, reasonOr(n.Reason, transport.ReasonError))
		}
	case transport.NoteFailed:
		if m.state == StateConnected {
			// A connected call cannot fail; it ends and keeps the cause.
			m.finish(call.StatusEnded, n.Reason)
		} else {
			m.finish(call.StatusFailed, reasonOr(n.Reason, transport.ReasonError))
		}
	case transport.NoteMuteChanged:
		m.pendingMute = nil
		if m.state == StateConnected && m.current.Muted != n.Flag {
			m.current.Muted = n.Flag
			m.emit(events.New(events.MuteChanged).WithSession(m.current.Snapshot()).WithFlag(n.Flag))
		}
	case transport.NoteHoldChanged:
		m.pendingHold = nil
		if m.state == StateConnected && m.current.Held != n.Flag {
			m.current.Held = n.Flag
			m.emit(events.New(events.HoldChanged).WithSession(m.current.Snapshot()).WithFlag(n.Flag))
		}
	}
	return true
}

// Abort fails or ends the active call without touching the transport. Used
// when the transport itself went away.
func (m *Machine) Abort(reason string) {
	if !m.state.IsActive() {
		return
	}
	m.offer.Close()
	if m.state == StateConnected {
		m.finish(call.StatusEnded, reason)
		return
	}
	m.finish(call.StatusFailed, reason)
}

func (m *Machine) begin(next State, s *call.Session, ref transport.CallRef) {
	m.setState(next)
	m.current = s
	m.ref = ref
	m.pendingMute = nil
	m.pendingHold = nil
}

func (m *Machine) connect() {
	if err := m.current.MarkConnected(m.now()); err != nil {
		slog.Warn("[Session] Connect rejected", "session_id", m.current.ID, "error", err)
		return
	}
	m.setState(StateConnected)
	slog.Info("[Session] Call connected", "session_id", m.current.ID, "direction", m.current.Direction)
	m.emit(events.New(events.CallAccepted).WithSession(m.current.Snapshot()))
}

func (m *Machine) finish(status call.Status, reason string) {
	if err := m.current.Finish(status, reason, m.now()); err != nil {
		slog.Warn("[Session] Finish rejected", "session_id", m.current.ID, "error", err)
		return
	}
	snap := m.current.Snapshot()
	slog.Info("[Session] Call finished",
		"session_id", snap.ID,
		"status", snap.Status,
		"reason", reason,
		"duration", snap.DurationSeconds(),
	)

	m.setState(StateIdle)
	m.current = nil
	m.ref = ""
	m.offer = nil
	m.pendingMute = nil
	m.pendingHold = nil

	kind := events.CallFailed
	if status == call.StatusEnded {
		kind = events.CallEnded
	}
	m.emit(events.New(kind).WithSession(snap).WithReason(reason))
}

func (m *Machine) setState(next State) {
	if !m.state.CanTransitionTo(next) {
		slog.Warn("[Session] Unexpected state transition", "from", m.state, "to", next)
	}
	m.state = next
}

func (m *Machine) emit(e events.Event) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(context.Background(), e); err != nil {
		slog.Warn("[Session] Publish failed", "kind", e.Kind, "error", err)
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
