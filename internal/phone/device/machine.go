package device

import (
	"context"
	"log/slog"

	"github.com/sebas/crmphone/internal/phone/events"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// Machine owns the RegistrationStatus. It only reflects what the transport
// reports; reconnection is the transport's business. Not safe for
// concurrent use: the controller drives it from its event loop.
type Machine struct {
	status Status
	pub    events.Publisher
}

// NewMachine creates a machine in the disconnected status.
func NewMachine(pub events.Publisher) *Machine {
	return &Machine{status: StatusDisconnected, pub: pub}
}

// Status returns the current RegistrationStatus.
func (m *Machine) Status() Status {
	return m.status
}

// BeginConnect records that a connect attempt is under way. It emits no
// event: connecting is a local decision, not a transport report.
func (m *Machine) BeginConnect() {
	if m.status == StatusDisconnected {
		m.status = StatusConnecting
	}
}

// Handle applies a lifecycle notification and reports whether it was one.
func (m *Machine) Handle(n transport.Notification) bool {
	switch n.Kind {
	case transport.NoteConnected:
		m.transition(StatusConnectedUnregistered, events.New(events.Connected))
	case transport.NoteDisconnected:
		m.transition(StatusDisconnected, events.New(events.Disconnected).WithReason(n.Reason))
	case transport.NoteRegistered:
		m.transition(StatusRegistered, events.New(events.Registered))
	case transport.NoteUnregistered:
		m.transition(StatusConnectedUnregistered, events.New(events.Unregistered))
	case transport.NoteRegistrationFailed:
		// Status is left alone; a dead connection arrives as NoteDisconnected.
		slog.Warn("[Device] Registration failed", "status", m.status, "reason", n.Reason)
		m.emit(events.New(events.RegistrationFailed).WithReason(n.Reason))
	default:
		return false
	}
	return true
}

func (m *Machine) transition(next Status, e events.Event) {
	if m.status == next {
		return
	}
	if !m.status.CanTransitionTo(next) {
		slog.Warn("[Device] Ignoring invalid status transition", "from", m.status, "to", next)
		return
	}
	slog.Info("[Device] Status changed", "from", m.status, "to", next)
	m.status = next
	m.emit(e)
}

func (m *Machine) emit(e events.Event) {
	if m.pub == nil {
		return
	}
	if err := m.pub.Publish(context.Background(), e); err != nil {
		slog.Warn("[Device] Publish failed", "kind", e.Kind, "error", err)
	}
}
