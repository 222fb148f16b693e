// Package call holds the call-level value objects shared by the state
// machines, the event bus and the activity logger.
package call

import (
	"fmt"
	"math"
	"time"
)

// Direction of a call relative to the local user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status of a CallSession.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended"
	StatusFailed    Status = "failed"
)

// IsTerminal returns true for ended and failed.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Session is the CallSession value object. Copies handed out by the state
// machine are detached from it; a terminal copy never changes.
type Session struct {
	ID           string     `json:"id"`
	Direction    Direction  `json:"direction"`
	RemoteNumber string     `json:"remoteNumber"`
	StartTime    time.Time  `json:"startTime"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	// Duration is whole seconds, set only once the session is terminal.
	Duration *int64 `json:"duration,omitempty"`
	Status   Status `json:"status"`

	// FailureReason explains a failed status (cancelled, rejected, busy...).
	FailureReason string `json:"failureReason,omitempty"`
	Muted         bool   `json:"muted"`
	Held          bool   `json:"held"`

	connectedOnce bool
}

// NewSession creates a ringing session started at now.
func NewSession(id string, dir Direction, remote string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Direction:    dir,
		RemoteNumber: remote,
		StartTime:    now,
		Status:       StatusRinging,
	}
}

// MarkConnected moves the session to connected. The first time, StartTime
// is reset to now so the duration measures talk time.
func (s *Session) MarkConnected(now time.Time) error {
	if s.Status != StatusRinging {
		return fmt.Errorf("invalid session transition: %s -> %s", s.Status, StatusConnected)
	}
	s.Status = StatusConnected
	if !s.connectedOnce {
		s.connectedOnce = true
		s.StartTime = now
	}
	return nil
}

// EverConnected reports whether the session reached connected.
func (s *Session) EverConnected() bool {
	return s.connectedOnce
}

// Finish records the terminal status, end time and duration, and clears
// the mute and hold flags.
func (s *Session) Finish(status Status, reason string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %s", status)
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("session %s already %s", s.ID, s.Status)
	}
	if now.Before(s.StartTime) {
		now = s.StartTime
	}
	end := now
	secs := int64(math.Round(end.Sub(s.StartTime).Seconds()))

	s.Status = status
	s.EndTime = &end
	s.Duration = &secs
	s.FailureReason = reason
	s.Muted = false
	s.Held = false
	return nil
}

// Snapshot returns a detached copy.
func (s *Session) Snapshot() Session {
	cp := *s
	if s.EndTime != nil {
		end := *s.EndTime
		cp.EndTime = &end
	}
	if s.Duration != nil {
		d := *s.Duration
		cp.Duration = &d
	}
	return cp
}

// DurationSeconds returns the recorded duration, or 0 while the call is live.
func (s Session) DurationSeconds() int64 {
	if s.Duration == nil {
		return 0
	}
	return *s.Duration
}
