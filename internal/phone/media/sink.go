// Package media carries a call's audio: RTP send/receive, G.711 transcoding,
// RFC 4733 DTMF and the single remote-audio sink.
package media

import (
	"io"
	"sync"
)

// Sink is the addressable audio output remote audio is played into. It
// receives 16-bit little-endian mono PCM at 8 kHz.
type Sink interface {
	io.Writer
}

// Slot owns the one remote-audio attachment of a controller. A new
// attachment replaces the previous one; writes through a replaced or
// detached attachment are dropped.
type Slot struct {
	mu     sync.Mutex
	sink   Sink
	gen    uint64
	active bool
}

// NewSlot creates a slot writing into sink. A nil sink discards audio.
func NewSlot(sink Sink) *Slot {
	return &Slot{sink: sink}
}

// SetSink swaps the output device without touching the current attachment.
func (s *Slot) SetSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// Attach binds a remote stream to the sink, replacing any previous binding.
func (s *Slot) Attach() *Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.active = true
	return &Attachment{slot: s, gen: s.gen}
}

// Attached reports whether a stream is currently bound.
func (s *Slot) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Generation returns the number of attachments made so far.
func (s *Slot) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Attachment is one binding of a remote stream to a Slot.
type Attachment struct {
	slot *Slot
	gen  uint64
}

// Write forwards PCM to the sink while this attachment is current.
func (a *Attachment) Write(p []byte) (int, error) {
	a.slot.mu.Lock()
	sink := a.slot.sink
	current := a.slot.active && a.slot.gen == a.gen
	a.slot.mu.Unlock()

	if !current || sink == nil {
		return len(p), nil
	}
	return sink.Write(p)
}

// Current reports whether this attachment has not been replaced or detached.
func (a *Attachment) Current() bool {
	a.slot.mu.Lock()
	defer a.slot.mu.Unlock()
	return a.slot.active && a.slot.gen == a.gen
}

// Detach releases the binding if it is still current.
func (a *Attachment) Detach() {
	a.slot.mu.Lock()
	defer a.slot.mu.Unlock()
	if a.slot.gen == a.gen {
		a.slot.active = false
	}
}
