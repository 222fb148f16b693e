package media

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DTMFEvent represents an RFC 4733 telephone-event payload.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type DTMFEvent struct {
	Event      uint8  // 0-15: 0-9, *, #, A-D
	EndOfEvent bool   // E bit
	Volume     uint8  // 0-63 in -dBm0
	Duration   uint16 // timestamp units
}

const (
	DefaultDTMFVolume   uint8  = 10
	DefaultDTMFDuration uint16 = 1600 // 200ms at 8kHz
	MinDTMFDuration     uint16 = 400  // 50ms
	DTMFPayloadType     uint8  = 101
	DTMFSampleRate      uint32 = 8000
)

// dtmfAlphabet is indexed by RFC 4733 event code.
const dtmfAlphabet = "0123456789*#ABCD"

// RuneToEvent converts a DTMF character to its event code.
func RuneToEvent(r rune) (uint8, bool) {
	i := strings.IndexRune(dtmfAlphabet, toUpper(r))
	if i < 0 {
		return 0, false
	}
	return uint8(i), true
}

// EventToRune converts an event code back to its character.
func EventToRune(event uint8) (rune, bool) {
	if int(event) >= len(dtmfAlphabet) {
		return 0, false
	}
	return rune(dtmfAlphabet[event]), true
}

// IsDialpadTone reports whether s is a single key a phone dialpad can send:
// 0-9, * or #.
func IsDialpadTone(s string) bool {
	if len(s) != 1 {
		return false
	}
	ev, ok := RuneToEvent(rune(s[0]))
	return ok && ev <= 11
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

// Encode serializes the event to the 4-byte payload.
func (e DTMFEvent) Encode() []byte {
	b := make([]byte, 4)
	b[0] = e.Event
	b[1] = e.Volume & 0x3F
	if e.EndOfEvent {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:], e.Duration)
	return b
}

// DecodeDTMFEvent parses a 4-byte telephone-event payload.
func DecodeDTMFEvent(payload []byte) (DTMFEvent, error) {
	if len(payload) < 4 {
		return DTMFEvent{}, fmt.Errorf("DTMF payload too short: %d bytes", len(payload))
	}
	return DTMFEvent{
		Event:      payload[0],
		EndOfEvent: payload[1]&0x80 != 0,
		Volume:     payload[1] & 0x3F,
		Duration:   binary.BigEndian.Uint16(payload[2:]),
	}, nil
}

func (e DTMFEvent) String() string {
	char, ok := EventToRune(e.Event)
	if !ok {
		char = '?'
	}
	end := ""
	if e.EndOfEvent {
		end = " END"
	}
	return fmt.Sprintf("DTMF '%c' vol=%d dur=%d%s", char, e.Volume, e.Duration, end)
}
