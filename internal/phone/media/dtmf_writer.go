package media

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// clock is implemented by writers that own an RTP timeline, so tones land
// on the same timestamp base as the audio they interrupt.
type clock interface {
	Timestamp() uint32
}

// DTMFWriter sends digits as RFC 4733 telephone-event packets.
type DTMFWriter struct {
	writer      PacketWriter
	payloadType uint8
	sampleRate  uint32
	sleep       func(time.Duration)
}

// NewDTMFWriter creates a writer sending events through w.
func NewDTMFWriter(w PacketWriter, payloadType uint8) *DTMFWriter {
	return &DTMFWriter{
		writer:      w,
		payloadType: payloadType,
		sampleRate:  DTMFSampleRate,
		sleep:       time.Sleep,
	}
}

// SendDigit sends one digit lasting duration (at least 50ms).
//
// Intermediate packets repeat every 20ms with a growing duration and a
// constant timestamp; the end of the event is sent three times.
func (d *DTMFWriter) SendDigit(digit rune, duration time.Duration) error {
	event, ok := RuneToEvent(digit)
	if !ok {
		return fmt.Errorf("invalid DTMF digit: %c", digit)
	}

	samples := uint16(duration.Seconds() * float64(d.sampleRate))
	if samples < MinDTMFDuration {
		samples = MinDTMFDuration
	}
	const step = uint16(160)

	ts := randomUint32()
	if c, ok := d.writer.(clock); ok {
		ts = c.Timestamp()
	}

	first := true
	for elapsed := step; elapsed < samples; elapsed += step {
		pkt := d.packet(ts, first, DTMFEvent{Event: event, Volume: DefaultDTMFVolume, Duration: elapsed})
		if err := d.writer.WriteRTP(pkt); err != nil {
			return fmt.Errorf("send DTMF packet: %w", err)
		}
		first = false
		d.sleep(20 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		pkt := d.packet(ts, first, DTMFEvent{Event: event, EndOfEvent: true, Volume: DefaultDTMFVolume, Duration: samples})
		if err := d.writer.WriteRTP(pkt); err != nil {
			return fmt.Errorf("send DTMF end packet: %w", err)
		}
		first = false
		if i < 2 {
			d.sleep(5 * time.Millisecond)
		}
	}
	return nil
}

func (d *DTMFWriter) packet(ts uint32, marker bool, evt DTMFEvent) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			Marker:      marker,
			PayloadType: d.payloadType,
			Timestamp:   ts,
		},
		Payload: evt.Encode(),
	}
}
