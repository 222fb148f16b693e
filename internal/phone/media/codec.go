package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec is an immutable audio codec description.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	FrameDur    time.Duration
}

var (
	CodecPCMU           = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}
	CodecPCMA           = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}
	CodecTelephoneEvent = Codec{"telephone-event", 101, 8000, 20 * time.Millisecond}
)

// OfferedCodecs is the audio codec preference order used in SDP offers.
var OfferedCodecs = []Codec{CodecPCMU, CodecPCMA}

// SamplesPerFrame returns samples per frame (160 for 8kHz/20ms).
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.FrameDur) / int(time.Second)
}

// TimestampIncrement is the RTP timestamp step per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Rtpmap returns the SDP rtpmap value, e.g. "0 PCMU/8000".
func (c Codec) Rtpmap() string {
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.SampleRate)
}

// CodecByPayloadType resolves a static or negotiated payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range []Codec{CodecPCMU, CodecPCMA, CodecTelephoneEvent} {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// CodecByFormat resolves an SDP m= line format string.
func CodecByFormat(format string) (Codec, bool) {
	pt, err := strconv.Atoi(format)
	if err != nil || pt < 0 || pt > 127 {
		return Codec{}, false
	}
	return CodecByPayloadType(uint8(pt))
}

// Decode converts a G.711 payload to 16-bit PCM.
func (c Codec) Decode(payload []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.DecodeUlaw(payload), nil
	case CodecPCMA.PayloadType:
		return g711.DecodeAlaw(payload), nil
	}
	return nil, fmt.Errorf("codec %s cannot be decoded", c.Name)
}

// Encode converts 16-bit PCM to a G.711 payload.
func (c Codec) Encode(pcm []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return g711.EncodeUlaw(pcm), nil
	case CodecPCMA.PayloadType:
		return g711.EncodeAlaw(pcm), nil
	}
	return nil, fmt.Errorf("codec %s cannot be encoded", c.Name)
}

// Silence returns one encoded frame of silence.
func (c Codec) Silence() []byte {
	frame, err := c.Encode(make([]byte, c.SamplesPerFrame()*2))
	if err != nil {
		return nil
	}
	return frame
}
