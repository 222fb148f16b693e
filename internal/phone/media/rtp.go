package media

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pion/rtp"
)

// PacketWriter writes RTP packets to the remote party.
type PacketWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// randomUint32 returns a random value for SSRC and initial timestamp
// selection (RFC 3550 section 5.1).
func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomUint16() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}
