package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// StreamConfig describes one call's negotiated media leg.
type StreamConfig struct {
	Conn            net.PacketConn
	Remote          net.Addr
	Codec           Codec
	DTMFPayloadType uint8
	// Source supplies local 16-bit PCM (microphone). Nil sends silence.
	Source io.Reader
}

// Stream is a bidirectional RTP media session. Outgoing audio is paced by
// the codec frame clock; incoming audio is decoded into the current
// attachment.
type Stream struct {
	conn   net.PacketConn
	codec  Codec
	dtmfPT uint8
	source io.Reader

	mu        sync.Mutex
	remote    net.Addr
	out       *Attachment
	ssrc      uint32
	seq       uint16
	timestamp uint32
	closed    bool

	muted   atomic.Bool
	held    atomic.Bool
	inTone  atomic.Bool
	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStream creates a stream. Call Start to begin moving audio.
func NewStream(cfg StreamConfig) *Stream {
	pt := cfg.DTMFPayloadType
	if pt == 0 {
		pt = DTMFPayloadType
	}
	return &Stream{
		conn:      cfg.Conn,
		remote:    cfg.Remote,
		codec:     cfg.Codec,
		dtmfPT:    pt,
		source:    cfg.Source,
		ssrc:      randomUint32(),
		seq:       randomUint16(),
		timestamp: randomUint32(),
	}
}

// Attach directs decoded remote audio into out, replacing the previous output.
func (s *Stream) Attach(out *Attachment) {
	s.mu.Lock()
	prev := s.out
	s.out = out
	s.mu.Unlock()
	if prev != nil && prev != out {
		prev.Detach()
	}
}

// SetRemote updates the remote RTP address after a re-offer.
func (s *Stream) SetRemote(addr net.Addr) {
	s.mu.Lock()
	s.remote = addr
	s.mu.Unlock()
}

// SetMuted stops sending the local source; silence is sent instead.
func (s *Stream) SetMuted(muted bool) { s.muted.Store(muted) }

// SetHeld stops playing remote audio and sending local audio.
func (s *Stream) SetHeld(held bool) { s.held.Store(held) }

// Muted reports the local mute state.
func (s *Stream) Muted() bool { return s.muted.Load() }

// Start launches the receive and send loops. Calling it twice is a no-op.
func (s *Stream) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.receiveLoop(ctx)
	go s.sendLoop(ctx)
}

func (s *Stream) receiveLoop(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			slog.Debug("[Media] RTP read failed", "error", err)
			continue
		}
		s.handlePacket(buf[:n])
	}
}

func (s *Stream) handlePacket(data []byte) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		slog.Debug("[Media] Dropping malformed RTP", "error", err)
		return
	}
	if pkt.PayloadType == s.dtmfPT || s.held.Load() {
		return
	}
	codec, ok := CodecByPayloadType(pkt.PayloadType)
	if !ok {
		return
	}
	pcm, err := codec.Decode(pkt.Payload)
	if err != nil {
		return
	}

	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out != nil {
		_, _ = out.Write(pcm)
	}
}

func (s *Stream) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.codec.FrameDur)
	defer ticker.Stop()

	frame := make([]byte, s.codec.SamplesPerFrame()*2)
	silence := s.codec.Silence()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.inTone.Load() {
			continue
		}

		payload := silence
		if s.source != nil && !s.muted.Load() && !s.held.Load() {
			if _, err := io.ReadFull(s.source, frame); err == nil {
				if enc, err := s.codec.Encode(frame); err == nil {
					payload = enc
				}
			}
		}
		if err := s.writeFrame(payload); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Debug("[Media] RTP write failed", "error", err)
		}
	}
}

func (s *Stream) writeFrame(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	if err := s.send(pkt); err != nil {
		return err
	}
	s.seq++
	s.timestamp += s.codec.TimestampIncrement()
	return nil
}

// WriteRTP sends a packet on this stream's SSRC and sequence space.
func (s *Stream) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	pkt.SSRC = s.ssrc
	pkt.SequenceNumber = s.seq
	if err := s.send(pkt); err != nil {
		return err
	}
	s.seq++
	return nil
}

// send must be called with s.mu held.
func (s *Stream) send(pkt *rtp.Packet) error {
	if s.remote == nil {
		return nil
	}
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(data, s.remote)
	return err
}

// Timestamp returns the current position of the outgoing RTP clock.
func (s *Stream) Timestamp() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// SendDigit sends one RFC 4733 tone, pausing outgoing audio meanwhile.
func (s *Stream) SendDigit(digit rune, duration time.Duration) error {
	s.inTone.Store(true)
	defer s.inTone.Store(false)
	return NewDTMFWriter(s, s.dtmfPT).SendDigit(digit, duration)
}

// Close stops both loops, releases the attachment and closes the socket.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	out := s.out
	s.out = nil
	s.mu.Unlock()

	if out != nil {
		out.Detach()
	}
	if s.cancel != nil {
		s.cancel()
	}
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

var _ PacketWriter = (*Stream)(nil)
