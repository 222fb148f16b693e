package siptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// call is one SIP call leg and its media.
type call struct {
	ref transport.CallRef
	dlg *dialog
	// localTag is our To tag on an inbound dialog.
	localTag string

	mu      sync.Mutex
	conn    net.PacketConn
	offer   mediaOffer
	remote  remoteMedia
	stream  *media.Stream
	held    bool
	stopped bool

	// stopInvite cancels a pending outbound INVITE, which sends CANCEL.
	stopInvite context.CancelFunc
}

func newCall(dlg *dialog, mediaAddr string) (*call, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("allocate RTP port: %w", err)
	}
	port := 0
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		port = ua.Port
	}
	return &call{
		ref:  transport.CallRef(dlg.callID),
		dlg:  dlg,
		conn: conn,
		offer: mediaOffer{
			Addr:      mediaAddr,
			Port:      port,
			SessionID: uint64(time.Now().UnixNano()),
			Version:   1,
		},
	}, nil
}

// startMedia begins RTP towards the negotiated remote endpoint.
func (c *call) startMedia(ctx context.Context, rm remoteMedia, slot *media.Slot, cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.remote = rm
	if c.stream != nil {
		c.stream.SetRemote(rm.UDPAddr())
		return
	}
	c.stream = media.NewStream(media.StreamConfig{
		Conn:            c.conn,
		Remote:          rm.UDPAddr(),
		Codec:           rm.Codec,
		DTMFPayloadType: rm.DTMF,
		Source:          cfg.Source,
	})
	c.stream.Attach(slot.Attach())
	c.stream.Start(ctx)
}

func (c *call) getStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// release stops media and frees the RTP port. Safe to call repeatedly.
func (c *call) release() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	stream, conn, stop := c.stream, c.conn, c.stopInvite
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// localSDP renders our current offer with the given direction.
func (c *call) localSDP(dir Direction, bump bool) ([]byte, error) {
	c.mu.Lock()
	if bump {
		c.offer.Version++
	}
	o := c.offer
	c.mu.Unlock()
	o.Direction = dir
	return buildSDP(o)
}

// PlaceCall sends an INVITE to destination and returns at once. Progress,
// answer and failure arrive as notifications keyed by the Call-ID.
func (a *Adapter) PlaceCall(ctx context.Context, destination string) (transport.CallRef, error) {
	if !a.isRegistered() {
		return "", transport.ErrNotRegistered
	}
	if destination == "" {
		return "", &transport.CallSetupError{Reason: transport.ReasonError, Err: errEmptyDestination}
	}

	target := sip.Uri{Scheme: "sip", User: destination, Host: a.domain}
	invite := a.buildINVITE(target, uuid.New().String(), uuid.New().String()[:8], 1, nil, nil)
	dlg := newOutboundDialog(invite)

	c, err := newCall(dlg, a.mediaAddr)
	if err != nil {
		return "", err
	}
	body, err := c.localSDP(DirSendRecv, false)
	if err != nil {
		c.release()
		return "", fmt.Errorf("build SDP offer: %w", err)
	}
	invite.SetBody(body)

	inviteCtx, stop := context.WithCancel(a.ctx)
	c.stopInvite = stop

	a.mu.Lock()
	a.calls[c.ref] = c
	a.active = c
	a.mu.Unlock()

	slog.Info("[SIP] Placing call", "call_id", c.ref, "target", target.String())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runINVITE(inviteCtx, c, body)
	}()
	return c.ref, nil
}

// buildINVITE builds the initial INVITE. auth is added after a challenge.
func (a *Adapter) buildINVITE(target sip.Uri, callID, tag string, seq uint32, body []byte, auth sip.Header) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", tag)
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: a.cfg.DisplayName,
		Address:     a.aor,
		Params:      fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)
	invite.AppendHeader(&sip.ContactHeader{Address: a.contact})
	invite.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
	if auth != nil {
		invite.AppendHeader(auth)
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	if body != nil {
		invite.SetBody(body)
	}
	return invite
}

// inviteOutcome is how one INVITE transaction ended.
type inviteOutcome int

const (
	outcomeAnswered inviteOutcome = iota
	outcomeFailed
	outcomeChallenged
)

// runINVITE drives the INVITE through digest challenges to a final answer.
func (a *Adapter) runINVITE(ctx context.Context, c *call, body []byte) {
	invite := c.dlg.invite
	for attempt := 0; ; attempt++ {
		outcome, resp := a.executeINVITE(ctx, c, invite)
		if outcome != outcomeChallenged {
			return
		}
		if attempt >= maxAuthAttempts {
			a.failCall(c, transport.ReasonError, fmt.Errorf("authentication rejected: %d", resp.StatusCode))
			return
		}

		a.mu.Lock()
		password := a.password
		a.mu.Unlock()
		auth, err := authorization(invite, resp, a.cfg.Identity, password)
		if err != nil {
			a.failCall(c, transport.ReasonError, err)
			return
		}

		tag, _ := invite.From().Params.Get("tag")
		invite = a.buildINVITE(invite.Recipient, c.dlg.callID, tag, invite.CSeq().SeqNo+1, body, auth)
		c.dlg.setInvite(invite)
	}
}

// executeINVITE sends one INVITE and follows its responses.
func (a *Adapter) executeINVITE(ctx context.Context, c *call, invite *sip.Request) (inviteOutcome, *sip.Response) {
	a.route(invite)
	tx, err := a.client.TransactionRequest(ctx, invite)
	if err != nil {
		a.failCall(c, transport.ReasonError, err)
		return outcomeFailed, nil
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			a.sendCANCEL(c)
			a.failCall(c, transport.ReasonCancelled, ctx.Err())
			return outcomeFailed, nil

		case resp := <-tx.Responses():
			if resp == nil {
				a.failCall(c, transport.ReasonError, errTxTerminated)
				return outcomeFailed, nil
			}
			if outcome, done := a.handleResponse(c, resp); done {
				return outcome, resp
			}

		case <-tx.Done():
			a.failCall(c, transport.ReasonError, errTxTerminated)
			return outcomeFailed, nil
		}
	}
}

// handleResponse processes one response to our INVITE. done is false while
// the transaction is still provisional.
func (a *Adapter) handleResponse(c *call, resp *sip.Response) (inviteOutcome, bool) {
	code := int(resp.StatusCode)
	slog.Debug("[SIP] INVITE response", "call_id", c.ref, "status", code, "reason", resp.Reason)

	switch {
	case code == 100:
		return 0, false

	case code < 200:
		_ = c.dlg.transitionTo(stateEarly)
		if code == 183 && len(resp.Body()) > 0 {
			if rm, err := parseSDP(resp.Body()); err == nil {
				c.startMedia(a.ctx, rm, a.slot, a.cfg)
			}
		}
		a.notify(transport.Notification{Kind: transport.NoteProgress, Ref: c.ref})
		return 0, false

	case code < 300:
		a.handle2xx(c, resp)
		return outcomeAnswered, true

	case isChallenge(resp):
		return outcomeChallenged, true

	default:
		reason := failureReason(code)
		slog.Info("[SIP] Call rejected", "call_id", c.ref, "status", code, "reason", resp.Reason)
		a.failCall(c, reason, fmt.Errorf("%d %s", code, resp.Reason))
		return outcomeFailed, true
	}
}

// handle2xx confirms the dialog, ACKs and starts media.
func (a *Adapter) handle2xx(c *call, resp *sip.Response) {
	c.dlg.confirm(resp)

	ack := c.dlg.buildACK(resp)
	a.route(ack)
	if err := a.client.WriteRequest(ack); err != nil {
		slog.Error("[SIP] Failed to send ACK", "call_id", c.ref, "error", err)
	}

	rm, err := parseSDP(resp.Body())
	if err != nil {
		slog.Warn("[SIP] Unusable SDP answer, hanging up", "call_id", c.ref, "error", err)
		_ = c.dlg.transitionTo(stateConfirmed)
		a.sendBYE(c)
		a.failCall(c, transport.ReasonError, err)
		return
	}
	if err := c.dlg.transitionTo(stateConfirmed); err != nil {
		slog.Debug("[SIP] 2xx after local teardown", "call_id", c.ref, "error", err)
		a.sendBYE(c)
		return
	}
	c.startMedia(a.ctx, rm, a.slot, a.cfg)

	slog.Info("[SIP] Call answered",
		"call_id", c.ref,
		"remote_rtp", rm.UDPAddr().String(),
		"codec", rm.Codec.Name,
	)
	a.notify(transport.Notification{Kind: transport.NoteAccepted, Ref: c.ref})
}

// failCall ends a call that never connected, or ended abnormally.
func (a *Adapter) failCall(c *call, reason string, err error) {
	if c.dlg.getState() == stateTerminated {
		return
	}
	_ = c.dlg.transitionTo(stateTerminated)
	a.forget(c)
	c.release()
	slog.Info("[SIP] Call failed", "call_id", c.ref, "reason", reason, "error", err)
	a.notify(transport.Notification{Kind: transport.NoteFailed, Ref: c.ref, Reason: reason})
}

// endCall ends a connected call after a remote BYE.
func (a *Adapter) endCall(c *call, reason string) {
	if c.dlg.getState() == stateTerminated {
		return
	}
	_ = c.dlg.transitionTo(stateTerminated)
	a.forget(c)
	c.release()
	a.notify(transport.Notification{Kind: transport.NoteEnded, Ref: c.ref, Reason: reason})
}

func (a *Adapter) forget(c *call) {
	a.mu.Lock()
	delete(a.calls, c.ref)
	if a.active == c {
		a.active = nil
	}
	a.mu.Unlock()
}

func (a *Adapter) lookup(ref transport.CallRef) *call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[ref]
}

func (a *Adapter) activeCall() *call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// dropCalls abandons every call after the signaling connection is lost.
func (a *Adapter) dropCalls() {
	a.mu.Lock()
	calls := make([]*call, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	a.mu.Unlock()
	for _, c := range calls {
		a.failCall(c, transport.ReasonError, errors.New("signaling connection lost"))
	}
}

// sendCANCEL cancels our pending INVITE.
func (a *Adapter) sendCANCEL(c *call) {
	if !c.dlg.getState().ringing() {
		return
	}
	_ = c.dlg.transitionTo(stateTerminating)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := a.roundTrip(ctx, c.dlg.buildCANCEL())
	if err != nil {
		slog.Warn("[SIP] CANCEL failed", "call_id", c.ref, "error", err)
		return
	}
	slog.Info("[SIP] CANCEL sent", "call_id", c.ref, "status", resp.StatusCode)
}

// sendBYE ends a confirmed dialog. Errors are logged; the call is gone
// locally either way.
func (a *Adapter) sendBYE(c *call) {
	bye, err := c.dlg.buildBYE(a.contact)
	if err != nil {
		slog.Warn("[SIP] Cannot build BYE", "call_id", c.ref, "error", err)
		return
	}
	_ = c.dlg.transitionTo(stateTerminating)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	resp, err := a.roundTrip(ctx, bye)
	if err != nil {
		slog.Warn("[SIP] BYE failed", "call_id", c.ref, "error", err)
		return
	}
	slog.Info("[SIP] BYE sent", "call_id", c.ref, "status", resp.StatusCode)
}

// TerminateActive hangs up the current call: CANCEL while ringing out,
// 486 while ringing in, BYE once confirmed. Signaling completes in the
// background.
func (a *Adapter) TerminateActive(ctx context.Context) error {
	c := a.activeCall()
	if c == nil {
		return nil
	}

	state := c.dlg.getState()
	switch {
	case state.ringing() && c.dlg.direction == dirOutbound:
		// runINVITE sends CANCEL and reports the failure.
		c.mu.Lock()
		stop := c.stopInvite
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		return nil

	case state.ringing():
		return a.RejectIncoming(ctx, c.ref)

	case state == stateConfirmed:
		a.forget(c)
		c.release()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sendBYE(c)
			_ = c.dlg.transitionTo(stateTerminated)
		}()
		return nil
	}
	return nil
}

// SetMuted stops sending microphone audio. The change is local, so it is
// confirmed immediately.
func (a *Adapter) SetMuted(_ context.Context, muted bool) error {
	c := a.activeCall()
	if c == nil || c.dlg.getState() != stateConfirmed {
		return nil
	}
	if s := c.getStream(); s != nil {
		s.SetMuted(muted)
	}
	a.notify(transport.Notification{Kind: transport.NoteMuteChanged, Ref: c.ref, Flag: muted})
	return nil
}

// SetHeld sends a re-INVITE with a=sendonly (or back to sendrecv). The
// outcome arrives as NoteHoldChanged carrying the state actually in effect.
func (a *Adapter) SetHeld(_ context.Context, held bool) error {
	c := a.activeCall()
	if c == nil || c.dlg.getState() != stateConfirmed {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reINVITE(c, held)
	}()
	return nil
}

func (a *Adapter) reINVITE(c *call, held bool) {
	dir := DirSendRecv
	if held {
		dir = DirSendOnly
	}
	body, err := c.localSDP(dir, true)
	if err != nil {
		a.holdResult(c, fmt.Errorf("build SDP: %w", err))
		return
	}
	req, err := c.dlg.buildReINVITE(a.contact, body)
	if err != nil {
		a.holdResult(c, err)
		return
	}
	defer c.dlg.completeReINVITE()

	ctx, cancel := context.WithTimeout(a.ctx, 4*requestTimeout)
	defer cancel()
	resp, err := a.roundTrip(ctx, req)
	if err != nil {
		a.holdResult(c, err)
		return
	}
	if resp.StatusCode >= 300 {
		a.holdResult(c, fmt.Errorf("re-INVITE rejected: %d %s", resp.StatusCode, resp.Reason))
		return
	}

	ack := sip.NewAckRequest(req, resp, nil)
	a.route(ack)
	if err := a.client.WriteRequest(ack); err != nil {
		slog.Warn("[SIP] Failed to send ACK for re-INVITE", "call_id", c.ref, "error", err)
	}

	c.mu.Lock()
	c.held = held
	stream := c.stream
	c.mu.Unlock()
	if stream != nil {
		stream.SetHeld(held)
	}
	slog.Info("[SIP] Hold updated", "call_id", c.ref, "held", held)
	a.holdResult(c, nil)
}

// holdResult reports the hold state in effect after an attempt.
func (a *Adapter) holdResult(c *call, err error) {
	if err != nil {
		slog.Warn("[SIP] Hold change failed", "call_id", c.ref, "error", err)
	}
	c.mu.Lock()
	held := c.held
	c.mu.Unlock()
	a.notify(transport.Notification{Kind: transport.NoteHoldChanged, Ref: c.ref, Flag: held})
}

// SendTone plays one RFC 4733 digit on the active call.
func (a *Adapter) SendTone(_ context.Context, digit string) error {
	c := a.activeCall()
	if c == nil || c.dlg.getState() != stateConfirmed || len(digit) != 1 {
		return nil
	}
	s := c.getStream()
	if s == nil {
		return nil
	}
	if err := s.SendDigit(rune(digit[0]), toneDuration); err != nil {
		return fmt.Errorf("send DTMF %q: %w", digit, err)
	}
	return nil
}
