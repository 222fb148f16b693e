package siptransport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

func callIDOf(req *sip.Request) transport.CallRef {
	if id := req.CallID(); id != nil {
		return transport.CallRef(id.Value())
	}
	return ""
}

// handleINVITE offers a new incoming call, or answers a re-INVITE within an
// existing one.
func (a *Adapter) handleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	ref := callIDOf(req)
	if existing := a.lookup(ref); existing != nil {
		a.handleReINVITE(existing, req, tx)
		return
	}

	if !a.isRegistered() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil))
		return
	}

	dlg := newInboundDialog(req, tx)
	c, err := newCall(dlg, a.mediaAddr)
	if err != nil {
		slog.Error("[SIP] Cannot accept INVITE", "call_id", ref, "error", err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Error", nil))
		return
	}
	c.localTag = uuid.New().String()[:8]

	a.mu.Lock()
	a.calls[c.ref] = c
	if a.active == nil {
		a.active = c
	}
	a.mu.Unlock()

	ringing := c.response(req, 180, "Ringing", nil)
	if err := tx.Respond(ringing); err != nil {
		slog.Warn("[SIP] Failed to send 180", "call_id", ref, "error", err)
	}

	from := ""
	if f := req.From(); f != nil {
		from = f.Address.User
		if from == "" {
			from = f.Address.String()
		}
	}
	slog.Info("[SIP] Incoming call", "call_id", ref, "from", from)
	a.notify(transport.Notification{Kind: transport.NoteIncoming, Ref: c.ref, From: from})
}

// response builds a response to the dialog-creating INVITE carrying our To
// tag.
func (c *call) response(req *sip.Request, code sip.StatusCode, reason string, body []byte) *sip.Response {
	resp := sip.NewResponseFromRequest(req, code, reason, body)
	if to := resp.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", c.localTag)
		}
	}
	return resp
}

// AcceptIncoming answers the offered call with 200 OK and our SDP. Accepting
// a call that was already answered does nothing.
func (a *Adapter) AcceptIncoming(_ context.Context, ref transport.CallRef) error {
	c := a.lookup(ref)
	if c == nil {
		return transport.ErrNoIncomingCall
	}
	if st := c.dlg.getState(); st != stateOffered {
		if st == stateConfirmed {
			return nil
		}
		return transport.ErrNoIncomingCall
	}
	req, tx := c.dlg.invite, c.dlg.inviteTx

	rm, err := parseSDP(req.Body())
	if err != nil {
		_ = tx.Respond(c.response(req, sip.StatusNotAcceptableHere, "Not Acceptable Here", nil))
		a.failCall(c, transport.ReasonError, err)
		return fmt.Errorf("incoming offer: %w", err)
	}

	c.mu.Lock()
	c.offer.Codecs = []media.Codec{rm.Codec}
	c.mu.Unlock()
	body, err := c.localSDP(DirSendRecv, false)
	if err != nil {
		_ = tx.Respond(c.response(req, 500, "Server Error", nil))
		a.failCall(c, transport.ReasonError, err)
		return fmt.Errorf("build SDP answer: %w", err)
	}

	ok := c.response(req, sip.StatusOK, "OK", body)
	ok.AppendHeader(&sip.ContactHeader{Address: a.contact})
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	if err := tx.Respond(ok); err != nil {
		a.failCall(c, transport.ReasonError, err)
		return fmt.Errorf("send 200 OK: %w", err)
	}
	c.dlg.answered(ok)
	if err := c.dlg.transitionTo(stateConfirmed); err != nil {
		a.abandonAnswer(c, err)
		return fmt.Errorf("answer: %w", err)
	}

	a.mu.Lock()
	a.active = c
	a.mu.Unlock()
	c.startMedia(a.ctx, rm, a.slot, a.cfg)

	slog.Info("[SIP] Call answered", "call_id", ref, "codec", rm.Codec.Name, "remote_rtp", rm.UDPAddr().String())
	return nil
}

// RejectIncoming declines an offered call: 486 when another call is active,
// 603 otherwise.
func (a *Adapter) RejectIncoming(_ context.Context, ref transport.CallRef) error {
	c := a.lookup(ref)
	if c == nil || c.dlg.getState() != stateOffered {
		return nil
	}

	a.mu.Lock()
	busy := a.active != nil && a.active != c
	a.mu.Unlock()

	code, reason := sip.StatusCode(603), "Decline"
	if busy {
		code, reason = sip.StatusBusyHere, "Busy Here"
	}
	err := c.dlg.inviteTx.Respond(c.response(c.dlg.invite, code, reason, nil))

	_ = c.dlg.transitionTo(stateTerminated)
	a.forget(c)
	c.release()
	slog.Info("[SIP] Incoming call rejected", "call_id", ref, "status", int(code))
	if err != nil {
		return fmt.Errorf("send %d: %w", code, err)
	}
	return nil
}

// handleReINVITE answers a session refresh or remote hold with our current
// SDP. A remote hold is not our hold, so nothing is reported.
func (a *Adapter) handleReINVITE(c *call, req *sip.Request, tx sip.ServerTransaction) {
	if c.dlg.getState() != stateConfirmed {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil))
		return
	}
	if len(req.Body()) > 0 {
		if rm, err := parseSDP(req.Body()); err == nil {
			c.startMedia(a.ctx, rm, a.slot, a.cfg)
			slog.Info("[SIP] Remote media updated", "call_id", c.ref, "direction", rm.Direction)
		}
	}

	c.mu.Lock()
	dir := DirSendRecv
	if c.held {
		dir = DirSendOnly
	}
	c.mu.Unlock()
	body, err := c.localSDP(dir, true)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 500, "Server Error", nil))
		return
	}
	ok := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	ok.AppendHeader(&sip.ContactHeader{Address: a.contact})
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	_ = tx.Respond(ok)
}

// handleACK completes an inbound answer.
func (a *Adapter) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	c := a.lookup(callIDOf(req))
	if c == nil || c.dlg.direction != dirInbound {
		return
	}
	slog.Debug("[SIP] ACK received", "call_id", c.ref)
	a.notify(transport.Notification{Kind: transport.NoteConfirmed, Ref: c.ref})
}

// handleBYE ends the call at the remote party's request.
func (a *Adapter) handleBYE(req *sip.Request, tx sip.ServerTransaction) {
	c := a.lookup(callIDOf(req))
	if c == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to BYE", "call_id", c.ref, "error", err)
	}
	slog.Info("[SIP] BYE received", "call_id", c.ref)
	a.endCall(c, "remote hangup")
}

// handleCANCEL withdraws an incoming call before it was answered.
func (a *Adapter) handleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	c := a.lookup(callIDOf(req))
	if c == nil || c.dlg.getState() != stateOffered {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)); err != nil {
		slog.Error("[SIP] Failed to respond to CANCEL", "call_id", c.ref, "error", err)
	}
	_ = c.dlg.inviteTx.Respond(c.response(c.dlg.invite, 487, "Request Terminated", nil))

	slog.Info("[SIP] CANCEL received", "call_id", c.ref)
	a.endCall(c, transport.ReasonCancelled)
}

func (a *Adapter) handleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS"))
	_ = tx.Respond(resp)
}

// abandonAnswer drops a call whose dialog could not be confirmed after the
// 200 OK. Usually a CANCEL raced the answer and already ended the dialog,
// in which case failCall is a no-op and the call must still be freed.
func (a *Adapter) abandonAnswer(c *call, err error) {
	a.failCall(c, transport.ReasonError, err)
	a.forget(c)
	c.release()
}
