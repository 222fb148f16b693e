package siptransport

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// dialogDirection tells whether we sent or received the INVITE.
type dialogDirection int

const (
	dirOutbound dialogDirection = iota
	dirInbound
)

func (d dialogDirection) String() string {
	if d == dirInbound {
		return "inbound"
	}
	return "outbound"
}

// dialog holds the RFC 3261 dialog identifiers of one call and builds the
// in-dialog requests for it.
type dialog struct {
	mu sync.RWMutex

	callID    string
	direction dialogDirection
	state     dialogState

	// invite is the INVITE that created the dialog: ours when outbound,
	// theirs when inbound. response is the matching 2xx.
	invite   *sip.Request
	response *sip.Response

	// inviteTx answers an inbound INVITE.
	inviteTx sip.ServerTransaction

	remoteTag    string
	remoteTarget sip.Uri
	routes       []sip.Uri

	localCSeq atomic.Uint32
	reinvite  atomic.Bool
}

func newOutboundDialog(invite *sip.Request) *dialog {
	d := &dialog{
		callID:    invite.CallID().Value(),
		direction: dirOutbound,
		state:     stateCalling,
		invite:    invite,
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	if to := invite.To(); to != nil {
		d.remoteTarget = to.Address
	}
	return d
}

func newInboundDialog(req *sip.Request, tx sip.ServerTransaction) *dialog {
	d := &dialog{
		direction: dirInbound,
		state:     stateOffered,
		invite:    req,
		inviteTx:  tx,
	}
	if id := req.CallID(); id != nil {
		d.callID = id.Value()
	}
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
		d.remoteTarget = from.Address
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	d.routes = routeSet(req.GetHeaders("Record-Route"), false)
	return d
}

func (d *dialog) getState() dialogState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *dialog) transitionTo(next dialogState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.canTransitionTo(next) {
		return fmt.Errorf("invalid dialog transition: %s -> %s", d.state, next)
	}
	d.state = next
	return nil
}

// setInvite swaps in the INVITE that is actually on the wire after a
// digest challenge.
func (d *dialog) setInvite(invite *sip.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invite = invite
	if cseq := invite.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
}

// confirm records the 2xx to our INVITE.
func (d *dialog) confirm(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = resp
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	d.routes = routeSet(resp.GetHeaders("Record-Route"), true)
}

// routeSet turns Record-Route headers into the dialog route set. A UAC
// reverses the order.
func routeSet(hdrs []sip.Header, reverse bool) []sip.Uri {
	routes := make([]sip.Uri, 0, len(hdrs))
	for _, h := range hdrs {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			routes = append(routes, *rr.Address.Clone())
		}
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

// answered records the 2xx we sent for their INVITE.
func (d *dialog) answered(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.response = resp
}

// request builds an in-dialog request. From and To are swapped for dialogs
// we did not initiate.
func (d *dialog) request(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.invite == nil {
		return nil, fmt.Errorf("cannot build %s: missing INVITE", method)
	}

	recipient := d.remoteTarget
	recipient.UriParams = recipient.UriParams.Clone()
	req := sip.NewRequest(method, recipient)

	for _, r := range d.routes {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}

	switch d.direction {
	case dirOutbound:
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.invite.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.remoteTag != "" {
				toHdr.Params.Add("tag", d.remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	case dirInbound:
		if d.response == nil {
			return nil, fmt.Errorf("cannot build %s: call not answered", method)
		}
		if to := d.response.To(); to != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			})
		}
		if from := d.invite.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callID := d.invite.CallID(); callID != nil {
		req.AppendHeader(sip.HeaderClone(callID))
	}
	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	return req, nil
}

func (d *dialog) buildBYE(localContact sip.Uri) (*sip.Request, error) {
	return d.request(sip.BYE, localContact)
}

// buildReINVITE builds a re-INVITE carrying body. Only one may be in flight;
// completeReINVITE releases the guard.
func (d *dialog) buildReINVITE(localContact sip.Uri, body []byte) (*sip.Request, error) {
	if !d.reinvite.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("re-INVITE already in progress for dialog %s", d.callID)
	}
	req, err := d.request(sip.INVITE, localContact)
	if err != nil {
		d.reinvite.Store(false)
		return nil, err
	}
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(body)
	return req, nil
}

func (d *dialog) completeReINVITE() {
	d.reinvite.Store(false)
}

// buildACK builds the ACK for a 2xx to our INVITE. It is a new request
// addressed to the remote target, not part of the INVITE transaction.
func (d *dialog) buildACK(resp *sip.Response) *sip.Request {
	d.mu.RLock()
	invite := d.invite
	routes := d.routes
	d.mu.RUnlock()

	target := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		target = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, target)
	for _, r := range routes {
		ack.AppendHeader(&sip.RouteHeader{Address: r})
	}
	sip.CopyHeaders("From", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params.Clone(),
		})
	}
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	return ack
}

// buildCANCEL cancels our pending INVITE. Via, From, To and Call-ID must
// match the INVITE; CSeq keeps its number.
func (d *dialog) buildCANCEL() *sip.Request {
	d.mu.RLock()
	invite := d.invite
	d.mu.RUnlock()

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	return cancel
}
