package siptransport

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(Config{
		Endpoint:    "wss://pbx.example.com:443",
		Identity:    "1001",
		DisplayName: "Agent",
		Password:    "secret",
		MediaAddr:   "192.0.2.10",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewParsesEndpoint(t *testing.T) {
	tests := []struct {
		endpoint  string
		wantProxy string
		wantTP    string
		wantErr   bool
	}{
		{"wss://pbx.example.com:443", "pbx.example.com:443", "WSS", false},
		{"wss://pbx.example.com", "pbx.example.com:443", "WSS", false},
		{"ws://10.0.0.5:8088/ws", "10.0.0.5:8088", "WS", false},
		{"udp://pbx.example.com", "", "", true},
		{"wss://", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			a, err := New(Config{Endpoint: tt.endpoint, Identity: "1001"})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("New(%q) succeeded, want error", tt.endpoint)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) error = %v", tt.endpoint, err)
			}
			defer a.Close()
			if a.proxyAddr != tt.wantProxy {
				t.Errorf("proxyAddr = %q, want %q", a.proxyAddr, tt.wantProxy)
			}
			if a.tp != tt.wantTP {
				t.Errorf("tp = %q, want %q", a.tp, tt.wantTP)
			}
		})
	}
}

func TestAORAndDefaults(t *testing.T) {
	a := newTestAdapter(t)

	aor := a.AOR()
	if got, want := aor.String(), "sip:1001@pbx.example.com"; got != want {
		t.Errorf("AOR() = %q, want %q", got, want)
	}
	if a.cfg.Expires != 600*time.Second {
		t.Errorf("Expires = %v, want 600s", a.cfg.Expires)
	}
	if a.cfg.UserAgent != "Twenty CRM Phone Widget v1.0" {
		t.Errorf("UserAgent = %q", a.cfg.UserAgent)
	}
	if !strings.HasSuffix(a.contact.Host, ".invalid") {
		t.Errorf("contact host = %q, want *.invalid", a.contact.Host)
	}
	caps := a.Capabilities()
	if !caps.Hold || caps.CredentialRenewal {
		t.Errorf("Capabilities() = %+v, want hold without renewal", caps)
	}
}

func TestPlaceCallRequiresRegistration(t *testing.T) {
	a := newTestAdapter(t)
	if _, err := a.PlaceCall(t.Context(), "+33612345678"); err != transport.ErrNotRegistered {
		t.Errorf("PlaceCall() error = %v, want ErrNotRegistered", err)
	}
}

func TestPlaceCallRejectsEmptyDestination(t *testing.T) {
	a := newTestAdapter(t)
	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()

	_, err := a.PlaceCall(t.Context(), "")
	var setupErr *transport.CallSetupError
	if !errors.As(err, &setupErr) || setupErr.Reason != transport.ReasonError {
		t.Fatalf("PlaceCall(\"\") error = %v, want CallSetupError(error)", err)
	}
	if a.activeCall() != nil {
		t.Error("empty destination left a call behind")
	}
}

func TestCommandsWithoutCallAreNoops(t *testing.T) {
	a := newTestAdapter(t)
	ctx := t.Context()

	if err := a.TerminateActive(ctx); err != nil {
		t.Errorf("TerminateActive() error = %v", err)
	}
	if err := a.SetMuted(ctx, true); err != nil {
		t.Errorf("SetMuted() error = %v", err)
	}
	if err := a.SetHeld(ctx, true); err != nil {
		t.Errorf("SetHeld() error = %v", err)
	}
	if err := a.SendTone(ctx, "5"); err != nil {
		t.Errorf("SendTone() error = %v", err)
	}
	if err := a.AcceptIncoming(ctx, "nope"); err != transport.ErrNoIncomingCall {
		t.Errorf("AcceptIncoming() error = %v, want ErrNoIncomingCall", err)
	}
	if err := a.RejectIncoming(ctx, "nope"); err != nil {
		t.Errorf("RejectIncoming() error = %v", err)
	}
}

func TestSDPOfferAnswerRoundTrip(t *testing.T) {
	offer, err := buildSDP(mediaOffer{Addr: "192.0.2.10", Port: 40000, SessionID: 7, Version: 1})
	if err != nil {
		t.Fatalf("buildSDP() error = %v", err)
	}
	body := string(offer)
	for _, want := range []string{
		"m=audio 40000 RTP/AVP 0 8 101",
		"c=IN IP4 192.0.2.10",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-15",
		"a=sendrecv",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("offer missing %q:\n%s", want, body)
		}
	}

	rm, err := parseSDP(offer)
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	if rm.Addr != "192.0.2.10" || rm.Port != 40000 {
		t.Errorf("remote = %s:%d, want 192.0.2.10:40000", rm.Addr, rm.Port)
	}
	if rm.Codec != media.CodecPCMU {
		t.Errorf("codec = %v, want PCMU", rm.Codec.Name)
	}
	if rm.DTMF != 101 {
		t.Errorf("dtmf = %d, want 101", rm.DTMF)
	}
}

func TestSDPHoldDirection(t *testing.T) {
	offer, err := buildSDP(mediaOffer{Addr: "192.0.2.10", Port: 40000, Direction: DirSendOnly})
	if err != nil {
		t.Fatalf("buildSDP() error = %v", err)
	}
	if !strings.Contains(string(offer), "a=sendonly") {
		t.Errorf("hold offer lacks a=sendonly:\n%s", offer)
	}
	rm, err := parseSDP(offer)
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	if rm.Direction != DirSendOnly {
		t.Errorf("direction = %q, want sendonly", rm.Direction)
	}
}

func TestParseSDPPicksSupportedCodec(t *testing.T) {
	answer := "v=0\r\n" +
		"o=- 1 1 IN IP4 198.51.100.7\r\n" +
		"s=-\r\n" +
		"c=IN IP4 198.51.100.7\r\n" +
		"t=0 0\r\n" +
		"m=audio 30000 RTP/AVP 111 8 96\r\n" +
		"a=rtpmap:111 opus/48000/2\r\n" +
		"a=rtpmap:8 PCMA/8000\r\n" +
		"a=rtpmap:96 telephone-event/8000\r\n"

	rm, err := parseSDP([]byte(answer))
	if err != nil {
		t.Fatalf("parseSDP() error = %v", err)
	}
	if rm.Codec != media.CodecPCMA {
		t.Errorf("codec = %s, want PCMA", rm.Codec.Name)
	}
	if rm.DTMF != 96 {
		t.Errorf("dtmf = %d, want 96", rm.DTMF)
	}
	if got := rm.UDPAddr().String(); got != "198.51.100.7:30000" {
		t.Errorf("UDPAddr() = %s", got)
	}
}

func TestParseSDPErrors(t *testing.T) {
	tests := map[string]string{
		"empty":    "",
		"garbage":  "not sdp",
		"no audio": "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=-\r\nc=IN IP4 1.2.3.4\r\nt=0 0\r\nm=video 5000 RTP/AVP 96\r\n",
		"opus only": "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=-\r\nc=IN IP4 1.2.3.4\r\nt=0 0\r\n" +
			"m=audio 5000 RTP/AVP 111\r\na=rtpmap:111 opus/48000/2\r\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseSDP([]byte(body)); err == nil {
				t.Error("parseSDP() succeeded, want error")
			}
		})
	}
}

func answered(t *testing.T, invite *sip.Request) *sip.Response {
	t.Helper()
	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	to := resp.To()
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", "remote-tag")
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}})
	return resp
}

func TestOutboundDialogBYE(t *testing.T) {
	a := newTestAdapter(t)
	target := sip.Uri{Scheme: "sip", User: "+33612345678", Host: a.domain}
	invite := a.buildINVITE(target, "call-1", "local-tag", 1, []byte("v=0"), nil)

	d := newOutboundDialog(invite)
	if d.callID != "call-1" {
		t.Fatalf("callID = %q, want call-1", d.callID)
	}
	d.confirm(answered(t, invite))

	bye, err := d.buildBYE(a.contact)
	if err != nil {
		t.Fatalf("buildBYE() error = %v", err)
	}
	if bye.Method != sip.BYE {
		t.Errorf("method = %s, want BYE", bye.Method)
	}
	if bye.Recipient.Host != "10.0.0.2" {
		t.Errorf("Request-URI host = %q, want remote contact 10.0.0.2", bye.Recipient.Host)
	}
	if tag, _ := bye.From().Params.Get("tag"); tag != "local-tag" {
		t.Errorf("From tag = %q, want local-tag", tag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "remote-tag" {
		t.Errorf("To tag = %q, want remote-tag", tag)
	}
	if bye.To().Address.User != "+33612345678" {
		t.Errorf("To user = %q", bye.To().Address.User)
	}
	if cseq := bye.CSeq(); cseq.SeqNo != 2 || cseq.MethodName != sip.BYE {
		t.Errorf("CSeq = %d %s, want 2 BYE", cseq.SeqNo, cseq.MethodName)
	}
}

func TestReINVITEGuard(t *testing.T) {
	a := newTestAdapter(t)
	target := sip.Uri{Scheme: "sip", User: "2000", Host: a.domain}
	invite := a.buildINVITE(target, "call-2", "lt", 1, nil, nil)
	d := newOutboundDialog(invite)
	d.confirm(answered(t, invite))

	req, err := d.buildReINVITE(a.contact, []byte("v=0"))
	if err != nil {
		t.Fatalf("buildReINVITE() error = %v", err)
	}
	if req.CSeq().SeqNo != 2 {
		t.Errorf("CSeq = %d, want 2", req.CSeq().SeqNo)
	}
	if _, err := d.buildReINVITE(a.contact, nil); err == nil {
		t.Error("second buildReINVITE() succeeded while one is in flight")
	}
	d.completeReINVITE()
	req, err = d.buildReINVITE(a.contact, nil)
	if err != nil {
		t.Fatalf("buildReINVITE() after complete error = %v", err)
	}
	if req.CSeq().SeqNo != 3 {
		t.Errorf("CSeq = %d, want 3", req.CSeq().SeqNo)
	}
}

func TestInboundDialogSwapsFromTo(t *testing.T) {
	a := newTestAdapter(t)

	invite := sip.NewRequest(sip.INVITE, a.contact)
	fromParams := sip.NewParams()
	fromParams.Add("tag", "caller-tag")
	invite.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "0611223344", Host: "carrier.example"}, Params: fromParams})
	invite.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader("in-1")
	invite.AppendHeader(&callID)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 41, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "gw", Host: "203.0.113.9", Port: 5080}})

	d := newInboundDialog(invite, nil)
	if _, err := d.buildBYE(a.contact); err == nil {
		t.Error("buildBYE() before answer succeeded")
	}

	c := &call{localTag: "our-tag"}
	d.answered(c.response(invite, sip.StatusOK, "OK", nil))
	bye, err := d.buildBYE(a.contact)
	if err != nil {
		t.Fatalf("buildBYE() error = %v", err)
	}
	if bye.Recipient.Host != "203.0.113.9" {
		t.Errorf("Request-URI host = %q, want caller contact", bye.Recipient.Host)
	}
	if tag, _ := bye.From().Params.Get("tag"); tag != "our-tag" {
		t.Errorf("From tag = %q, want our-tag", tag)
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "caller-tag" {
		t.Errorf("To tag = %q, want caller-tag", tag)
	}
	if bye.CSeq().SeqNo != 1 {
		t.Errorf("CSeq = %d, want 1 (own sequence space)", bye.CSeq().SeqNo)
	}
}

func TestCANCELMatchesINVITE(t *testing.T) {
	a := newTestAdapter(t)
	target := sip.Uri{Scheme: "sip", User: "2000", Host: a.domain}
	invite := a.buildINVITE(target, "call-3", "lt", 5, nil, nil)
	d := newOutboundDialog(invite)

	cancel := d.buildCANCEL()
	if cancel.Method != sip.CANCEL {
		t.Errorf("method = %s", cancel.Method)
	}
	if cancel.CallID().Value() != "call-3" {
		t.Errorf("Call-ID = %q", cancel.CallID().Value())
	}
	if cseq := cancel.CSeq(); cseq.SeqNo != 5 || cseq.MethodName != sip.CANCEL {
		t.Errorf("CSeq = %d %s, want 5 CANCEL", cseq.SeqNo, cseq.MethodName)
	}
}

func TestDialogTransitions(t *testing.T) {
	tests := []struct {
		from, to dialogState
		want     bool
	}{
		{stateCalling, stateEarly, true},
		{stateCalling, stateConfirmed, true},
		{stateEarly, stateEarly, true},
		{stateOffered, stateConfirmed, true},
		{stateOffered, stateEarly, false},
		{stateConfirmed, stateTerminating, true},
		{stateTerminating, stateConfirmed, false},
		{stateTerminated, stateCalling, false},
	}
	for _, tt := range tests {
		if got := tt.from.canTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAuthorizationAnswersChallenge(t *testing.T) {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "pbx.example.com"})
	resp := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
	resp.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="pbx", nonce="abc123", algorithm=MD5`))

	if !isChallenge(resp) {
		t.Fatal("isChallenge(401) = false")
	}
	hdr, err := authorization(req, resp, "1001", "secret")
	if err != nil {
		t.Fatalf("authorization() error = %v", err)
	}
	if hdr.Name() != "Authorization" {
		t.Errorf("header = %q, want Authorization", hdr.Name())
	}
	for _, want := range []string{`username="1001"`, `realm="pbx"`, `uri="sip:pbx.example.com"`} {
		if !strings.Contains(hdr.Value(), want) {
			t.Errorf("credentials %q missing %s", hdr.Value(), want)
		}
	}

	proxy := sip.NewResponseFromRequest(req, sip.StatusProxyAuthRequired, "Proxy Authentication Required", nil)
	proxy.AppendHeader(sip.NewHeader("Proxy-Authenticate", `Digest realm="pbx", nonce="n2"`))
	hdr, err = authorization(req, proxy, "1001", "secret")
	if err != nil {
		t.Fatalf("authorization(407) error = %v", err)
	}
	if hdr.Name() != "Proxy-Authorization" {
		t.Errorf("header = %q, want Proxy-Authorization", hdr.Name())
	}

	if _, err := authorization(req, resp, "1001", ""); err != errNoCredentials {
		t.Errorf("authorization() without password error = %v, want errNoCredentials", err)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{486, transport.ReasonBusy},
		{600, transport.ReasonBusy},
		{603, transport.ReasonRejected},
		{408, transport.ReasonTimeout},
		{480, transport.ReasonTimeout},
		{487, transport.ReasonCancelled},
		{404, transport.ReasonError},
		{503, transport.ReasonError},
	}
	for _, tt := range tests {
		if got := failureReason(tt.code); got != tt.want {
			t.Errorf("failureReason(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestGrantedExpires(t *testing.T) {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: "pbx.example.com"})

	plain := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if got := grantedExpires(plain, 600*time.Second); got != 600*time.Second {
		t.Errorf("no expiry in response = %v, want requested 600s", got)
	}

	hdr := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	hdr.AppendHeader(sip.NewHeader("Expires", "300"))
	if got := grantedExpires(hdr, 600*time.Second); got != 300*time.Second {
		t.Errorf("Expires: 300 = %v, want 300s", got)
	}

	contact := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	params := sip.NewParams()
	params.Add("expires", "120")
	contact.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", Host: "x.invalid"}, Params: params})
	contact.AppendHeader(sip.NewHeader("Expires", "300"))
	if got := grantedExpires(contact, 600*time.Second); got != 120*time.Second {
		t.Errorf("contact expires=120 = %v, want 120s", got)
	}
}

func TestRefreshDelay(t *testing.T) {
	if got := refreshDelay(600 * time.Second); got != 540*time.Second {
		t.Errorf("refreshDelay(600s) = %v, want 540s", got)
	}
	if got := refreshDelay(0); got != time.Second {
		t.Errorf("refreshDelay(0) = %v, want 1s floor", got)
	}
}

func TestRenewCredentialReplacesPassword(t *testing.T) {
	a := newTestAdapter(t)
	if err := a.RenewCredential(t.Context(), "rotated"); err != nil {
		t.Fatalf("RenewCredential() error = %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.password != "rotated" {
		t.Errorf("password = %q, want rotated", a.password)
	}
}

// noteLog collects notifications from the adapter.
type noteLog struct {
	mu    sync.Mutex
	notes []transport.Notification
}

func (l *noteLog) Notify(n transport.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, n)
}

func (l *noteLog) kinds() []transport.NoteKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.NoteKind, 0, len(l.notes))
	for _, n := range l.notes {
		out = append(out, n.Kind)
	}
	return out
}

func withNotes(a *Adapter) *noteLog {
	log := &noteLog{}
	a.mu.Lock()
	a.notifier = log
	a.mu.Unlock()
	return log
}

func TestRegisterIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)
	notes := withNotes(a)
	ctx := t.Context()

	// Nothing is connected, so any REGISTER attempt would fail.
	if err := a.Unregister(ctx); err != nil {
		t.Errorf("Unregister() while unregistered error = %v, want nil", err)
	}
	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	if err := a.Register(ctx); err != nil {
		t.Errorf("Register() while registered error = %v, want nil", err)
	}
	if got := notes.kinds(); len(got) != 0 {
		t.Errorf("notifications = %v, want none", got)
	}
}

func TestRefreshFailureRetriesThenLapses(t *testing.T) {
	a := newTestAdapter(t)
	notes := withNotes(a)

	a.mu.Lock()
	a.registered, a.regWanted = true, true
	a.regExpiry = time.Now().Add(time.Hour)
	a.mu.Unlock()

	// No client: the refresh REGISTER fails while the binding is still valid.
	a.refresh()
	a.mu.Lock()
	registered, timer, backoff := a.registered, a.regTimer, a.regBackoff
	a.mu.Unlock()
	if !registered || timer == nil || backoff != time.Second {
		t.Fatalf("after first failure registered=%v timer=%v backoff=%v, want true, armed, 1s", registered, timer != nil, backoff)
	}
	if got := notes.kinds(); len(got) != 1 || got[0] != transport.NoteRegistrationFailed {
		t.Fatalf("notifications = %v, want [RegistrationFailed]", got)
	}

	// The binding runs out before the next retry.
	a.mu.Lock()
	a.regExpiry = time.Now().Add(time.Second)
	a.mu.Unlock()
	a.refresh()
	if a.isRegistered() {
		t.Error("still registered after the binding lapsed")
	}
	got := notes.kinds()
	if len(got) != 2 || got[1] != transport.NoteUnregistered {
		t.Errorf("notifications = %v, want [RegistrationFailed Unregistered]", got)
	}
	if _, err := a.PlaceCall(t.Context(), "+33612345678"); err != transport.ErrNotRegistered {
		t.Errorf("PlaceCall() after lapse error = %v, want ErrNotRegistered", err)
	}

	// Unregister stops the retries without signaling a missing binding.
	if err := a.Unregister(t.Context()); err != nil {
		t.Errorf("Unregister() error = %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.regTimer != nil || a.regWanted {
		t.Error("refresh retry still armed after Unregister")
	}
}

func TestNextRetry(t *testing.T) {
	tests := []struct{ prev, want time.Duration }{
		{0, time.Second},
		{time.Second, 2 * time.Second},
		{20 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := nextRetry(tt.prev); got != tt.want {
			t.Errorf("nextRetry(%v) = %v, want %v", tt.prev, got, tt.want)
		}
	}
}

func TestAcceptIncomingTwiceIsNoop(t *testing.T) {
	a := newTestAdapter(t)

	invite := sip.NewRequest(sip.INVITE, a.contact)
	callID := sip.CallIDHeader("in-2")
	invite.AppendHeader(&callID)
	d := newInboundDialog(invite, nil)
	if err := d.transitionTo(stateConfirmed); err != nil {
		t.Fatalf("transitionTo(Confirmed) error = %v", err)
	}
	c := &call{ref: "in-2", dlg: d}
	a.mu.Lock()
	a.calls[c.ref] = c
	a.mu.Unlock()

	if err := a.AcceptIncoming(t.Context(), "in-2"); err != nil {
		t.Errorf("AcceptIncoming() on answered call error = %v, want nil", err)
	}
	if err := a.AcceptIncoming(t.Context(), "unknown"); err != transport.ErrNoIncomingCall {
		t.Errorf("AcceptIncoming(unknown) error = %v, want ErrNoIncomingCall", err)
	}
}

func TestAbandonAnswerFreesCancelledCall(t *testing.T) {
	a := newTestAdapter(t)

	invite := sip.NewRequest(sip.INVITE, a.contact)
	callID := sip.CallIDHeader("in-3")
	invite.AppendHeader(&callID)
	d := newInboundDialog(invite, nil)
	c, err := newCall(d, "192.0.2.10")
	if err != nil {
		t.Fatalf("newCall() error = %v", err)
	}
	a.mu.Lock()
	a.calls[c.ref] = c
	a.mu.Unlock()

	// A CANCEL ended the dialog before the answer could confirm it.
	if err := d.transitionTo(stateTerminated); err != nil {
		t.Fatalf("transitionTo(Terminated) error = %v", err)
	}
	confirmErr := d.transitionTo(stateConfirmed)
	if confirmErr == nil {
		t.Fatal("transitionTo(Confirmed) from Terminated succeeded")
	}
	a.abandonAnswer(c, confirmErr)

	if a.lookup(c.ref) != nil {
		t.Error("call still tracked after the answer was abandoned")
	}
	if _, err := c.conn.WriteTo([]byte{0}, c.conn.LocalAddr()); err == nil {
		t.Error("RTP socket still open after the answer was abandoned")
	}
	if err := a.AcceptIncoming(t.Context(), c.ref); err != transport.ErrNoIncomingCall {
		t.Errorf("AcceptIncoming() after abandon error = %v, want ErrNoIncomingCall", err)
	}
}
