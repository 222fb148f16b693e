package voicesdk

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// fakeConn is one in-memory gateway connection.
type fakeConn struct {
	sent   chan Message
	recv   chan Message
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan Message, 32),
		recv:   make(chan Message, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Send(_ context.Context, m Message) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.sent <- m:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) Recv(context.Context) (Message, error) {
	select {
	case m := <-f.recv:
		return m, nil
	case <-f.closed:
		return Message{}, io.EOF
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type noteRecorder chan transport.Notification

func (r noteRecorder) Notify(n transport.Notification) { r <- n }

func waitNote(t *testing.T, notes noteRecorder, kind transport.NoteKind) transport.Notification {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-notes:
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", kind)
			return transport.Notification{}
		}
	}
}

func expectSent(t *testing.T, fc *fakeConn, typ string) Message {
	t.Helper()
	select {
	case m := <-fc.sent:
		if m.Type != typ {
			t.Fatalf("sent %q, want %q", m.Type, typ)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", typ)
		return Message{}
	}
}

// newConnected returns an adapter whose gateway answered hello with ready.
func newConnected(t *testing.T) (*Adapter, *fakeConn, noteRecorder) {
	t.Helper()
	fc := newFakeConn()
	a, err := New(Config{
		Endpoint: "wss://voice.example.test/signal",
		Identity: "agent-1",
		Dial: func(context.Context, string) (Conn, error) {
			return fc, nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })

	notes := make(noteRecorder, 64)
	if err := a.Connect(context.Background(), notes); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	expectSent(t, fc, msgHello)
	fc.recv <- Message{Type: msgReady}
	waitNote(t, notes, transport.NoteConnected)
	return a, fc, notes
}

// register drives Register against the fake gateway.
func register(t *testing.T, a *Adapter, fc *fakeConn, notes noteRecorder) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- a.Register(context.Background()) }()
	req := expectSent(t, fc, msgRegister)
	fc.recv <- Message{Type: msgAck, ID: req.ID}
	if err := <-errc; err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	waitNote(t, notes, transport.NoteRegistered)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
	got chan struct{}
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
	select {
	case b.got <- struct{}{}:
	default:
	}
	return len(p), nil
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing endpoint", Config{Identity: "agent-1"}},
		{"missing identity", Config{Endpoint: "wss://voice.example.test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}

	a, err := New(Config{Endpoint: "wss://voice.example.test", Identity: "agent-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if a.cfg.Edge != DefaultEdge {
		t.Errorf("Edge = %q, want %q", a.cfg.Edge, DefaultEdge)
	}
	if got := strings.Join(a.cfg.CodecPreferences, ","); got != "opus,pcmu" {
		t.Errorf("CodecPreferences = %q, want opus,pcmu", got)
	}
	caps := a.Capabilities()
	if caps.Hold || !caps.CredentialRenewal {
		t.Errorf("Capabilities() = %+v, want no hold and credential renewal", caps)
	}
}

func TestHelloCarriesTokenAndOptions(t *testing.T) {
	fc := newFakeConn()
	a, err := New(Config{
		Endpoint: "wss://voice.example.test",
		Identity: "agent-1",
		Dial:     func(context.Context, string) (Conn, error) { return fc, nil },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if err := a.RenewCredential(context.Background(), "initial-token"); err != nil {
		t.Fatalf("RenewCredential() before connect error = %v", err)
	}
	if err := a.Connect(context.Background(), make(noteRecorder, 8)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	hello := expectSent(t, fc, msgHello)
	if hello.Token != "initial-token" {
		t.Errorf("hello token = %q, want initial-token", hello.Token)
	}
	if hello.Identity != "agent-1" {
		t.Errorf("hello identity = %q, want agent-1", hello.Identity)
	}
	if hello.Options == nil || hello.Options.Edge != DefaultEdge {
		t.Errorf("hello options = %+v, want edge %q", hello.Options, DefaultEdge)
	}
}

func TestOutboundCallLifecycle(t *testing.T) {
	a, fc, notes := newConnected(t)
	sink := &syncBuffer{got: make(chan struct{}, 1)}
	a.AttachMedia(sink)

	if _, err := a.PlaceCall(context.Background(), "+33612345678"); !errors.Is(err, transport.ErrNotRegistered) {
		t.Fatalf("PlaceCall() before register error = %v, want ErrNotRegistered", err)
	}
	register(t, a, fc, notes)

	type placed struct {
		ref transport.CallRef
		err error
	}
	done := make(chan placed, 1)
	go func() {
		ref, err := a.PlaceCall(context.Background(), "+33612345678")
		done <- placed{ref, err}
	}()
	req := expectSent(t, fc, msgCall)
	if req.To != "+33612345678" {
		t.Errorf("call To = %q, want +33612345678", req.To)
	}
	fc.recv <- Message{Type: msgAck, ID: req.ID, CallSID: "CA123"}
	fc.recv <- Message{Type: msgRinging, CallSID: "CA123"}
	p := <-done
	if p.err != nil || p.ref != "CA123" {
		t.Fatalf("PlaceCall() = %q, %v; want CA123", p.ref, p.err)
	}
	if n := waitNote(t, notes, transport.NoteProgress); n.Ref != "CA123" {
		t.Errorf("progress ref = %q, want CA123", n.Ref)
	}

	fc.recv <- Message{Type: msgAccepted, CallSID: "CA123"}
	waitNote(t, notes, transport.NoteAccepted)

	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = 0xFF
	}
	fc.recv <- Message{Type: msgMedia, CallSID: "CA123", Payload: base64.StdEncoding.EncodeToString(ulaw)}
	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("remote audio never reached the sink")
	}
	sink.mu.Lock()
	if len(sink.buf) != 320 {
		t.Errorf("sink got %d bytes, want 320", len(sink.buf))
	}
	sink.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- a.SendTone(context.Background(), "5") }()
	tone := expectSent(t, fc, msgDigits)
	if tone.Digits != "5" || tone.CallSID != "CA123" {
		t.Errorf("digits = %+v, want 5 on CA123", tone)
	}
	fc.recv <- Message{Type: msgAck, ID: tone.ID}
	if err := <-errc; err != nil {
		t.Errorf("SendTone() error = %v", err)
	}

	go func() { errc <- a.SetMuted(context.Background(), true) }()
	mute := expectSent(t, fc, msgMute)
	if mute.Muted == nil || !*mute.Muted {
		t.Errorf("mute request = %+v, want muted=true", mute)
	}
	fc.recv <- Message{Type: msgAck, ID: mute.ID}
	fc.recv <- Message{Type: msgMuted, CallSID: "CA123", Muted: boolPtr(true)}
	if err := <-errc; err != nil {
		t.Errorf("SetMuted() error = %v", err)
	}
	if n := waitNote(t, notes, transport.NoteMuteChanged); !n.Flag {
		t.Error("MuteChanged flag = false, want true")
	}

	if err := a.SetHeld(context.Background(), true); !errors.Is(err, transport.ErrHoldUnsupported) {
		t.Errorf("SetHeld() error = %v, want ErrHoldUnsupported", err)
	}

	fc.recv <- Message{Type: msgDisconnected, CallSID: "CA123"}
	if n := waitNote(t, notes, transport.NoteEnded); n.Ref != "CA123" {
		t.Errorf("ended ref = %q, want CA123", n.Ref)
	}
	if a.liveCall() != nil {
		t.Error("call still live after disconnect")
	}
}

func TestPlaceCallRejectsEmptyDestination(t *testing.T) {
	a, fc, notes := newConnected(t)
	register(t, a, fc, notes)

	_, err := a.PlaceCall(context.Background(), "")
	var setupErr *transport.CallSetupError
	if !errors.As(err, &setupErr) || setupErr.Reason != transport.ReasonError {
		t.Fatalf("PlaceCall(\"\") error = %v, want CallSetupError(error)", err)
	}
	select {
	case m := <-fc.sent:
		t.Errorf("sent %+v for an empty destination", m)
	default:
	}
}

func TestFailedCallMapsReason(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{Code: 486}, transport.ReasonBusy},
		{Message{Code: 603}, transport.ReasonRejected},
		{Message{Code: 480}, transport.ReasonTimeout},
		{Message{Code: 487}, transport.ReasonCancelled},
		{Message{Reason: "busy"}, transport.ReasonBusy},
		{Message{Code: 31005, Reason: "gateway hangup"}, transport.ReasonError},
	}
	for _, tt := range tests {
		if got := failureReason(tt.msg); got != tt.want {
			t.Errorf("failureReason(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}

	_, fc, notes := newConnected(t)
	fc.recv <- Message{Type: msgFailed, CallSID: "CA9", Code: 486}
	if n := waitNote(t, notes, transport.NoteFailed); n.Reason != transport.ReasonBusy {
		t.Errorf("failed reason = %q, want busy", n.Reason)
	}
}

func TestIncomingAcceptAndReject(t *testing.T) {
	a, fc, notes := newConnected(t)
	register(t, a, fc, notes)

	fc.recv <- Message{Type: msgIncoming, CallSID: "CA1", From: "+33111111111"}
	if n := waitNote(t, notes, transport.NoteIncoming); n.From != "+33111111111" || n.Ref != "CA1" {
		t.Errorf("incoming = %+v", n)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.AcceptIncoming(context.Background(), "CA1") }()
	acc := expectSent(t, fc, msgAccept)
	fc.recv <- Message{Type: msgAck, ID: acc.ID}
	if err := <-errc; err != nil {
		t.Fatalf("AcceptIncoming() error = %v", err)
	}
	if a.liveCall() == nil {
		t.Fatal("accepted call is not live")
	}
	if err := a.AcceptIncoming(context.Background(), "CA1"); err != nil {
		t.Errorf("second AcceptIncoming() error = %v, want nil", err)
	}
	if err := a.AcceptIncoming(context.Background(), "CA-unknown"); !errors.Is(err, transport.ErrNoIncomingCall) {
		t.Errorf("AcceptIncoming(unknown) error = %v, want ErrNoIncomingCall", err)
	}

	go func() { errc <- a.TerminateActive(context.Background()) }()
	hangup := expectSent(t, fc, msgHangup)
	fc.recv <- Message{Type: msgAck, ID: hangup.ID}
	if err := <-errc; err != nil {
		t.Errorf("TerminateActive() error = %v", err)
	}

	fc.recv <- Message{Type: msgIncoming, CallSID: "CA2", From: "+33222222222"}
	waitNote(t, notes, transport.NoteIncoming)
	go func() { errc <- a.RejectIncoming(context.Background(), "CA2") }()
	rej := expectSent(t, fc, msgReject)
	fc.recv <- Message{Type: msgAck, ID: rej.ID}
	if err := <-errc; err != nil {
		t.Errorf("RejectIncoming() error = %v", err)
	}
	if err := a.RejectIncoming(context.Background(), "CA2"); err != nil {
		t.Errorf("second RejectIncoming() error = %v, want nil", err)
	}
}

func TestGatewayErrorReply(t *testing.T) {
	a, fc, _ := newConnected(t)
	errc := make(chan error, 1)
	go func() { errc <- a.Register(context.Background()) }()
	req := expectSent(t, fc, msgRegister)
	fc.recv <- Message{Type: msgError, ID: req.ID, Code: 20101, Reason: "invalid access token"}
	err := <-errc
	if !errors.Is(err, transport.ErrTransportUnavailable) {
		t.Fatalf("Register() error = %v, want ErrTransportUnavailable", err)
	}
	if !strings.Contains(err.Error(), "invalid access token") {
		t.Errorf("Register() error = %v, want gateway reason", err)
	}
}

func TestConnectionLossFailsCalls(t *testing.T) {
	a, fc, notes := newConnected(t)
	register(t, a, fc, notes)
	fc.recv <- Message{Type: msgIncoming, CallSID: "CA7", From: "+33777777777"}
	waitNote(t, notes, transport.NoteIncoming)

	fc.Close()
	if n := waitNote(t, notes, transport.NoteFailed); n.Ref != "CA7" {
		t.Errorf("failed ref = %q, want CA7", n.Ref)
	}
	waitNote(t, notes, transport.NoteDisconnected)
	if a.isRegistered() {
		t.Error("still registered after connection loss")
	}
	if _, err := a.request(context.Background(), Message{Type: msgRegister}); !errors.Is(err, errNotConnected) {
		t.Errorf("request() after loss error = %v, want errNotConnected", err)
	}
}

func TestTokenExpiryRaisesNotification(t *testing.T) {
	a, fc, notes := newConnected(t)

	claims := jwt.MapClaims{"sub": "agent-1", "exp": time.Now().Add(5 * time.Second).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.RenewCredential(context.Background(), token) }()
	req := expectSent(t, fc, msgToken)
	if req.Token != token {
		t.Error("token request does not carry the new token")
	}
	fc.recv <- Message{Type: msgAck, ID: req.ID}
	if err := <-errc; err != nil {
		t.Fatalf("RenewCredential() error = %v", err)
	}
	// exp is inside the default lead, so the warning fires at once.
	waitNote(t, notes, transport.NoteCredentialExpiringSoon)

	if err := a.RenewCredential(context.Background(), ""); !errors.Is(err, transport.ErrCredentialRenewalFailed) {
		t.Errorf("RenewCredential(\"\") error = %v, want ErrCredentialRenewalFailed", err)
	}
}

func TestWebSocketConnRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			b, op, err := wsutil.ReadClientData(conn)
			if err != nil || op == ws.OpClose {
				return
			}
			m, err := decode(b)
			if err != nil {
				return
			}
			out, _ := encode(Message{Type: msgAck, ID: m.ID, CallSID: "CA-" + m.To})
			if err := wsutil.WriteServerText(conn, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer conn.Close()

	if err := conn.Send(ctx, Message{Type: msgCall, ID: "1", To: "42"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := conn.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if got.Type != msgAck || got.ID != "1" || got.CallSID != "CA-42" {
		t.Errorf("Recv() = %+v, want ack 1 for CA-42", got)
	}
}

func TestPlayMediaIgnoresUnknownCall(t *testing.T) {
	a, err := New(Config{Endpoint: "wss://voice.example.test", Identity: "agent-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sink := &syncBuffer{got: make(chan struct{}, 1)}
	a.AttachMedia(sink)
	a.playMedia("nope", base64.StdEncoding.EncodeToString([]byte{0xFF}))
	if len(sink.buf) != 0 {
		t.Errorf("sink got %d bytes for unknown call, want 0", len(sink.buf))
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	a, fc, notes := newConnected(t)
	ctx := context.Background()

	if err := a.Unregister(ctx); err != nil {
		t.Errorf("Unregister() while unregistered error = %v", err)
	}
	register(t, a, fc, notes)
	if err := a.Register(ctx); err != nil {
		t.Errorf("second Register() error = %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- a.Unregister(ctx) }()
	// The first message after the second Register must be the unregister.
	req := expectSent(t, fc, msgUnregister)
	fc.recv <- Message{Type: msgAck, ID: req.ID}
	if err := <-errc; err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	waitNote(t, notes, transport.NoteUnregistered)

	if err := a.Unregister(ctx); err != nil {
		t.Errorf("second Unregister() error = %v", err)
	}
	select {
	case m := <-fc.sent:
		t.Errorf("second Unregister() sent %q, want nothing", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
