// Package voicesdk binds the managed voice SDK to the transport capability.
// The SDK gateway speaks JSON over a WebSocket: the device authenticates with
// a short-lived access token, the gateway owns the media path and relays the
// call's remote audio as base64 mu-law frames.
package voicesdk

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/crmphone/internal/phone/credential"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

const (
	DefaultEdge = "dublin"
	// DefaultExpiryLead is how long before the token's exp the adapter
	// raises NoteCredentialExpiringSoon.
	DefaultExpiryLead = 10 * time.Second
	// DefaultRequestTimeout bounds the wait for a gateway ack.
	DefaultRequestTimeout = 10 * time.Second

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// DefaultCodecPreferences is the order offered to the gateway.
var DefaultCodecPreferences = []string{"opus", "pcmu"}

var (
	errNotConnected     = errors.New("voice gateway not connected")
	errEmptyDestination = errors.New("no dialable digits in destination")
)

// Config configures the adapter.
type Config struct {
	// Endpoint is the gateway's ws:// or wss:// URL.
	Endpoint string
	Identity string

	Edge             string
	CodecPreferences []string

	ExpiryLead     time.Duration
	RequestTimeout time.Duration

	// Source, when set, supplies 16-bit little-endian 8 kHz PCM sent as
	// local audio on a connected call.
	Source io.Reader

	// Dial overrides the WebSocket dialer, mainly for tests.
	Dial Dialer
}

func (c *Config) applyDefaults() {
	if c.Edge == "" {
		c.Edge = DefaultEdge
	}
	if len(c.CodecPreferences) == 0 {
		c.CodecPreferences = DefaultCodecPreferences
	}
	if c.ExpiryLead <= 0 {
		c.ExpiryLead = DefaultExpiryLead
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.Dial == nil {
		c.Dial = DialWebSocket
	}
}

type pendingRequest struct {
	kind  string
	reply chan Message
}

// sdkCall tracks one gateway call.
type sdkCall struct {
	ref      transport.CallRef
	incoming bool
	live     bool
	out      *media.Attachment
	stop     context.CancelFunc
}

// Adapter is the managed voice SDK transport.
type Adapter struct {
	cfg  Config
	slot *media.Slot

	mu         sync.Mutex
	notifier   transport.Notifier
	conn       Conn
	token      string
	connected  bool
	registered bool
	// wantRegistered survives reconnects so the device re-registers.
	wantRegistered bool
	pending        map[string]pendingRequest
	calls          map[transport.CallRef]*sdkCall
	active         *sdkCall
	expiry         *time.Timer

	seq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Adapter)(nil)

// New validates cfg and returns an unconnected adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("voice SDK endpoint is required")
	}
	if cfg.Identity == "" {
		return nil, errors.New("voice SDK identity is required")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:     cfg,
		slot:    media.NewSlot(nil),
		pending: make(map[string]pendingRequest),
		calls:   make(map[transport.CallRef]*sdkCall),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect starts the signaling loop. Connectivity is reported through n.
func (a *Adapter) Connect(_ context.Context, n transport.Notifier) error {
	a.mu.Lock()
	if a.notifier != nil {
		a.mu.Unlock()
		return errors.New("voice SDK adapter already connected")
	}
	a.notifier = n
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run()
	return nil
}

// run dials the gateway and reconnects with exponential backoff until Close.
func (a *Adapter) run() {
	defer a.wg.Done()
	backoff := minBackoff
	first := true
	for {
		conn, err := a.cfg.Dial(a.ctx, a.cfg.Endpoint)
		if err == nil {
			err = a.session(conn)
			backoff = minBackoff
		}
		if a.ctx.Err() != nil {
			return
		}

		wasConnected := a.markDown()
		if wasConnected || first {
			reason := "gateway unreachable"
			if err != nil {
				reason = err.Error()
			}
			slog.Warn("[VoiceSDK] Gateway connection lost", "endpoint", a.cfg.Endpoint, "error", err)
			a.notify(transport.Notification{Kind: transport.NoteDisconnected, Reason: reason})
		}
		first = false

		select {
		case <-a.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// session sends the hello and reads until the connection fails.
func (a *Adapter) session(conn Conn) error {
	a.mu.Lock()
	a.conn = conn
	token := a.token
	a.mu.Unlock()

	stop := context.AfterFunc(a.ctx, func() { _ = conn.Close() })
	defer stop()

	hello := Message{
		Type:     msgHello,
		Identity: a.cfg.Identity,
		Token:    token,
		Options: &DeviceOptions{
			Edge:             a.cfg.Edge,
			CodecPreferences: a.cfg.CodecPreferences,
		},
	}
	if err := conn.Send(a.ctx, hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		m, err := conn.Recv(a.ctx)
		if err != nil {
			_ = conn.Close()
			return err
		}
		a.dispatch(m)
	}
}

// markDown clears connection state and fails everything that depended on
// it. Reports whether the gateway had been reachable.
func (a *Adapter) markDown() bool {
	a.mu.Lock()
	was := a.connected
	a.connected = false
	a.registered = false
	a.conn = nil
	pending := a.pending
	a.pending = make(map[string]pendingRequest)
	a.mu.Unlock()

	for _, p := range pending {
		close(p.reply)
	}
	a.dropCalls(transport.ReasonError)
	return was
}

func (a *Adapter) dispatch(m Message) {
	if m.isReply() {
		a.mu.Lock()
		p, ok := a.pending[m.ID]
		delete(a.pending, m.ID)
		// Track a placed call before its first event can be dispatched.
		if ok && p.kind == msgCall && m.Type == msgAck && m.CallSID != "" {
			c := &sdkCall{ref: transport.CallRef(m.CallSID)}
			a.calls[c.ref] = c
			a.active = c
		}
		a.mu.Unlock()
		if ok {
			p.reply <- m
		}
		return
	}

	ref := transport.CallRef(m.CallSID)
	switch m.Type {
	case msgReady:
		a.mu.Lock()
		a.connected = true
		rereg := a.wantRegistered
		a.mu.Unlock()
		slog.Info("[VoiceSDK] Gateway ready", "endpoint", a.cfg.Endpoint, "edge", a.cfg.Edge)
		a.notify(transport.Notification{Kind: transport.NoteConnected})
		if rereg {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				if err := a.Register(a.ctx); err != nil {
					a.notify(transport.Notification{Kind: transport.NoteRegistrationFailed, Reason: err.Error()})
				}
			}()
		}

	case msgIncoming:
		c := &sdkCall{ref: ref, incoming: true}
		a.mu.Lock()
		a.calls[ref] = c
		if a.active == nil {
			a.active = c
		}
		a.mu.Unlock()
		slog.Info("[VoiceSDK] Incoming call", "call_sid", ref, "from", m.From)
		a.notify(transport.Notification{Kind: transport.NoteIncoming, Ref: ref, From: m.From})

	case msgRinging:
		a.notify(transport.Notification{Kind: transport.NoteProgress, Ref: ref})

	case msgAccepted:
		if c := a.lookup(ref); c != nil {
			a.goLive(c)
		}
		slog.Info("[VoiceSDK] Call accepted", "call_sid", ref)
		a.notify(transport.Notification{Kind: transport.NoteAccepted, Ref: ref})

	case msgDisconnected:
		a.finish(ref)
		slog.Info("[VoiceSDK] Call disconnected", "call_sid", ref)
		a.notify(transport.Notification{Kind: transport.NoteEnded, Ref: ref})

	case msgCancelled:
		a.finish(ref)
		a.notify(transport.Notification{Kind: transport.NoteEnded, Ref: ref, Reason: transport.ReasonCancelled})

	case msgFailed:
		a.finish(ref)
		reason := failureReason(m)
		slog.Warn("[VoiceSDK] Call failed", "call_sid", ref, "code", m.Code, "reason", m.Reason)
		a.notify(transport.Notification{Kind: transport.NoteFailed, Ref: ref, Reason: reason})

	case msgMuted:
		if m.Muted != nil {
			a.notify(transport.Notification{Kind: transport.NoteMuteChanged, Ref: ref, Flag: *m.Muted})
		}

	case msgMedia:
		a.playMedia(ref, m.Payload)

	case msgTokenExpired:
		a.notify(transport.Notification{Kind: transport.NoteCredentialExpiringSoon})

	default:
		slog.Debug("[VoiceSDK] Ignoring message", "type", m.Type)
	}
}

// failureReason maps gateway error codes onto transport reasons. The
// gateway reports SIP-style status codes for PSTN legs.
func failureReason(m Message) string {
	switch m.Code {
	case 486, 600:
		return transport.ReasonBusy
	case 603:
		return transport.ReasonRejected
	case 408, 480:
		return transport.ReasonTimeout
	case 487:
		return transport.ReasonCancelled
	}
	switch m.Reason {
	case transport.ReasonBusy, transport.ReasonRejected, transport.ReasonTimeout, transport.ReasonCancelled:
		return m.Reason
	}
	return transport.ReasonError
}

// request sends m with a fresh ID and waits for the matching ack.
func (a *Adapter) request(ctx context.Context, m Message) (Message, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil || !a.connected {
		a.mu.Unlock()
		return Message{}, fmt.Errorf("%s: %w", m.Type, errNotConnected)
	}
	m.ID = strconv.FormatUint(a.seq.Add(1), 10)
	ch := make(chan Message, 1)
	a.pending[m.ID] = pendingRequest{kind: m.Type, reply: ch}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	if err := conn.Send(ctx, m); err != nil {
		a.dropPending(m.ID)
		return Message{}, fmt.Errorf("send %s: %w", m.Type, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Message{}, fmt.Errorf("%s: %w", m.Type, errNotConnected)
		}
		if reply.Type == msgError {
			return reply, fmt.Errorf("%s refused by gateway: %s (code %d)", m.Type, reply.Reason, reply.Code)
		}
		return reply, nil
	case <-ctx.Done():
		a.dropPending(m.ID)
		return Message{}, fmt.Errorf("%s: %w", m.Type, ctx.Err())
	}
}

func (a *Adapter) dropPending(id string) {
	a.mu.Lock()
	delete(a.pending, id)
	a.mu.Unlock()
}

func (a *Adapter) notify(n transport.Notification) {
	a.mu.Lock()
	notifier := a.notifier
	a.mu.Unlock()
	if notifier != nil {
		notifier.Notify(n)
	}
}

// Register makes the device reachable for incoming calls.
func (a *Adapter) Register(ctx context.Context) error {
	if a.isRegistered() {
		return nil
	}
	if _, err := a.request(ctx, Message{Type: msgRegister}); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err)
	}
	a.mu.Lock()
	a.registered = true
	a.wantRegistered = true
	a.mu.Unlock()
	slog.Info("[VoiceSDK] Registered", "identity", a.cfg.Identity)
	a.notify(transport.Notification{Kind: transport.NoteRegistered})
	return nil
}

// Unregister withdraws the device. The local state is cleared even if the
// gateway cannot be told. An unregistered device sends nothing.
func (a *Adapter) Unregister(ctx context.Context) error {
	a.mu.Lock()
	was := a.registered
	a.wantRegistered = false
	a.mu.Unlock()
	if !was {
		return nil
	}
	_, err := a.request(ctx, Message{Type: msgUnregister})
	a.mu.Lock()
	a.registered = false
	a.wantRegistered = false
	a.mu.Unlock()
	a.notify(transport.Notification{Kind: transport.NoteUnregistered})
	return err
}

func (a *Adapter) isRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// PlaceCall asks the gateway to dial destination and returns its call SID.
func (a *Adapter) PlaceCall(ctx context.Context, destination string) (transport.CallRef, error) {
	if !a.isRegistered() {
		return "", transport.ErrNotRegistered
	}
	if destination == "" {
		return "", &transport.CallSetupError{Reason: transport.ReasonError, Err: errEmptyDestination}
	}
	reply, err := a.request(ctx, Message{Type: msgCall, To: destination, Params: map[string]string{"To": destination}})
	if err != nil {
		return "", &transport.CallSetupError{Reason: transport.ReasonError, Err: err}
	}
	if reply.CallSID == "" {
		return "", &transport.CallSetupError{Reason: transport.ReasonError, Err: errors.New("gateway returned no call SID")}
	}

	ref := transport.CallRef(reply.CallSID)
	slog.Info("[VoiceSDK] Outbound call placed", "call_sid", ref, "to", destination)
	return ref, nil
}

// AcceptIncoming answers the offered call.
func (a *Adapter) AcceptIncoming(ctx context.Context, ref transport.CallRef) error {
	c := a.offered(ref)
	if c == nil {
		if a.answered(ref) {
			return nil
		}
		return transport.ErrNoIncomingCall
	}
	if _, err := a.request(ctx, Message{Type: msgAccept, CallSID: string(ref)}); err != nil {
		a.finish(ref)
		return err
	}
	a.mu.Lock()
	a.active = c
	a.mu.Unlock()
	a.goLive(c)
	return nil
}

// RejectIncoming declines the offered call.
func (a *Adapter) RejectIncoming(ctx context.Context, ref transport.CallRef) error {
	if a.offered(ref) == nil {
		return nil
	}
	a.finish(ref)
	_, err := a.request(ctx, Message{Type: msgReject, CallSID: string(ref)})
	return err
}

// TerminateActive cancels, rejects or hangs up the active call.
func (a *Adapter) TerminateActive(ctx context.Context) error {
	a.mu.Lock()
	c := a.active
	var incoming, live bool
	if c != nil {
		incoming, live = c.incoming, c.live
	}
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	if incoming && !live {
		return a.RejectIncoming(ctx, c.ref)
	}
	kind := msgHangup
	if !live {
		kind = msgCancel
	}
	a.finish(c.ref)
	_, err := a.request(ctx, Message{Type: kind, CallSID: string(c.ref)})
	return err
}

// SetMuted asks the gateway to mute the local leg. The change is confirmed
// by the gateway's muted event.
func (a *Adapter) SetMuted(ctx context.Context, muted bool) error {
	c := a.liveCall()
	if c == nil {
		return nil
	}
	_, err := a.request(ctx, Message{Type: msgMute, CallSID: string(c.ref), Muted: boolPtr(muted)})
	return err
}

// SetHeld is not offered by the SDK.
func (a *Adapter) SetHeld(context.Context, bool) error {
	return transport.ErrHoldUnsupported
}

// SendTone plays one dialpad digit on the connected call.
func (a *Adapter) SendTone(ctx context.Context, digit string) error {
	c := a.liveCall()
	if c == nil {
		return nil
	}
	if !media.IsDialpadTone(digit) {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}
	_, err := a.request(ctx, Message{Type: msgDigits, CallSID: string(c.ref), Digits: digit})
	return err
}

// AttachMedia replaces the remote-audio sink.
func (a *Adapter) AttachMedia(sink media.Sink) {
	a.slot.SetSink(sink)
}

// RenewCredential installs token. Before the first connection it is only
// stored for the hello; afterwards the gateway is updated in place.
func (a *Adapter) RenewCredential(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: empty token", transport.ErrCredentialRenewalFailed)
	}
	a.mu.Lock()
	a.token = token
	live := a.connected
	a.mu.Unlock()

	a.scheduleExpiry(token)
	if !live {
		return nil
	}
	if _, err := a.request(ctx, Message{Type: msgToken, Token: token}); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrCredentialRenewalFailed, err)
	}
	slog.Info("[VoiceSDK] Access token updated")
	return nil
}

// scheduleExpiry arms the local expiry warning from the token's exp claim.
// The gateway's own tokenWillExpire event may arrive first; the
// coordinator coalesces both.
func (a *Adapter) scheduleExpiry(token string) {
	exp, err := credential.ExpiresAt(token)
	if err != nil {
		slog.Warn("[VoiceSDK] Cannot read token expiry", "error", err)
		return
	}
	delay := max(time.Until(exp)-a.cfg.ExpiryLead, 0)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.expiry != nil {
		a.expiry.Stop()
	}
	a.expiry = time.AfterFunc(delay, func() {
		slog.Info("[VoiceSDK] Access token expiring", "expires_at", exp)
		a.notify(transport.Notification{Kind: transport.NoteCredentialExpiringSoon})
	})
}

// Capabilities reports no hold and native credential renewal.
func (a *Adapter) Capabilities() transport.Capabilities {
	return transport.Capabilities{Hold: false, CredentialRenewal: true}
}

// Close stops the signaling loop and releases all calls.
func (a *Adapter) Close() error {
	a.cancel()
	a.mu.Lock()
	if a.expiry != nil {
		a.expiry.Stop()
	}
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	a.wg.Wait()

	a.mu.Lock()
	calls := a.calls
	a.calls = make(map[transport.CallRef]*sdkCall)
	a.active = nil
	a.mu.Unlock()
	for _, c := range calls {
		c.release()
	}
	return nil
}

func (a *Adapter) lookup(ref transport.CallRef) *sdkCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[ref]
}

// offered returns the call if it is an unanswered incoming one.
func (a *Adapter) offered(ref transport.CallRef) *sdkCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.calls[ref]
	if c == nil || !c.incoming || c.live {
		return nil
	}
	return c
}

// answered reports whether ref is an incoming call that already went live.
func (a *Adapter) answered(ref transport.CallRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.calls[ref]
	return c != nil && c.incoming && c.live
}

func (a *Adapter) liveCall() *sdkCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil || !a.active.live {
		return nil
	}
	return a.active
}

// goLive binds the call's audio to the sink and starts the local audio pump.
func (a *Adapter) goLive(c *sdkCall) {
	a.mu.Lock()
	if c.live {
		a.mu.Unlock()
		return
	}
	c.live = true
	c.out = a.slot.Attach()
	ctx, cancel := context.WithCancel(a.ctx)
	c.stop = cancel
	a.mu.Unlock()

	if a.cfg.Source != nil {
		a.wg.Add(1)
		go a.pumpSource(ctx, c.ref)
	}
}

// finish forgets the call and detaches its audio.
func (a *Adapter) finish(ref transport.CallRef) {
	a.mu.Lock()
	c := a.calls[ref]
	delete(a.calls, ref)
	if a.active == c {
		a.active = nil
	}
	a.mu.Unlock()
	if c != nil {
		c.release()
	}
}

func (c *sdkCall) release() {
	if c.stop != nil {
		c.stop()
	}
	if c.out != nil {
		c.out.Detach()
	}
}

// dropCalls fails every call after the gateway connection was lost.
func (a *Adapter) dropCalls(reason string) {
	a.mu.Lock()
	refs := make([]transport.CallRef, 0, len(a.calls))
	for ref := range a.calls {
		refs = append(refs, ref)
	}
	a.mu.Unlock()
	for _, ref := range refs {
		a.finish(ref)
		a.notify(transport.Notification{Kind: transport.NoteFailed, Ref: ref, Reason: reason})
	}
}

// playMedia decodes one relayed mu-law frame into the call's attachment.
func (a *Adapter) playMedia(ref transport.CallRef, payload string) {
	a.mu.Lock()
	c := a.calls[ref]
	var out *media.Attachment
	if c != nil {
		out = c.out
	}
	a.mu.Unlock()
	if out == nil {
		return
	}
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		slog.Debug("[VoiceSDK] Bad media frame", "call_sid", ref, "error", err)
		return
	}
	pcm, err := media.CodecPCMU.Decode(ulaw)
	if err != nil {
		return
	}
	_, _ = out.Write(pcm)
}

// pumpSource sends local PCM as 20 ms mu-law media frames.
func (a *Adapter) pumpSource(ctx context.Context, ref transport.CallRef) {
	defer a.wg.Done()
	codec := media.CodecPCMU
	frame := make([]byte, codec.SamplesPerFrame()*2)
	ticker := time.NewTicker(codec.FrameDur)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := io.ReadFull(a.cfg.Source, frame); err != nil {
			slog.Debug("[VoiceSDK] Audio source drained", "call_sid", ref, "error", err)
			return
		}
		ulaw, err := codec.Encode(frame)
		if err != nil {
			continue
		}
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}
		m := Message{Type: msgMedia, CallSID: string(ref), Payload: base64.StdEncoding.EncodeToString(ulaw)}
		if err := conn.Send(ctx, m); err != nil {
			slog.Debug("[VoiceSDK] Media send failed", "call_sid", ref, "error", err)
			return
		}
	}
}
