// Package siptransport binds the call controller to a SIP registrar reached
// over WebSocket (RFC 7118). Signaling runs on sipgo; media is plain RTP
// negotiated with SDP offer/answer.
package siptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/transport"
)

const (
	DefaultUserAgent = "Twenty CRM Phone Widget v1.0"
	DefaultExpires   = 600 * time.Second
	DefaultKeepAlive = 30 * time.Second

	requestTimeout = 5 * time.Second
	toneDuration   = 100 * time.Millisecond
)

// Config configures the SIP binding.
type Config struct {
	// Endpoint is the registrar WebSocket URL, e.g. wss://pbx.example.com:443.
	Endpoint    string
	Identity    string
	DisplayName string
	Password    string

	Expires   time.Duration
	UserAgent string
	KeepAlive time.Duration

	// MediaAddr is the IPv4 address advertised in SDP. Empty picks the
	// address of the interface that routes to the registrar.
	MediaAddr string
	// Source supplies microphone PCM. Nil sends silence.
	Source io.Reader
}

func (c *Config) applyDefaults() {
	if c.Expires <= 0 {
		c.Expires = DefaultExpires
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
}

// Adapter implements transport.Transport over SIP.
type Adapter struct {
	cfg Config

	domain    string
	proxyAddr string
	tp        string
	aor       sip.Uri
	contact   sip.Uri

	ua     *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	notifier transport.Notifier
	slot     *media.Slot

	mu         sync.Mutex
	password   string
	connected  bool
	registered bool
	regCallID  string
	regTag     string
	regCSeq    uint32
	regTimer   *time.Timer
	// regWanted keeps refresh retries alive after a lapse until Unregister.
	regWanted  bool
	regExpiry  time.Time
	regBackoff time.Duration
	calls      map[transport.CallRef]*call
	active     *call
	mediaAddr  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ transport.Transport = (*Adapter)(nil)

// New parses the endpoint and prepares the binding. Nothing touches the
// network until Connect.
func New(cfg Config) (*Adapter, error) {
	cfg.applyDefaults()
	if cfg.Identity == "" {
		return nil, errors.New("sip identity is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}

	var tp string
	defaultPort := 443
	switch strings.ToLower(u.Scheme) {
	case "wss":
		tp = "WSS"
	case "ws":
		tp = "WS"
		defaultPort = 80
	default:
		return nil, fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", cfg.Endpoint)
	}
	port := defaultPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid endpoint port %q: %w", p, err)
		}
	}

	contactParams := sip.NewParams()
	contactParams.Add("transport", strings.ToLower(tp))

	a := &Adapter{
		cfg:       cfg,
		domain:    host,
		proxyAddr: net.JoinHostPort(host, strconv.Itoa(port)),
		tp:        tp,
		aor:       sip.Uri{Scheme: "sip", User: cfg.Identity, Host: host},
		contact: sip.Uri{
			Scheme:    "sip",
			User:      cfg.Identity,
			Host:      uuid.New().String()[:8] + ".invalid",
			UriParams: contactParams,
		},
		slot:      media.NewSlot(nil),
		password:  cfg.Password,
		regCallID: uuid.New().String(),
		regTag:    uuid.New().String()[:8],
		calls:     make(map[transport.CallRef]*call),
		mediaAddr: cfg.MediaAddr,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// AOR returns the address of record, sip:{identity}@{domain}.
func (a *Adapter) AOR() sip.Uri { return a.aor }

// Connect builds the SIP stack and starts the keep-alive prober. The first
// successful probe reports NoteConnected; later outages report
// NoteDisconnected and are retried with backoff.
func (a *Adapter) Connect(ctx context.Context, n transport.Notifier) error {
	a.mu.Lock()
	if a.ua != nil {
		a.mu.Unlock()
		return nil
	}
	a.notifier = n

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(a.cfg.UserAgent))
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		a.mu.Unlock()
		ua.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		a.mu.Unlock()
		ua.Close()
		return fmt.Errorf("failed to create client: %w", err)
	}
	a.ua, a.server, a.client = ua, srv, client

	// Requests from the registrar arrive on the connection we opened.
	srv.OnRequest(sip.INVITE, a.handleINVITE)
	srv.OnRequest(sip.ACK, a.handleACK)
	srv.OnRequest(sip.BYE, a.handleBYE)
	srv.OnRequest(sip.CANCEL, a.handleCANCEL)
	srv.OnRequest(sip.OPTIONS, a.handleOPTIONS)

	if a.mediaAddr == "" {
		a.mediaAddr = localAddrFor(a.proxyAddr)
	}
	a.mu.Unlock()

	slog.Info("[SIP] Connecting",
		"endpoint", a.cfg.Endpoint,
		"aor", a.aor.String(),
		"transport", a.tp,
		"media_addr", a.mediaAddr,
	)

	a.wg.Add(1)
	go a.keepAlive()
	return nil
}

// localAddrFor returns the local IPv4 that routes to addr. No packet is sent.
func localAddrFor(addr string) string {
	conn, err := net.Dial("udp4", addr)
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	return "127.0.0.1"
}

// keepAlive probes the registrar with OPTIONS and reports connectivity edges.
func (a *Adapter) keepAlive() {
	defer a.wg.Done()

	backoff := time.Second
	for first := true; ; first = false {
		err := a.probe(a.ctx)
		if a.ctx.Err() != nil {
			return
		}

		a.mu.Lock()
		was := a.connected
		a.connected = err == nil
		if err != nil {
			a.registered = false
			a.regWanted = false
			a.stopRefreshLocked()
		}
		a.mu.Unlock()

		wait := a.cfg.KeepAlive
		if err == nil {
			backoff = time.Second
			if !was {
				slog.Info("[SIP] Connected", "endpoint", a.cfg.Endpoint)
				a.notify(transport.Notification{Kind: transport.NoteConnected})
			}
		} else {
			if was || first {
				slog.Warn("[SIP] Registrar unreachable", "endpoint", a.cfg.Endpoint, "error", err)
				a.notify(transport.Notification{Kind: transport.NoteDisconnected, Reason: err.Error()})
				a.dropCalls()
			} else {
				slog.Debug("[SIP] Reconnect attempt failed", "error", err, "retry_in", backoff)
			}
			wait = backoff
			backoff = min(backoff*2, 30*time.Second)
		}

		select {
		case <-a.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// probe sends OPTIONS to the registrar. Any response counts as reachable.
func (a *Adapter) probe(ctx context.Context) error {
	req := sip.NewRequest(sip.OPTIONS, sip.Uri{Scheme: "sip", Host: a.domain})
	a.addIdentity(req, a.regTag)
	callID := sip.CallIDHeader(uuid.New().String())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.OPTIONS})

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := a.roundTrip(ctx, req)
	return err
}

// addIdentity sets From and To to our AOR, with From tagged.
func (a *Adapter) addIdentity(req *sip.Request, tag string) {
	fromParams := sip.NewParams()
	fromParams.Add("tag", tag)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: a.cfg.DisplayName,
		Address:     a.aor,
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{Address: a.aor, Params: sip.NewParams()})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(sip.NewHeader("User-Agent", a.cfg.UserAgent))
}

// route sends req over the registrar connection whatever its Request-URI.
func (a *Adapter) route(req *sip.Request) {
	req.SetTransport(a.tp)
	req.SetDestination(a.proxyAddr)
}

var (
	errTxTerminated     = errors.New("transaction terminated without final response")
	errEmptyDestination = errors.New("no dialable digits in destination")
)

// roundTrip runs a non-INVITE transaction and returns its final response.
func (a *Adapter) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	a.route(req)
	tx, err := a.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, errTxTerminated
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, errTxTerminated
		}
	}
}

// authedRoundTrip retries build with digest credentials on 401/407.
func (a *Adapter) authedRoundTrip(ctx context.Context, build func(auth sip.Header) *sip.Request) (*sip.Response, error) {
	var auth sip.Header
	for attempt := 0; ; attempt++ {
		req := build(auth)
		resp, err := a.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if !isChallenge(resp) {
			return resp, nil
		}
		if attempt >= maxAuthAttempts {
			return resp, fmt.Errorf("authentication rejected: %d %s", resp.StatusCode, resp.Reason)
		}
		a.mu.Lock()
		password := a.password
		a.mu.Unlock()
		if auth, err = authorization(req, resp, a.cfg.Identity, password); err != nil {
			return resp, err
		}
	}
}

func (a *Adapter) notify(n transport.Notification) {
	a.mu.Lock()
	notifier := a.notifier
	a.mu.Unlock()
	if notifier != nil {
		notifier.Notify(n)
	}
}

// AttachMedia installs the remote-audio sink for current and future calls.
func (a *Adapter) AttachMedia(sink media.Sink) {
	a.slot.SetSink(sink)
}

// RenewCredential replaces the digest password for subsequent challenges.
func (a *Adapter) RenewCredential(_ context.Context, credential string) error {
	a.mu.Lock()
	a.password = credential
	a.mu.Unlock()
	return nil
}

// Capabilities reports SIP hold support. Digest passwords do not expire.
func (a *Adapter) Capabilities() transport.Capabilities {
	return transport.Capabilities{Hold: true, CredentialRenewal: false}
}

// Close tears down calls, stops timers and closes the user agent.
func (a *Adapter) Close() error {
	a.cancel()

	a.mu.Lock()
	a.stopRefreshLocked()
	calls := make([]*call, 0, len(a.calls))
	for _, c := range a.calls {
		calls = append(calls, c)
	}
	a.calls = make(map[transport.CallRef]*call)
	a.active = nil
	ua := a.ua
	a.mu.Unlock()

	for _, c := range calls {
		c.release()
	}
	a.wg.Wait()
	if ua != nil {
		return ua.Close()
	}
	return nil
}
