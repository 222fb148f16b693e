// Package controller is the call-session controller: one event loop that
// serializes UI commands and transport notifications over the device and
// session state machines.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/crmphone/internal/phone/call"
	"github.com/sebas/crmphone/internal/phone/credential"
	"github.com/sebas/crmphone/internal/phone/device"
	"github.com/sebas/crmphone/internal/phone/events"
	"github.com/sebas/crmphone/internal/phone/media"
	"github.com/sebas/crmphone/internal/phone/session"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// Option configures a Controller.
type Option func(*Controller)

// WithBus publishes onto an existing bus instead of a private one. The
// caller keeps ownership and closes it.
func WithBus(bus *events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
		c.ownsBus = false
	}
}

// WithSessionOptions passes options to the session machine.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Controller) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// View is a consistent snapshot of the controller's state.
type View struct {
	Registration device.Status `json:"registration"`
	Session      *call.Session `json:"session,omitempty"`
	Offer        *call.Offer   `json:"-"`
}

type flagResult struct {
	value bool
	err   error
}

type callResult struct {
	session call.Session
	err     error
}

// Controller is the public entry point. All state lives on the event loop
// goroutine; every exported method is safe for concurrent use.
type Controller struct {
	cfg         Config
	tr          transport.Transport
	bus         *events.Bus
	ownsBus     bool
	sessionOpts []session.Option

	device  *device.Machine
	session *session.Machine
	coord   *credential.Coordinator

	// Loop-owned waiters for command confirmations.
	callWaiters map[string]chan callResult
	muteWaiters []chan flagResult
	holdWaiters []chan flagResult

	inbox    *inbox
	quit     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// startMu serializes Start; started is set only once start succeeds.
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	viewMu sync.RWMutex
	view   View
}

// New builds a controller around tr and starts its event loop. Stop must
// be called to release it.
func New(cfg Config, tr transport.Transport, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid controller config: %w", err)
	}
	if tr == nil {
		return nil, errors.New("transport is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:         cfg,
		tr:          tr,
		bus:         events.NewBus(),
		ownsBus:     true,
		callWaiters: make(map[string]chan callResult),
		inbox:       newInbox(),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	emitter := &loopEmitter{c: c}
	c.device = device.NewMachine(emitter)
	sessOpts := append([]session.Option{session.WithOfferBinder(c.bindOffer)}, c.sessionOpts...)
	c.session = session.New(tr, emitter, sessOpts...)
	if cfg.Issuer != nil {
		c.coord = credential.NewCoordinator(cfg.Issuer, cfg.Identity, c.installCredential, c.bus)
	}
	c.view.Registration = device.StatusDisconnected

	go c.loop()
	return c, nil
}

// Start obtains the credential and connects the transport. Registration
// follows the Connected notification when AutoRegister is set. Once Start
// has succeeded further calls do nothing; after a failure it can be retried.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.isRunning() {
		return transport.ErrStopped
	}
	if c.started {
		return nil
	}
	if err := c.start(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	slog.Info("[Controller] Starting", "transport", c.cfg.Transport, "identity", c.cfg.Identity, "endpoint", c.cfg.Endpoint)

	token := c.cfg.Credential
	if c.coord != nil {
		cred, err := c.coord.Initial(ctx)
		if err != nil {
			return err
		}
		token = cred.Token
	}
	if token != "" {
		if err := c.tr.RenewCredential(ctx, token); err != nil {
			return fmt.Errorf("install credential: %w", err)
		}
	}

	if err := c.exec(ctx, c.device.BeginConnect); err != nil {
		return err
	}
	if err := c.tr.Connect(ctx, transport.NotifierFunc(c.notify)); err != nil {
		slog.Error("[Controller] Connect failed", "endpoint", c.cfg.Endpoint, "error", err)
		c.notify(transport.Notification{Kind: transport.NoteDisconnected, Reason: err.Error()})
		return fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err)
	}
	return nil
}

func (c *Controller) isRunning() bool {
	select {
	case <-c.loopDone:
		return false
	default:
		return true
	}
}

// Stop hangs up an active call, unregisters, closes the transport and
// ends the event loop. Safe to call more than once.
func (c *Controller) Stop(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		slog.Info("[Controller] Stopping")

		if err := c.exec(ctx, func() {
			if err := c.session.Hangup(ctx); err != nil {
				errs = append(errs, err)
			}
		}); err != nil {
			errs = append(errs, err)
		}

		if c.coord != nil {
			c.coord.Stop()
		}
		if c.RegistrationStatus() == device.StatusRegistered {
			if err := c.tr.Unregister(ctx); err != nil {
				errs = append(errs, fmt.Errorf("unregister: %w", err))
			}
		}
		if err := c.tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}

		c.inbox.close()
		close(c.quit)
		<-c.loopDone
		c.cancel()
		c.wg.Wait()

		if c.ownsBus {
			c.bus.Close()
		}
		slog.Info("[Controller] Stopped")
	})
	return errors.Join(errs...)
}

// Register asks the transport to register. Completion arrives as a
// Registered or RegistrationFailed event.
func (c *Controller) Register(ctx context.Context) error {
	if !c.isRunning() {
		return transport.ErrStopped
	}
	return c.tr.Register(ctx)
}

// Unregister drops the registration. Calls in progress are not affected.
func (c *Controller) Unregister(ctx context.Context) error {
	if !c.isRunning() {
		return transport.ErrStopped
	}
	return c.tr.Unregister(ctx)
}

// MakeCall dials number and returns once the call is connected. The
// session is ringing until then; a failure before connect, including a
// number the transport cannot dial, comes back as a CallSetupError. Cancelling ctx while ringing hangs the attempt up.
func (c *Controller) MakeCall(ctx context.Context, number string) (call.Session, error) {
	dest := transport.NormalizeDestination(number, c.cfg.countryPrefix())

	var (
		sess call.Session
		err  error
		wait chan callResult
	)
	if execErr := c.exec(ctx, func() {
		if st := c.device.Status(); st != device.StatusRegistered {
			slog.Warn("[MakeCall] Not registered", "status", st)
			err = transport.ErrNotRegistered
			return
		}
		sess, err = c.session.StartOutbound(ctx, dest)
		if err != nil {
			return
		}
		wait = make(chan callResult, 1)
		c.callWaiters[sess.ID] = wait
	}); execErr != nil {
		return call.Session{}, execErr
	}
	if err != nil {
		return sess, err
	}

	select {
	case r := <-wait:
		return r.session, r.err
	case <-ctx.Done():
		id := sess.ID
		c.inbox.push(func() {
			delete(c.callWaiters, id)
			if cur, ok := c.session.Current(); ok && cur.ID == id && cur.Status == call.StatusRinging {
				slog.Info("[MakeCall] Caller gave up, cancelling", "session_id", id)
				if err := c.session.Hangup(c.ctx); err != nil {
					slog.Warn("[MakeCall] Cancel failed", "session_id", id, "error", err)
				}
			}
		})
		return sess, ctx.Err()
	case <-c.loopDone:
		return sess, transport.ErrStopped
	}
}

// Answer accepts the pending inbound call.
func (c *Controller) Answer(ctx context.Context) error {
	var err error
	if execErr := c.exec(ctx, func() { err = c.session.Answer(ctx) }); execErr != nil {
		return execErr
	}
	return err
}

// Reject declines the pending inbound call.
func (c *Controller) Reject(ctx context.Context) error {
	var err error
	if execErr := c.exec(ctx, func() { err = c.session.Reject(ctx) }); execErr != nil {
		return execErr
	}
	return err
}

// Hangup ends the active call. Without one it does nothing.
func (c *Controller) Hangup(ctx context.Context) error {
	var err error
	if execErr := c.exec(ctx, func() { err = c.session.Hangup(ctx) }); execErr != nil {
		return execErr
	}
	return err
}

// ToggleMute flips mute and returns the state the transport confirmed.
// Without a connected call it returns false and does nothing.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	return c.toggle(ctx, c.session.ToggleMute, &c.muteWaiters)
}

// ToggleHold flips hold and returns the confirmed state.
func (c *Controller) ToggleHold(ctx context.Context) (bool, error) {
	return c.toggle(ctx, c.session.ToggleHold, &c.holdWaiters)
}

func (c *Controller) toggle(ctx context.Context, fn func(context.Context) (bool, bool, error), waiters *[]chan flagResult) (bool, error) {
	var (
		sent bool
		err  error
		wait chan flagResult
	)
	if execErr := c.exec(ctx, func() {
		_, sent, err = fn(ctx)
		if sent {
			wait = make(chan flagResult, 1)
			*waiters = append(*waiters, wait)
		}
	}); execErr != nil {
		return false, execErr
	}
	if err != nil || !sent {
		return false, err
	}

	select {
	case r := <-wait:
		return r.value, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.loopDone:
		return false, transport.ErrStopped
	}
}

// SendDTMF plays one dialpad tone on the connected call.
func (c *Controller) SendDTMF(ctx context.Context, digit string) error {
	var err error
	if execErr := c.exec(ctx, func() { err = c.session.SendDTMF(ctx, digit) }); execErr != nil {
		return execErr
	}
	return err
}

// AttachMedia routes remote audio into sink, replacing any previous sink.
func (c *Controller) AttachMedia(sink media.Sink) {
	c.inbox.push(func() { c.tr.AttachMedia(sink) })
}

// Subscribe returns a subscription to the given kinds, or to all of them.
func (c *Controller) Subscribe(kinds ...events.Kind) *events.Subscription {
	return c.bus.Subscribe(0, kinds...)
}

// SubscribeFunc runs fn for every matching event on its own goroutine.
func (c *Controller) SubscribeFunc(fn func(events.Event), kinds ...events.Kind) *events.Subscription {
	return c.bus.SubscribeFunc(fn, kinds...)
}

// RegistrationStatus returns the current RegistrationStatus.
func (c *Controller) RegistrationStatus() device.Status {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.Registration
}

// View returns the registration status, the active session and the
// pending offer as of the last processed loop step.
func (c *Controller) View() View {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	v := c.view
	if v.Session != nil {
		s := *v.Session
		v.Session = &s
	}
	return v
}

// Capabilities reports what the configured transport supports.
func (c *Controller) Capabilities() transport.Capabilities {
	return c.tr.Capabilities()
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() Config {
	return c.cfg
}

// notify is the transport's Notifier. It only enqueues.
func (c *Controller) notify(n transport.Notification) {
	if !c.inbox.push(func() { c.handleNote(n) }) {
		slog.Debug("[Controller] Dropping notification after stop", "kind", n.Kind)
	}
}

func (c *Controller) handleNote(n transport.Notification) {
	slog.Debug("[Controller] Notification", "kind", n.Kind, "ref", n.Ref, "reason", n.Reason)

	if c.device.Handle(n) {
		switch n.Kind {
		case transport.NoteConnected:
			if c.cfg.AutoRegister {
				c.registerAsync()
			}
		case transport.NoteDisconnected:
			// Without signaling a ringing call can never complete.
			if st := c.session.State(); st == session.StateRingingOut || st == session.StateRingingIn {
				c.session.Abort("transport disconnected")
			}
		}
		return
	}

	if n.Kind == transport.NoteCredentialExpiringSoon {
		if c.coord == nil {
			slog.Warn("[Controller] Credential expiring but no issuer configured")
			return
		}
		c.coord.ExpiringSoon()
		return
	}

	current := c.session.State().IsActive() && n.Ref == c.session.Ref()
	c.session.Handle(c.ctx, n)
	if !current {
		return
	}
	switch n.Kind {
	case transport.NoteMuteChanged:
		c.muteWaiters = resolveFlags(c.muteWaiters, flagResult{value: n.Flag})
	case transport.NoteHoldChanged:
		c.holdWaiters = resolveFlags(c.holdWaiters, flagResult{value: n.Flag})
	}
}

func (c *Controller) registerAsync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.tr.Register(c.ctx); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			slog.Warn("[Controller] Register failed", "error", err)
			c.notify(transport.Notification{Kind: transport.NoteRegistrationFailed, Reason: err.Error()})
		}
	}()
}

// installCredential hands a renewed token to the transport from the loop,
// so it is ordered with call commands.
func (c *Controller) installCredential(ctx context.Context, token string) error {
	var err error
	if execErr := c.exec(ctx, func() { err = c.tr.RenewCredential(ctx, token) }); execErr != nil {
		return execErr
	}
	return err
}

// bindOffer routes Offer.Answer and Offer.Reject through the loop, and only
// while that offer is still the pending one.
func (c *Controller) bindOffer(sessionID string) (answer, reject func(context.Context) error) {
	run := func(op func(context.Context) error) func(context.Context) error {
		return func(ctx context.Context) error {
			var err error
			if execErr := c.exec(ctx, func() {
				cur, ok := c.session.Current()
				if !ok || cur.ID != sessionID || c.session.State() != session.StateRingingIn {
					err = transport.ErrNoIncomingCall
					return
				}
				err = op(ctx)
			}); execErr != nil {
				return execErr
			}
			return err
		}
	}
	return run(c.session.Answer), run(c.session.Reject)
}

// settle resolves command waiters from the events the machines emit.
func (c *Controller) settle(e events.Event) {
	id := e.SessionID()
	switch e.Kind {
	case events.CallAccepted:
		if w, ok := c.callWaiters[id]; ok {
			w <- callResult{session: *e.Session}
			delete(c.callWaiters, id)
		}
	case events.CallFailed, events.CallEnded:
		if w, ok := c.callWaiters[id]; ok {
			reason := e.Session.FailureReason
			if reason == "" {
				reason = e.Reason
			}
			w <- callResult{
				session: *e.Session,
				err:     &transport.CallSetupError{Reason: reason},
			}
			delete(c.callWaiters, id)
		}
		c.muteWaiters = resolveFlags(c.muteWaiters, flagResult{err: transport.ErrNoActiveCall})
		c.holdWaiters = resolveFlags(c.holdWaiters, flagResult{err: transport.ErrNoActiveCall})
	}
}

func (c *Controller) refreshView() {
	v := View{
		Registration: c.device.Status(),
		Offer:        c.session.Offer(),
	}
	if s, ok := c.session.Current(); ok {
		v.Session = &s
	}
	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()
}

func resolveFlags(waiters []chan flagResult, r flagResult) []chan flagResult {
	for _, w := range waiters {
		w <- r
	}
	return nil
}

// loopEmitter is the machines' publisher: it settles waiters, then fans
// out on the bus. Only called from the loop.
type loopEmitter struct {
	c *Controller
}

var _ events.Publisher = (*loopEmitter)(nil)

func (e *loopEmitter) Publish(ctx context.Context, ev events.Event) error {
	e.c.settle(ev)
	return e.c.bus.Publish(ctx, ev)
}

func (e *loopEmitter) Close() error { return nil }
