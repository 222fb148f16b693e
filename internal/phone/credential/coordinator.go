package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/crmphone/internal/phone/events"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// InstallFunc hands a fresh token to the transport. The controller routes
// it through its event loop so installation is ordered with calls.
type InstallFunc func(ctx context.Context, token string) error

// Coordinator renews the credential when the transport warns that it is
// about to expire. Fetches run off the event loop; a failed fetch is
// retried once right away and then reported as an event. It never
// disconnects the transport.
type Coordinator struct {
	issuer   Issuer
	identity string
	install  InstallFunc
	pub      events.Publisher
	timeout  time.Duration

	mu       sync.Mutex
	inflight bool
	current  Credential

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator for identity.
func NewCoordinator(issuer Issuer, identity string, install InstallFunc, pub events.Publisher) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		issuer:   issuer,
		identity: identity,
		install:  install,
		pub:      pub,
		timeout:  10 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Initial fetches the startup credential, with the same single retry as a
// renewal. A failure here means the transport cannot come up.
func (c *Coordinator) Initial(ctx context.Context) (Credential, error) {
	cred, err := c.fetch(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", transport.ErrTransportUnavailable, err)
	}
	c.mu.Lock()
	c.current = cred
	c.mu.Unlock()
	slog.Info("[Credential] Initial credential obtained", "identity", cred.Identity)
	return cred, nil
}

// Current returns the last credential obtained.
func (c *Coordinator) Current() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ExpiringSoon starts a renewal unless one is already running. It returns
// immediately.
func (c *Coordinator) ExpiringSoon() {
	c.mu.Lock()
	if c.inflight || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.inflight = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.inflight = false
			c.mu.Unlock()
		}()
		c.renew(c.ctx)
	}()
}

// Stop cancels a running renewal and waits for it.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) renew(ctx context.Context) {
	slog.Info("[Credential] Renewing credential", "identity", c.identity)

	cred, err := c.fetch(ctx)
	if err != nil {
		c.fail(err)
		return
	}

	if err := c.install(ctx, cred.Token); err != nil {
		c.fail(fmt.Errorf("install: %w", err))
		return
	}

	c.mu.Lock()
	c.current = cred
	c.mu.Unlock()

	slog.Info("[Credential] Credential renewed", "identity", cred.Identity)
	c.emit(events.New(events.CredentialRenewed))
}

// fetch asks the issuer twice at most.
func (c *Coordinator) fetch(ctx context.Context) (Credential, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, c.timeout)
		cred, err := c.issuer.Issue(fctx, c.identity)
		cancel()
		if err == nil {
			return cred, nil
		}
		lastErr = err
		slog.Warn("[Credential] Fetch failed", "identity", c.identity, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return Credential{}, lastErr
}

func (c *Coordinator) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	slog.Error("[Credential] Renewal failed", "identity", c.identity, "error", err)
	c.emit(events.New(events.CredentialRenewalFailed).
		WithReason(fmt.Errorf("%w: %w", transport.ErrCredentialRenewalFailed, err).Error()))
}

func (c *Coordinator) emit(e events.Event) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(context.Background(), e); err != nil {
		slog.Warn("[Credential] Publish failed", "kind", e.Kind, "error", err)
	}
}
