package siptransport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// refreshFraction of the granted lifetime elapses before re-registering.
const refreshFraction = 0.9

// Register binds our contact to the AOR and keeps the binding refreshed.
// It does nothing when already registered.
func (a *Adapter) Register(ctx context.Context) error {
	if a.isRegistered() {
		return nil
	}
	granted, err := a.register(ctx, a.cfg.Expires)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.markRegisteredLocked(granted)
	a.mu.Unlock()

	slog.Info("[SIP] Registered", "aor", a.aor.String(), "expires", granted)
	a.notify(transport.Notification{Kind: transport.NoteRegistered})
	return nil
}

// Unregister removes the binding with Expires: 0. It does nothing when no
// binding exists, beyond stopping pending refresh retries.
func (a *Adapter) Unregister(ctx context.Context) error {
	a.mu.Lock()
	a.stopRefreshLocked()
	a.regWanted = false
	was := a.registered
	a.mu.Unlock()
	if !was {
		return nil
	}

	_, err := a.register(ctx, 0)

	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()

	if err != nil {
		slog.Warn("[SIP] Unregister failed", "aor", a.aor.String(), "error", err)
	} else {
		slog.Info("[SIP] Unregistered", "aor", a.aor.String())
	}
	a.notify(transport.Notification{Kind: transport.NoteUnregistered})
	return err
}

func (a *Adapter) markRegisteredLocked(granted time.Duration) {
	a.registered = true
	a.regWanted = true
	a.regExpiry = time.Now().Add(granted)
	a.regBackoff = 0
	a.scheduleRefreshLocked(granted)
}

// register runs one REGISTER transaction and returns the lifetime the
// registrar granted.
func (a *Adapter) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	if a.client == nil {
		return 0, fmt.Errorf("%w: not connected", transport.ErrTransportUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*requestTimeout)
	defer cancel()

	resp, err := a.authedRoundTrip(ctx, func(auth sip.Header) *sip.Request {
		return a.buildREGISTER(expires, auth)
	})
	if err != nil {
		return 0, fmt.Errorf("register: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("register rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return grantedExpires(resp, expires), nil
}

func (a *Adapter) buildREGISTER(expires time.Duration, auth sip.Header) *sip.Request {
	a.mu.Lock()
	a.regCSeq++
	seq := a.regCSeq
	a.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: a.domain})
	a.addIdentity(req, a.regTag)
	callID := sip.CallIDHeader(a.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{Address: a.contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	if auth != nil {
		req.AppendHeader(auth)
	}
	return req
}

// grantedExpires reads the lifetime from the Contact expires param, then the
// Expires header, falling back to what we asked for.
func grantedExpires(resp *sip.Response, requested time.Duration) time.Duration {
	if c := resp.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}

// refreshDelay is when to re-register for a granted lifetime.
func refreshDelay(granted time.Duration) time.Duration {
	d := time.Duration(float64(granted) * refreshFraction)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (a *Adapter) scheduleRefreshLocked(granted time.Duration) {
	a.stopRefreshLocked()
	a.regTimer = time.AfterFunc(refreshDelay(granted), a.refresh)
}

func (a *Adapter) stopRefreshLocked() {
	if a.regTimer != nil {
		a.regTimer.Stop()
		a.regTimer = nil
	}
}

// refresh re-registers in the background. Failures are retried with
// backoff; once the granted lifetime would run out before the next attempt
// the binding is reported lost with NoteUnregistered, and retries continue
// until one succeeds or Unregister is called.
func (a *Adapter) refresh() {
	if a.ctx.Err() != nil {
		return
	}
	a.mu.Lock()
	wanted := a.regWanted
	a.mu.Unlock()
	if !wanted {
		return
	}

	granted, err := a.register(a.ctx, a.cfg.Expires)
	if a.ctx.Err() != nil {
		return
	}

	a.mu.Lock()
	if !a.regWanted {
		a.mu.Unlock()
		return
	}
	if err == nil {
		restored := !a.registered
		a.markRegisteredLocked(granted)
		a.mu.Unlock()
		if restored {
			slog.Info("[SIP] Registration restored", "aor", a.aor.String(), "expires", granted)
			a.notify(transport.Notification{Kind: transport.NoteRegistered})
			return
		}
		slog.Debug("[SIP] Registration refreshed", "aor", a.aor.String(), "expires", granted)
		return
	}

	firstFailure := a.regBackoff == 0
	a.regBackoff = nextRetry(a.regBackoff)
	lost := a.registered && !time.Now().Add(a.regBackoff).Before(a.regExpiry)
	if lost {
		a.registered = false
	}
	a.stopRefreshLocked()
	a.regTimer = time.AfterFunc(a.regBackoff, a.refresh)
	retryIn := a.regBackoff
	a.mu.Unlock()

	slog.Warn("[SIP] Registration refresh failed", "aor", a.aor.String(), "error", err, "retry_in", retryIn)
	if firstFailure {
		a.notify(transport.Notification{Kind: transport.NoteRegistrationFailed, Reason: err.Error()})
	}
	if lost {
		slog.Warn("[SIP] Registration lapsed", "aor", a.aor.String())
		a.notify(transport.Notification{Kind: transport.NoteUnregistered, Reason: "registration lapsed"})
	}
}

// nextRetry doubles the refresh retry delay from 1s up to 30s.
func nextRetry(prev time.Duration) time.Duration {
	if prev <= 0 {
		return time.Second
	}
	return min(prev*2, 30*time.Second)
}

func (a *Adapter) isRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}
