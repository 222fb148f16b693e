package call

import (
	"context"
	"sync/atomic"
)

// Offer is a pending inbound call awaiting the user's decision. Answer and
// Reject are single-use: whichever runs first wins and later calls are
// no-ops.
type Offer struct {
	SessionID  string
	FromNumber string
	// Ref is the transport's opaque handle for the pending call.
	Ref string

	used   atomic.Bool
	answer func(context.Context) error
	reject func(context.Context) error
}

// NewOffer binds the decision callbacks for one inbound call.
func NewOffer(sessionID, from, ref string, answer, reject func(context.Context) error) *Offer {
	return &Offer{
		SessionID:  sessionID,
		FromNumber: from,
		Ref:        ref,
		answer:     answer,
		reject:     reject,
	}
}

// Answer accepts the call.
func (o *Offer) Answer(ctx context.Context) error {
	if o == nil || !o.used.CompareAndSwap(false, true) {
		return nil
	}
	return o.answer(ctx)
}

// Reject declines the call.
func (o *Offer) Reject(ctx context.Context) error {
	if o == nil || !o.used.CompareAndSwap(false, true) {
		return nil
	}
	return o.reject(ctx)
}

// Used reports whether a decision has already been taken.
func (o *Offer) Used() bool {
	return o.used.Load()
}

// Close marks the offer decided without running a callback. Used when the
// call is answered or rejected through another path.
func (o *Offer) Close() {
	if o != nil {
		o.used.Store(true)
	}
}
