package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRegistered means a call command arrived before registration.
	ErrNotRegistered = errors.New("not registered")
	// ErrTransportUnavailable means connect or register never completed.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrCallSetupFailed means placing or accepting a call failed at the transport.
	ErrCallSetupFailed = errors.New("call setup failed")
	// ErrCredentialRenewalFailed means a fresh credential could not be obtained.
	ErrCredentialRenewalFailed = errors.New("credential renewal failed")

	ErrCallInProgress  = errors.New("a call is already in progress")
	ErrNoIncomingCall  = errors.New("no incoming call to answer")
	ErrNoActiveCall    = errors.New("no active call")
	ErrHoldUnsupported = errors.New("transport does not support hold")
	ErrStopped         = errors.New("controller stopped")
)

// CallSetupError reports a transport failure while setting up a call.
type CallSetupError struct {
	Ref    CallRef
	Reason string
	Err    error
}

func (e *CallSetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call setup failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("call setup failed (%s)", e.Reason)
}

// Is matches ErrCallSetupFailed.
func (e *CallSetupError) Is(target error) bool {
	return target == ErrCallSetupFailed
}

func (e *CallSetupError) Unwrap() error {
	return e.Err
}
