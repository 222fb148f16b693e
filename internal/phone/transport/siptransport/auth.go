package siptransport

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// maxAuthAttempts bounds challenge/response rounds for one request.
const maxAuthAttempts = 3

var errNoCredentials = errors.New("server requested authentication but no credential is configured")

// isChallenge reports whether resp asks for digest credentials.
func isChallenge(resp *sip.Response) bool {
	return resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired
}

// authorization answers a 401/407 challenge for req. It returns the header
// to add to the retried request.
func authorization(req *sip.Request, resp *sip.Response, user, password string) (sip.Header, error) {
	challengeName, answerName := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, answerName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if password == "" {
		return nil, errNoCredentials
	}

	hdr := resp.GetHeader(challengeName)
	if hdr == nil {
		return nil, fmt.Errorf("%d response without %s", resp.StatusCode, challengeName)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("invalid challenge %q: %w", hdr.Value(), err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}
	return sip.NewHeader(answerName, cred.String()), nil
}

// failureReason maps a final non-2xx INVITE status to a call failure reason.
func failureReason(code int) string {
	switch code {
	case 486, 600:
		return transport.ReasonBusy
	case 603:
		return transport.ReasonRejected
	case 408, 480:
		return transport.ReasonTimeout
	case 487:
		return transport.ReasonCancelled
	default:
		return transport.ReasonError
	}
}
