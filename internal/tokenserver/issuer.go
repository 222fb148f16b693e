// Package tokenserver issues short-lived voice access tokens and serves the
// call-routing documents the voice provider fetches for outgoing calls.
package tokenserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the access token lifetime.
const DefaultTTL = time.Hour

// VoiceGrant allows placing calls through the TwiML app and receiving
// calls addressed to the identity.
type VoiceGrant struct {
	Incoming struct {
		Allow bool `json:"allow"`
	} `json:"incoming"`
	Outgoing struct {
		ApplicationSID string `json:"application_sid"`
	} `json:"outgoing"`
}

// Grants is the grants claim of an access token.
type Grants struct {
	Identity string      `json:"identity"`
	Voice    *VoiceGrant `json:"voice,omitempty"`
}

// AccessClaims are the claims of a voice access token.
type AccessClaims struct {
	jwt.RegisteredClaims
	Grants Grants `json:"grants"`
}

// Issuer signs access tokens with the API key secret.
type Issuer struct {
	accountSID string
	keySID     string
	secret     []byte
	appSID     string
	ttl        time.Duration
	now        func() time.Time
}

// NewIssuer creates an issuer. A non-positive ttl uses DefaultTTL.
func NewIssuer(accountSID, keySID, keySecret, appSID string, ttl time.Duration) (*Issuer, error) {
	if accountSID == "" || keySID == "" || keySecret == "" {
		return nil, errors.New("account SID, API key SID and secret are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		accountSID: accountSID,
		keySID:     keySID,
		secret:     []byte(keySecret),
		appSID:     appSID,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// Issue returns a signed token for identity and its expiry.
func (i *Issuer) Issue(identity string) (string, time.Time, error) {
	if identity == "" {
		return "", time.Time{}, errors.New("identity is required")
	}
	now := i.now()
	exp := now.Add(i.ttl)

	grant := &VoiceGrant{}
	grant.Incoming.Allow = true
	grant.Outgoing.ApplicationSID = i.appSID

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        i.keySID + "-" + uuid.NewString(),
			Issuer:    i.keySID,
			Subject:   i.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Grants: Grants{Identity: identity, Voice: grant},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["cty"] = "twilio-fpa;v=1"
	signed, err := t.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// Verify parses and validates a token issued by i.
func (i *Issuer) Verify(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.keySID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	return claims, nil
}
