// Package credential obtains access credentials from the issuing endpoint and
// renews them before they expire.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is what the issuer hands back for one identity.
type Credential struct {
	Token       string `json:"token"`
	Identity    string `json:"identity"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Issuer fetches a fresh credential for an identity.
type Issuer interface {
	Issue(ctx context.Context, identity string) (Credential, error)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(ctx context.Context, identity string) (Credential, error)

func (f IssuerFunc) Issue(ctx context.Context, identity string) (Credential, error) {
	return f(ctx, identity)
}

// Static returns an issuer that always hands out the same credential. Used
// by transports with a fixed password.
func Static(c Credential) Issuer {
	return IssuerFunc(func(context.Context, string) (Credential, error) {
		return c, nil
	})
}

// tokenRequest is the POST /token body.
type tokenRequest struct {
	Identity string `json:"identity,omitempty"`
}

// tokenResponse is the POST /token reply.
type tokenResponse struct {
	Success     bool   `json:"success"`
	Token       string `json:"token"`
	Identity    string `json:"identity"`
	PhoneNumber string `json:"phoneNumber"`
	Error       string `json:"error,omitempty"`
}

// HTTPIssuer calls the token server's POST /token endpoint.
type HTTPIssuer struct {
	baseURL string
	client  *http.Client
}

var _ Issuer = (*HTTPIssuer)(nil)

// NewHTTPIssuer creates an issuer for the token server at baseURL. A nil
// client gets a 10s timeout.
func NewHTTPIssuer(baseURL string, client *http.Client) *HTTPIssuer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPIssuer{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Issue requests a token for identity.
func (i *HTTPIssuer) Issue(ctx context.Context, identity string) (Credential, error) {
	body, err := json.Marshal(tokenRequest{Identity: identity})
	if err != nil {
		return Credential{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return Credential{}, fmt.Errorf("decode token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !tr.Success {
		msg := tr.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Credential{}, fmt.Errorf("token server refused (status %d): %s", resp.StatusCode, msg)
	}
	if tr.Token == "" {
		return Credential{}, errors.New("token server returned an empty token")
	}

	return Credential{Token: tr.Token, Identity: tr.Identity, PhoneNumber: tr.PhoneNumber}, nil
}

// ExpiresAt reads the exp claim of a JWT access token without verifying
// it. The signature is the issuer's and the server's concern; the client
// only needs to know when to ask for a new one.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}
