package controller

import (
	"errors"
	"fmt"

	"github.com/sebas/crmphone/internal/phone/credential"
	"github.com/sebas/crmphone/internal/phone/transport"
)

// Config is the ControllerConfig. It is copied at construction and never
// changed afterwards.
type Config struct {
	Transport transport.Kind
	// Endpoint is the SIP WebSocket URL or the voice SDK signaling URL.
	Endpoint    string
	Identity    string
	DisplayName string

	// Exactly one of Credential and Issuer is used. Issuer wins when both
	// are set.
	Credential string
	Issuer     credential.Issuer

	AutoRegister  bool
	CountryPrefix string
}

// Validate checks the config for missing required fields.
func (c Config) Validate() error {
	var errs []error
	switch c.Transport {
	case transport.KindSIP, transport.KindVoiceSDK:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if c.Credential == "" && c.Issuer == nil {
		errs = append(errs, errors.New("a credential or a credential issuer is required"))
	}
	return errors.Join(errs...)
}

func (c Config) countryPrefix() string {
	if c.CountryPrefix == "" {
		return transport.DefaultCountryPrefix
	}
	return c.CountryPrefix
}
