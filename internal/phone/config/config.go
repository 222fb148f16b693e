// Package config loads the phone daemon configuration from flags, an
// optional YAML file and the environment, in that order of increasing
// precedence. Flags given explicitly on the command line beat the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sebas/crmphone/internal/phone/controller"
	"github.com/sebas/crmphone/internal/phone/credential"
	"github.com/sebas/crmphone/internal/phone/transport"
	"github.com/sebas/crmphone/internal/phone/transport/siptransport"
	"github.com/sebas/crmphone/internal/phone/transport/voicesdk"
)

// Config holds the phone daemon configuration
type Config struct {
	Transport string `yaml:"transport"`
	Identity  string `yaml:"identity"`
	LogLevel  string `yaml:"logLevel"`

	// SIP over WebSocket
	SIPDomain   string `yaml:"sipDomain"`
	SIPEndpoint string `yaml:"sipEndpoint"` // defaults to wss://{domain}:443
	SIPUser     string `yaml:"sipUser"`
	SIPPassword string `yaml:"sipPassword"`
	DisplayName string `yaml:"displayName"`

	// Managed voice SDK
	VoiceEndpoint string `yaml:"voiceEndpoint"`
	VoiceEdge     string `yaml:"voiceEdge"`

	// Credential source: a token server URL or a static credential.
	TokenURL   string `yaml:"tokenURL"`
	Credential string `yaml:"credential"`
	// TokenServerGRPC is probed for health at startup when set.
	TokenServerGRPC string `yaml:"tokenServerGRPC"`

	AutoRegister  bool   `yaml:"autoRegister"`
	CountryPrefix string `yaml:"countryPrefix"`

	// Activity logging sinks; empty disables a sink.
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	ActivityStream string `yaml:"activityStream"`

	APIAddr string `yaml:"apiAddr"`
}

// Load loads configuration from command line flags, CONFIG_FILE and
// environment variables
func Load() (*Config, error) {
	return load(flag.CommandLine, os.Args[1:], os.Getenv, os.ReadFile)
}

func load(fs *flag.FlagSet, args []string, getenv func(string) string, readFile func(string) ([]byte, error)) (*Config, error) {
	cfg := &Config{}
	var configPath string

	fs.StringVar(&configPath, "config", "", "Path to a YAML config file")
	fs.StringVar(&cfg.Transport, "transport", string(transport.KindSIP), "Transport binding (sip, voicesdk)")
	fs.StringVar(&cfg.Identity, "identity", "", "Identity used for voice SDK tokens (defaults to the SIP user)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.SIPDomain, "sip-domain", "", "SIP domain")
	fs.StringVar(&cfg.SIPEndpoint, "sip-endpoint", "", "SIP WebSocket URL (defaults to wss://{domain}:443)")
	fs.StringVar(&cfg.SIPUser, "sip-user", "", "SIP user")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "SIP password")
	fs.StringVar(&cfg.DisplayName, "display-name", "", "Caller display name")
	fs.StringVar(&cfg.VoiceEndpoint, "voice-endpoint", "", "Voice SDK gateway WebSocket URL")
	fs.StringVar(&cfg.VoiceEdge, "voice-edge", voicesdk.DefaultEdge, "Voice SDK edge location")
	fs.StringVar(&cfg.TokenURL, "token-url", "", "Token server base URL")
	fs.StringVar(&cfg.TokenServerGRPC, "token-grpc", "", "Token server gRPC health address")
	fs.BoolVar(&cfg.AutoRegister, "auto-register", true, "Register as soon as the transport connects")
	fs.StringVar(&cfg.CountryPrefix, "country-prefix", transport.DefaultCountryPrefix, "Country prefix for national numbers")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "Postgres URL for call activities")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for the activity stream")
	fs.StringVar(&cfg.ActivityStream, "activity-stream", "crm:call-activity", "Redis stream for call activities")
	fs.StringVar(&cfg.APIAddr, "api-addr", "127.0.0.1:8090", "Control API listen address")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if p := getenv("CONFIG_FILE"); p != "" && configPath == "" {
		configPath = p
	}
	if configPath != "" {
		if err := cfg.applyFile(fs, configPath, readFile); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(getenv)
	if cfg.Identity == "" {
		cfg.Identity = cfg.SIPUser
	}
	return cfg, nil
}

// applyFile overlays the YAML file, then re-applies explicitly set flags.
func (c *Config) applyFile(fs *flag.FlagSet, path string, readFile func(string) ([]byte, error)) error {
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	// Flag values share storage with c, so capture them before the overlay.
	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for name, value := range explicit {
		if name == "config" {
			continue
		}
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("flag -%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("PHONE_TRANSPORT", &c.Transport)
	str("IDENTITY", &c.Identity)
	str("LOGLEVEL", &c.LogLevel)
	str("SIP_DOMAIN", &c.SIPDomain)
	str("SIP_ENDPOINT", &c.SIPEndpoint)
	str("SIP_USER", &c.SIPUser)
	str("SIP_PASSWORD", &c.SIPPassword)
	str("DISPLAY_NAME", &c.DisplayName)
	str("VOICE_ENDPOINT", &c.VoiceEndpoint)
	str("VOICE_EDGE", &c.VoiceEdge)
	str("TOKEN_URL", &c.TokenURL)
	str("TOKEN_GRPC_ADDR", &c.TokenServerGRPC)
	str("CREDENTIAL", &c.Credential)
	str("COUNTRY_PREFIX", &c.CountryPrefix)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("ACTIVITY_STREAM", &c.ActivityStream)
	str("API_ADDR", &c.APIAddr)

	if v := getenv("AUTO_REGISTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AutoRegister = b
		}
	}
}

// Kind returns the selected transport binding.
func (c *Config) Kind() transport.Kind {
	return transport.Kind(strings.ToLower(strings.TrimSpace(c.Transport)))
}

// Endpoint returns the URL the selected transport connects to.
func (c *Config) Endpoint() string {
	if c.Kind() == transport.KindVoiceSDK {
		return c.VoiceEndpoint
	}
	if c.SIPEndpoint != "" {
		return c.SIPEndpoint
	}
	if c.SIPDomain == "" {
		return ""
	}
	return "wss://" + c.SIPDomain + ":443"
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Kind() {
	case transport.KindSIP:
		if c.SIPDomain == "" && c.SIPEndpoint == "" {
			errs = append(errs, errors.New("SIP_DOMAIN or SIP_ENDPOINT is required"))
		}
		if c.SIPUser == "" {
			errs = append(errs, errors.New("SIP_USER is required"))
		}
		if c.SIPPassword == "" && c.TokenURL == "" {
			errs = append(errs, errors.New("SIP_PASSWORD or TOKEN_URL is required"))
		}
	case transport.KindVoiceSDK:
		if c.VoiceEndpoint == "" {
			errs = append(errs, errors.New("VOICE_ENDPOINT is required"))
		}
		if c.Identity == "" {
			errs = append(errs, errors.New("IDENTITY is required"))
		}
		if c.TokenURL == "" && c.Credential == "" {
			errs = append(errs, errors.New("TOKEN_URL or CREDENTIAL is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want sip or voicesdk)", c.Transport))
	}
	if c.APIAddr == "" {
		errs = append(errs, errors.New("API_ADDR is required"))
	}
	return errors.Join(errs...)
}

// ToControllerConfig produces the immutable controller configuration.
func (c *Config) ToControllerConfig() controller.Config {
	cc := controller.Config{
		Transport:     c.Kind(),
		Endpoint:      c.Endpoint(),
		Identity:      c.Identity,
		DisplayName:   c.DisplayName,
		Credential:    c.Credential,
		AutoRegister:  c.AutoRegister,
		CountryPrefix: c.CountryPrefix,
	}
	if c.Kind() == transport.KindSIP {
		cc.Identity = c.SIPUser
		if cc.Credential == "" {
			cc.Credential = c.SIPPassword
		}
	}
	if c.TokenURL != "" {
		cc.Issuer = credential.NewHTTPIssuer(c.TokenURL, nil)
	}
	return cc
}

// SIP returns the SIP adapter configuration.
func (c *Config) SIP() siptransport.Config {
	return siptransport.Config{
		Endpoint:    c.Endpoint(),
		Identity:    c.SIPUser,
		DisplayName: c.DisplayName,
		Password:    c.SIPPassword,
	}
}

// VoiceSDK returns the voice SDK adapter configuration.
func (c *Config) VoiceSDK() voicesdk.Config {
	return voicesdk.Config{
		Endpoint: c.VoiceEndpoint,
		Identity: c.Identity,
		Edge:     c.VoiceEdge,
	}
}
