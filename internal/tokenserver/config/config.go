// Package config loads the token server configuration.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the token server configuration
type Config struct {
	Port     int
	BindAddr string
	GRPCPort int
	LogLevel string

	// Voice provider account
	AccountSID   string
	APIKeySID    string
	APIKeySecret string
	TwimlAppSID  string
	PhoneNumber  string

	TokenTTL       time.Duration
	AllowedOrigins []string
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	return load(flag.CommandLine, os.Args[1:], os.Getenv)
}

func load(fs *flag.FlagSet, args []string, getenv func(string) string) *Config {
	cfg := &Config{}

	fs.IntVar(&cfg.Port, "port", 3001, "HTTP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "HTTP bind address")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", 3002, "gRPC health service port (0 disables it)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.DurationVar(&cfg.TokenTTL, "ttl", time.Hour, "Access token lifetime")
	var origins string
	fs.StringVar(&origins, "origins", "http://localhost:3000,http://localhost:5173", "Allowed CORS origins (comma-separated)")
	_ = fs.Parse(args)
	cfg.AllowedOrigins = splitList(origins)

	if port := getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if port := getenv("GRPC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.GRPCPort = p
		}
	}
	if bind := getenv("BIND"); bind != "" {
		cfg.BindAddr = bind
	}
	if loglevel := getenv("LOGLEVEL"); loglevel != "" {
		cfg.LogLevel = loglevel
	}
	if ttl := getenv("TOKEN_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.TokenTTL = d
		}
	}
	if v := getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	cfg.AccountSID = getenv("TWILIO_ACCOUNT_SID")
	cfg.APIKeySID = getenv("TWILIO_API_KEY_SID")
	cfg.APIKeySecret = getenv("TWILIO_API_KEY_SECRET")
	cfg.TwimlAppSID = getenv("TWILIO_TWIML_APP_SID")
	cfg.PhoneNumber = getenv("TWILIO_PHONE_NUMBER")

	return cfg
}

// Validate reports every missing credential at once.
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"TWILIO_ACCOUNT_SID", c.AccountSID},
		{"TWILIO_API_KEY_SID", c.APIKeySID},
		{"TWILIO_API_KEY_SECRET", c.APIKeySecret},
		{"TWILIO_TWIML_APP_SID", c.TwimlAppSID},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, errors.New(r.name+" is required"))
		}
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token TTL must be positive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, errors.New("port out of range: "+strconv.Itoa(c.Port)))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
