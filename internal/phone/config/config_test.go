package config

import (
	"errors"
	"flag"
	"os"
	"strings"
	"testing"

	"github.com/sebas/crmphone/internal/phone/transport"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func files(m map[string]string) func(string) ([]byte, error) {
	return func(p string) ([]byte, error) {
		if data, ok := m[p]; ok {
			return []byte(data), nil
		}
		return nil, os.ErrNotExist
	}
}

func loadTest(t *testing.T, args []string, env map[string]string, fsys map[string]string) *Config {
	t.Helper()
	cfg, err := load(flag.NewFlagSet("test", flag.ContinueOnError), args, envMap(env), files(fsys))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadTest(t, nil, nil, nil)
	if cfg.Kind() != transport.KindSIP {
		t.Errorf("Kind() = %q, want sip", cfg.Kind())
	}
	if !cfg.AutoRegister {
		t.Error("AutoRegister = false, want true")
	}
	if cfg.CountryPrefix != transport.DefaultCountryPrefix {
		t.Errorf("CountryPrefix = %q, want %q", cfg.CountryPrefix, transport.DefaultCountryPrefix)
	}
}

func TestLoadPrecedence(t *testing.T) {
	yamlFile := `
transport: sip
sipDomain: pbx.file.test
sipUser: file-user
sipPassword: file-pass
displayName: From File
apiAddr: 127.0.0.1:7000
`
	cfg := loadTest(t,
		[]string{"-config", "phone.yaml", "-display-name", "From Flag"},
		map[string]string{"SIP_USER": "env-user", "AUTO_REGISTER": "false"},
		map[string]string{"phone.yaml": yamlFile},
	)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"file value", cfg.SIPDomain, "pbx.file.test"},
		{"explicit flag beats file", cfg.DisplayName, "From Flag"},
		{"env beats file", cfg.SIPUser, "env-user"},
		{"identity falls back to SIP user", cfg.Identity, "env-user"},
		{"api addr from file", cfg.APIAddr, "127.0.0.1:7000"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
	if cfg.AutoRegister {
		t.Error("AutoRegister = true, want false from env")
	}
	if got := cfg.Endpoint(); got != "wss://pbx.file.test:443" {
		t.Errorf("Endpoint() = %q, want wss://pbx.file.test:443", got)
	}
}

func TestExplicitFlagsOverrideFile(t *testing.T) {
	yamlFile := `
apiAddr: 127.0.0.1:7000
autoRegister: true
countryPrefix: "+44"
`
	cfg := loadTest(t,
		[]string{"-config", "phone.yaml", "-api-addr", "0.0.0.0:9000", "-auto-register=false"},
		nil,
		map[string]string{"phone.yaml": yamlFile},
	)
	if cfg.APIAddr != "0.0.0.0:9000" {
		t.Errorf("APIAddr = %q, want the flag value 0.0.0.0:9000", cfg.APIAddr)
	}
	if cfg.AutoRegister {
		t.Error("AutoRegister = true, want false from the flag")
	}
	if cfg.CountryPrefix != "+44" {
		t.Errorf("CountryPrefix = %q, want +44 from the file", cfg.CountryPrefix)
	}
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	cfg := loadTest(t, nil,
		map[string]string{"CONFIG_FILE": "/etc/phone.yaml"},
		map[string]string{"/etc/phone.yaml": "transport: voicesdk\nvoiceEndpoint: wss://voice.example.test\n"},
	)
	if cfg.Kind() != transport.KindVoiceSDK || cfg.Endpoint() != "wss://voice.example.test" {
		t.Errorf("Kind/Endpoint = %q/%q", cfg.Kind(), cfg.Endpoint())
	}
}

func TestLoadBadFile(t *testing.T) {
	_, err := load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config", "missing.yaml"}, envMap(nil), files(nil))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("load() error = %v, want ErrNotExist", err)
	}
	_, err = load(flag.NewFlagSet("test", flag.ContinueOnError), []string{"-config", "bad.yaml"}, envMap(nil),
		files(map[string]string{"bad.yaml": "transport: [unterminated"}))
	if err == nil {
		t.Error("load() error = nil for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr []string
	}{
		{
			name: "complete sip",
			env:  map[string]string{"SIP_DOMAIN": "pbx.test", "SIP_USER": "1001", "SIP_PASSWORD": "pw"},
		},
		{
			name:    "sip missing everything",
			env:     nil,
			wantErr: []string{"SIP_DOMAIN", "SIP_USER", "SIP_PASSWORD"},
		},
		{
			name: "voice sdk with token server",
			env:  map[string]string{"PHONE_TRANSPORT": "voicesdk", "VOICE_ENDPOINT": "wss://v.test", "IDENTITY": "agent", "TOKEN_URL": "http://localhost:3001"},
		},
		{
			name:    "voice sdk without credential",
			env:     map[string]string{"PHONE_TRANSPORT": "voicesdk", "VOICE_ENDPOINT": "wss://v.test", "IDENTITY": "agent"},
			wantErr: []string{"TOKEN_URL or CREDENTIAL"},
		},
		{
			name:    "unknown transport",
			env:     map[string]string{"PHONE_TRANSPORT": "pots"},
			wantErr: []string{"unknown transport"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loadTest(t, nil, tt.env, nil).Validate()
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %v", tt.wantErr)
			}
			for _, w := range tt.wantErr {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("Validate() error = %v, missing %q", err, w)
				}
			}
		})
	}
}

func TestToControllerConfig(t *testing.T) {
	sip := loadTest(t, nil, map[string]string{"SIP_DOMAIN": "pbx.test", "SIP_USER": "1001", "SIP_PASSWORD": "pw", "IDENTITY": "ignored"}, nil)
	cc := sip.ToControllerConfig()
	if cc.Identity != "1001" || cc.Credential != "pw" || cc.Issuer != nil {
		t.Errorf("sip controller config = %+v", cc)
	}
	if err := cc.Validate(); err != nil {
		t.Errorf("controller Validate() error = %v", err)
	}
	if sc := sip.SIP(); sc.Endpoint != "wss://pbx.test:443" || sc.Password != "pw" {
		t.Errorf("SIP() = %+v", sc)
	}

	sdk := loadTest(t, nil, map[string]string{
		"PHONE_TRANSPORT": "voicesdk", "VOICE_ENDPOINT": "wss://v.test", "IDENTITY": "agent", "TOKEN_URL": "http://localhost:3001",
	}, nil)
	cc = sdk.ToControllerConfig()
	if cc.Transport != transport.KindVoiceSDK || cc.Issuer == nil || cc.Identity != "agent" {
		t.Errorf("voice sdk controller config = %+v", cc)
	}
	if vc := sdk.VoiceSDK(); vc.Edge != "dublin" || vc.Identity != "agent" {
		t.Errorf("VoiceSDK() = %+v", vc)
	}
}
