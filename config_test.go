package loopin

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
issuer: https://idp.example.com
client_id: native-app
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got := strings.Join(cfg.Scopes, " "); got != "openid profile email" {
		t.Fatalf("scopes = %q", got)
	}
	if len(cfg.CallbackPorts) == 0 {
		t.Fatal("expected default callback ports")
	}
	if time.Duration(cfg.LoginTimeout) != 120*time.Second {
		t.Fatalf("login timeout = %v, want 120s", time.Duration(cfg.LoginTimeout))
	}
}

func TestLoadConfigFullFile(t *testing.T) {
	path := writeConfig(t, `
issuer: https://idp.example.com
client_id: native-app
scopes: [openid, offline_access]
callback_ports: [9001, 9002]
login_timeout: 90s
state_dir: /tmp/loopin-test
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Issuer != "https://idp.example.com" {
		t.Fatalf("issuer = %q", cfg.Issuer)
	}
	if len(cfg.CallbackPorts) != 2 || cfg.CallbackPorts[0] != 9001 {
		t.Fatalf("callback ports = %v", cfg.CallbackPorts)
	}
	if time.Duration(cfg.LoginTimeout) != 90*time.Second {
		t.Fatalf("login timeout = %v", time.Duration(cfg.LoginTimeout))
	}
	if cfg.StateDir != "/tmp/loopin-test" {
		t.Fatalf("state dir = %q", cfg.StateDir)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
issuer: https://idp.example.com
client_id: native-app
client_secrets: should-not-exist
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
issuer: https://idp.example.com
client_id: native-app
`)
	t.Setenv("LOOPIN_ISSUER", "https://other.example.com")
	t.Setenv("LOOPIN_SCOPES", "openid, email")
	t.Setenv("LOOPIN_CALLBACK_PORTS", "9050,9051")
	t.Setenv("LOOPIN_LOGIN_TIMEOUT", "45s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Issuer != "https://other.example.com" {
		t.Fatalf("issuer = %q", cfg.Issuer)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[1] != "email" {
		t.Fatalf("scopes = %v", cfg.Scopes)
	}
	if len(cfg.CallbackPorts) != 2 || cfg.CallbackPorts[1] != 9051 {
		t.Fatalf("callback ports = %v", cfg.CallbackPorts)
	}
	if time.Duration(cfg.LoginTimeout) != 45*time.Second {
		t.Fatalf("login timeout = %v", time.Duration(cfg.LoginTimeout))
	}
}

func TestLoadConfigInvalidEnvPortsKeepFallback(t *testing.T) {
	path := writeConfig(t, `
issuer: https://idp.example.com
client_id: native-app
callback_ports: [9001]
`)
	t.Setenv("LOOPIN_CALLBACK_PORTS", "not-a-port")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.CallbackPorts) != 1 || cfg.CallbackPorts[0] != 9001 {
		t.Fatalf("callback ports = %v, want file value", cfg.CallbackPorts)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.Issuer = "https://idp.example.com"
		cfg.ClientID = "native-app"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing issuer", func(c *Config) { c.Issuer = "" }, "issuer is required"},
		{"bad issuer scheme", func(c *Config) { c.Issuer = "ldap://idp" }, "http(s)"},
		{"missing client id", func(c *Config) { c.ClientID = "" }, "client_id"},
		{"zero timeout", func(c *Config) { c.LoginTimeout = 0 }, "login_timeout"},
		{"port out of range", func(c *Config) { c.CallbackPorts = []int{70000} }, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	b, err := yaml.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.TrimSpace(string(b)) != "1m30s" {
		t.Fatalf("marshal = %q", strings.TrimSpace(string(b)))
	}

	var d Duration
	if err := yaml.Unmarshal(b, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Fatalf("round trip = %v", time.Duration(d))
	}

	if err := yaml.Unmarshal([]byte(`"nonsense"`), &d); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
