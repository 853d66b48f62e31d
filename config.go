package loopin

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"loopin/flow"
)

// Config captures the subsystem configuration loaded from YAML and
// environment variables.
type Config struct {
	// Issuer is the expected OIDC issuer. Discovery documents advertising
	// any other issuer are rejected.
	Issuer string `yaml:"issuer"`

	// ClientID is the public client identifier registered with the
	// provider. There is no client secret.
	ClientID string `yaml:"client_id"`

	// Scopes requested in the authorization request.
	Scopes []string `yaml:"scopes"`

	// CallbackPorts are the preferred loopback ports, tried in order.
	CallbackPorts []int `yaml:"callback_ports"`

	// LoginTimeout bounds one interactive attempt.
	LoginTimeout Duration `yaml:"login_timeout"`

	// StateDir is where the file credential store keeps its data.
	// Empty selects ~/.config/loopin.
	StateDir string `yaml:"state_dir"`
}

// Duration wraps time.Duration so YAML configs can use values like "120s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func defaultConfig() Config {
	return Config{
		Scopes:        []string{"openid", "profile", "email"},
		CallbackPorts: append([]int(nil), flow.DefaultCallbackPorts...),
		LoginTimeout:  Duration(flow.LoginTimeout),
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// LoadConfig reads the YAML config file and merges environment overrides.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"LOOPIN_ISSUER":         func(v string) { cfg.Issuer = v },
		"LOOPIN_CLIENT_ID":      func(v string) { cfg.ClientID = v },
		"LOOPIN_SCOPES":         func(v string) { cfg.Scopes = splitAndTrim(v) },
		"LOOPIN_CALLBACK_PORTS": func(v string) { cfg.CallbackPorts = parsePorts(v, cfg.CallbackPorts) },
		"LOOPIN_LOGIN_TIMEOUT":  func(v string) { cfg.LoginTimeout = Duration(parseDuration(v, time.Duration(cfg.LoginTimeout))) },
		"LOOPIN_STATE_DIR":      func(v string) { cfg.StateDir = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("issuer must be an http(s) URL, got %q", c.Issuer)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}
	if c.LoginTimeout <= 0 {
		return fmt.Errorf("login_timeout must be positive")
	}
	for _, p := range c.CallbackPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("callback port %d out of range", p)
		}
	}
	return nil
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parsePorts(val string, fallback []int) []int {
	parts := splitAndTrim(val)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fallback
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
