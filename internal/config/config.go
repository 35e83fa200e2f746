// Package config loads the gateway's ambient server-level configuration:
// bind address, websocket path, log format, default rate-limit budgets,
// and the directory holding provider JSON config. This is distinct from
// internal/providercfg, which loads the provider directory itself; the
// split mirrors the teacher's own separation between flag/env wiring in
// example/cmd/assistant/main.go and the generated service config.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aigateway/core/internal/gatewayerr"
)

// Config is the top-level server configuration, loaded from a YAML file
// and overlaid with environment variables for anything secret-shaped.
type Config struct {
	// Host is the address the HTTP/WebSocket listener binds to.
	Host string `yaml:"host"`

	// WebSocketPath is the HTTP path the session manager upgrades on.
	WebSocketPath string `yaml:"websocketPath"`

	// LogFormat is either "json" or "terminal"; empty means auto-detect
	// from whether stderr is a terminal.
	LogFormat string `yaml:"logFormat"`

	// Debug enables debug-level logging. Request and response payloads are
	// not logged.
	Debug bool `yaml:"debug"`

	// ProviderConfigDir holds one *.json file per provider, loaded by
	// providercfg.Registry.LoadDirectory.
	ProviderConfigDir string `yaml:"providerConfigDir"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// AuthConfig configures session authentication. APIKeysEnv names an
// environment variable holding a comma-separated list of accepted keys;
// API keys are never stored directly in the YAML file.
type AuthConfig struct {
	APIKeysEnv     string   `yaml:"apiKeysEnv"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	MaxConnections int      `yaml:"maxConnections"`
}

// RateLimitConfig sets the default per-session socket rate limit and the
// default per-provider adaptive token budget.
type RateLimitConfig struct {
	PerSessionPerSecond float64 `yaml:"perSessionPerSecond"`
	PerSessionBurst     int     `yaml:"perSessionBurst"`
	InitialTPM          float64 `yaml:"initialTpm"`
	MaxTPM              float64 `yaml:"maxTpm"`
}

// BreakerConfig sets the fallback wrapper's circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failureThreshold"`
	CooldownSeconds  int `yaml:"cooldownSeconds"`
}

// defaults applied to any field left zero-valued after YAML parsing.
func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "localhost:8080"
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = "/ws"
	}
	if c.ProviderConfigDir == "" {
		c.ProviderConfigDir = "./providers"
	}
	if c.RateLimit.PerSessionPerSecond <= 0 {
		c.RateLimit.PerSessionPerSecond = 1
	}
	if c.RateLimit.PerSessionBurst <= 0 {
		c.RateLimit.PerSessionBurst = 20
	}
	if c.RateLimit.InitialTPM <= 0 {
		c.RateLimit.InitialTPM = 60000
	}
	if c.RateLimit.MaxTPM <= 0 {
		c.RateLimit.MaxTPM = c.RateLimit.InitialTPM
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.CooldownSeconds <= 0 {
		c.Breaker.CooldownSeconds = 60
	}
}

// Load reads and parses the YAML config file at path, applying defaults to
// anything left unset. A missing file is not an error: Load returns a
// default Config so a fresh checkout can run with no config file at all.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		cfg.setDefaults()
		return &cfg, nil
	case err != nil:
		return nil, gatewayerr.InternalWrap(err, "read config file %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindValidation, "parse config file "+path, err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

// APIKeys splits the comma-separated value of the environment variable
// named by Auth.APIKeysEnv into individual keys, trimming whitespace and
// dropping empties. Returns nil when APIKeysEnv is unset or absent from
// the environment, meaning auth is left open.
func (c *Config) APIKeys() []string {
	if c.Auth.APIKeysEnv == "" {
		return nil
	}
	raw, ok := os.LookupEnv(c.Auth.APIKeysEnv)
	if !ok || raw == "" {
		return nil
	}
	var keys []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
