package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// serverConfig is the authgate.yaml shape. Every value has a working
// default so the binary runs with no config at all (local identity,
// in-memory rate limiting).
type serverConfig struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	// SessionFile is where the gateway persists its session (default
	// ~/.authgate/session.json).
	SessionFile string `yaml:"session_file"`

	// RequireVerified gates protected routes on a verified email address.
	RequireVerified bool `yaml:"require_verified"`

	// SecureCookies is off by default since the dev server speaks plain
	// HTTP. Turn it on behind TLS.
	SecureCookies bool `yaml:"secure_cookies"`

	PathPrefixes   []string `yaml:"path_prefixes"`
	ConnectSources []string `yaml:"connect_sources"`

	Identity  identityConfig  `yaml:"identity"`
	RateLimit rateLimitConfig `yaml:"rate_limit"`
}

type identityConfig struct {
	// Mode selects the provider: "local" (in-process, development) or
	// "http" (remote identity API).
	Mode    string `yaml:"mode"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type rateLimitConfig struct {
	// Backend selects the counter store: "memory", "redis" or "postgres".
	Backend     string       `yaml:"backend"`
	Window      yamlDuration `yaml:"window"`
	Max         int          `yaml:"max"`
	RedisAddr   string       `yaml:"redis_addr"`
	PostgresDSN string       `yaml:"postgres_dsn"`
}

// yamlDuration accepts "15m"-style values, which yaml.v3 does not decode
// into time.Duration on its own.
type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = yamlDuration(parsed)
	return nil
}

func (d yamlDuration) Duration() time.Duration {
	return time.Duration(d)
}

func defaultConfig() serverConfig {
	return serverConfig{
		Listen:   ":8080",
		LogLevel: "info",
		Identity: identityConfig{Mode: "local"},
		RateLimit: rateLimitConfig{
			Backend: "memory",
		},
	}
}

// loadConfig reads path over the defaults. A missing file is fine unless
// the path was given explicitly. ${VAR} references in the file are
// expanded from the environment, so secrets stay out of the YAML.
func loadConfig(path string, explicit bool) (serverConfig, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	if cfg.Identity.Mode == "http" && cfg.Identity.BaseURL == "" {
		return cfg, fmt.Errorf("identity.base_url is required in http mode")
	}
	if cfg.RateLimit.Backend == "redis" && cfg.RateLimit.RedisAddr == "" {
		return cfg, fmt.Errorf("rate_limit.redis_addr is required for the redis backend")
	}
	if cfg.RateLimit.Backend == "postgres" && cfg.RateLimit.PostgresDSN == "" {
		return cfg, fmt.Errorf("rate_limit.postgres_dsn is required for the postgres backend")
	}
	return cfg, nil
}
