// Package config loads gateway configuration from an optional YAML file and
// GK_-prefixed environment variables, keeping main lean.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Verifier   VerifierConfig   `koanf:"verifier"`
	Redis      RedisConfig      `koanf:"redis"`
	Throttle   ThrottleConfig   `koanf:"throttle"`
	Federation FederationConfig `koanf:"federation"`
	Audit      AuditConfig      `koanf:"audit"`
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// UpstreamConfig identifies the upstream IdM and the gateway's own OAuth
// client within it.
type UpstreamConfig struct {
	URL          string `koanf:"url"`
	Realm        string `koanf:"realm"`
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

// VerifierConfig tunes token verification.
type VerifierConfig struct {
	// Leeway is the clock-skew tolerance for exp checks. Zero by default;
	// deployments fronted by drifting clocks may raise it.
	Leeway time.Duration `koanf:"leeway"`
	// CheckAudience toggles the advisory azp check.
	CheckAudience bool `koanf:"check_audience"`
	// JWKSTTL bounds how long the cached key set is trusted.
	JWKSTTL time.Duration `koanf:"jwks_ttl"`
}

// RedisConfig configures the shared counter/state store.
type RedisConfig struct {
	URL          string        `koanf:"url"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ThrottleConfig bounds authenticated traffic per user.
type ThrottleConfig struct {
	Limit int `koanf:"limit"`
}

// ProviderConfig describes one federated login provider. Brokered providers
// have no token endpoint of their own: the login is delegated to the
// upstream IdM's authorize endpoint with an idp hint, and the returned code
// is redeemed against the upstream token endpoint.
type ProviderConfig struct {
	ClientID     string   `koanf:"client_id"`
	AuthorizeURL string   `koanf:"authorize_url"`
	TokenURL     string   `koanf:"token_url"`
	RedirectURI  string   `koanf:"redirect_uri"`
	Scopes       []string `koanf:"scopes"`
	Brokered     bool     `koanf:"brokered"`
}

type FederationConfig struct {
	Providers map[string]ProviderConfig `koanf:"providers"`
}

// AuditConfig selects audit sinks. Empty brokers and DSN fall back to the
// in-memory store (dev mode).
type AuditConfig struct {
	Brokers     []string `koanf:"brokers"`
	Topic       string   `koanf:"topic"`
	PostgresDSN string   `koanf:"postgres_dsn"`
}

// Load reads configuration in order: defaults, optional CONFIG_FILE yaml,
// then GK_ environment variables mapped with __ as the nesting separator,
// e.g. GK_UPSTREAM__CLIENT_SECRET.
func Load() (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("GK_", "__", func(s string) string {
		// GK_UPSTREAM__CLIENT_ID -> upstream.client_id
		return strings.ToLower(strings.TrimPrefix(s, "GK_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Upstream: UpstreamConfig{
			Realm: "master",
		},
		Verifier: VerifierConfig{
			Leeway:        0,
			CheckAudience: true,
			JWKSTTL:       10 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Throttle: ThrottleConfig{Limit: 20},
		Audit: AuditConfig{
			Topic: "gateway.audit",
		},
	}
}
