// Package config loads service configuration from an optional YAML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/layer-3/siwe-auth/core"
	"github.com/spf13/viper"
)

const envPrefix = "SIWE_AUTH"

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	JWK       JWKConfig       `mapstructure:"jwk"`
	Session   SessionConfig   `mapstructure:"session"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Verifier  VerifierConfig  `mapstructure:"verifier"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds the HTTP listener settings. TrustedProxies lists the
// peers whose forwarded client-IP headers are honoured.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	TrustedProxies  []string      `mapstructure:"trusted_proxies"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// JWKConfig names the signing key file and the iss/aud values of issued
// tokens. An empty Audience means the issuer.
type JWKConfig struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	KeysFile string `mapstructure:"keys_file"`
}

// SessionConfig holds token and nonce lifetimes and the optional nonce
// consumption and strict rotation modes.
type SessionConfig struct {
	AccessTTL      string        `mapstructure:"access_ttl"`
	RefreshTTL     string        `mapstructure:"refresh_ttl"`
	NonceTTL       time.Duration `mapstructure:"nonce_ttl"`
	ConsumeNonce   bool          `mapstructure:"consume_nonce"`
	StrictRotation bool          `mapstructure:"strict_rotation"`
}

// StoreConfig selects the keyed store: StoreRedis with URL, or StoreMemory.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
}

// RateLimitConfig is the per-client budget of requests per fixed window.
type RateLimitConfig struct {
	Max    int64         `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// VerifierConfig maps chain ids to JSON-RPC endpoints used for contract
// wallet signatures.
type VerifierConfig struct {
	RPC map[string]string `mapstructure:"rpc"`
}

// EventsConfig controls session event publishing.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

// LogConfig is passed to logger.New.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv keeps the variable names older deployments already set.
var legacyEnv = map[string]string{
	"server.port":   "PORT",
	"jwk.issuer":    "JWK_ISSUER",
	"jwk.keys_file": "JWK_KEYS_FILE",
	"store.url":     "VALKEY_URL",
	"log.level":     "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("jwk.issuer", "auth-service")
	v.SetDefault("jwk.audience", "")
	v.SetDefault("jwk.keys_file", "keys.json")

	v.SetDefault("session.access_ttl", "1h")
	v.SetDefault("session.refresh_ttl", "1w")
	v.SetDefault("session.nonce_ttl", 60*time.Second)
	v.SetDefault("session.consume_nonce", false)
	v.SetDefault("session.strict_rotation", false)

	v.SetDefault("store.driver", StoreRedis)
	v.SetDefault("store.url", "redis://localhost:6379/0")

	v.SetDefault("ratelimit.max", 10)
	v.SetDefault("ratelimit.window", 60*time.Second)

	v.SetDefault("verifier.rpc", map[string]string{})

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.topic", "siwe.session")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty, in which case ./config.yaml
// is used when present. Environment variables override the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.JWK.Issuer == "" {
		return errors.New("jwk.issuer is required")
	}
	if _, err := core.ParseDuration(c.Session.AccessTTL); err != nil {
		return fmt.Errorf("session.access_ttl: %w", err)
	}
	if _, err := core.ParseDuration(c.Session.RefreshTTL); err != nil {
		return fmt.Errorf("session.refresh_ttl: %w", err)
	}
	if c.Session.NonceTTL <= 0 {
		return fmt.Errorf("invalid session.nonce_ttl %s", c.Session.NonceTTL)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.max and ratelimit.window must be positive")
	}
	switch c.Store.Driver {
	case StoreRedis:
		if c.Store.URL == "" {
			return errors.New("store.url is required for the redis driver")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if _, err := c.Verifier.Endpoints(); err != nil {
		return err
	}
	return nil
}

// Endpoints returns the RPC map keyed by numeric chain id.
func (v VerifierConfig) Endpoints() (map[int64]string, error) {
	out := make(map[int64]string, len(v.RPC))
	for chain, url := range v.RPC {
		id, err := strconv.ParseInt(chain, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid chain id %q in verifier.rpc", chain)
		}
		if url == "" {
			return nil, fmt.Errorf("empty rpc url for chain %d", id)
		}
		out[id] = url
	}
	return out, nil
}
