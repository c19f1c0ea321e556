package session

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// TTL is the absolute lifetime of a session from Bind.
	TTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// TokenBytes is the entropy of the opaque token handed to the client.
	TokenBytes int `env:"SESSION_TOKEN_BYTES" envDefault:"32"`

	// RequireTokenHMAC refuses to start without SECRETS_TOKEN_HMAC_KEY.
	RequireTokenHMAC bool `env:"REQUIRE_TOKEN_HMAC" envDefault:"false"`

	// RedisKeyPrefix namespaces session keys in a shared Redis.
	RedisKeyPrefix string `env:"SESSION_REDIS_PREFIX" envDefault:"secrets:session:"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		TokenBytes:     32,
		RedisKeyPrefix: "secrets:session:",
	}
}

// LoadConfigFromEnv reads SECRETS_SESSION_* variables.
//
// Optional:
//   - SECRETS_SESSION_TTL (Go duration, 1m..720h)
//   - SECRETS_SESSION_TOKEN_BYTES (32..64)
//   - SECRETS_REQUIRE_TOKEN_HMAC (bool)
//   - SECRETS_SESSION_REDIS_PREFIX
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECRETS_"}); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.TTL < time.Minute || c.TTL > 720*time.Hour {
		return fmt.Errorf("%w: SECRETS_SESSION_TTL out of range [1m..720h]", ErrConfig)
	}
	if c.TokenBytes < 32 || c.TokenBytes > 64 {
		return fmt.Errorf("%w: SECRETS_SESSION_TOKEN_BYTES out of range [32..64]", ErrConfig)
	}
	if c.RedisKeyPrefix == "" {
		return fmt.Errorf("%w: SECRETS_SESSION_REDIS_PREFIX is empty", ErrConfig)
	}
	return nil
}
