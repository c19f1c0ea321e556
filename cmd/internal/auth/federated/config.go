package federated

import (
	"context"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config lists the provider credentials. A provider is enabled only when
// its client ID, secret and redirect URL are all set.
type Config struct {
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	GoogleIssuer       string `env:"GOOGLE_ISSUER" envDefault:"https://accounts.google.com"`

	FacebookClientID     string `env:"FACEBOOK_CLIENT_ID"`
	FacebookClientSecret string `env:"FACEBOOK_CLIENT_SECRET"`
	FacebookRedirectURL  string `env:"FACEBOOK_REDIRECT_URL"`
	FacebookGraphURL     string `env:"FACEBOOK_GRAPH_URL" envDefault:"https://graph.facebook.com/me"`
}

// LoadConfigFromEnv reads SECRETS_GOOGLE_* and SECRETS_FACEBOOK_*.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECRETS_"}); err != nil {
		return Config{}, fmt.Errorf("federated config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// GoogleEnabled reports whether every Google setting is present.
func (c Config) GoogleEnabled() bool {
	return allSet(c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURL)
}

// FacebookEnabled reports whether every Facebook setting is present.
func (c Config) FacebookEnabled() bool {
	return allSet(c.FacebookClientID, c.FacebookClientSecret, c.FacebookRedirectURL)
}

// Validate rejects half-configured providers, which are almost always a typo.
func (c Config) Validate() error {
	if anySet(c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURL) && !c.GoogleEnabled() {
		return fmt.Errorf("federated config: SECRETS_GOOGLE_CLIENT_ID, _CLIENT_SECRET and _REDIRECT_URL must be set together")
	}
	if anySet(c.FacebookClientID, c.FacebookClientSecret, c.FacebookRedirectURL) && !c.FacebookEnabled() {
		return fmt.Errorf("federated config: SECRETS_FACEBOOK_CLIENT_ID, _CLIENT_SECRET and _REDIRECT_URL must be set together")
	}
	return nil
}

func allSet(vals ...string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}

func anySet(vals ...string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Build constructs a Registry holding every enabled provider.
func Build(ctx context.Context, cfg Config) (*Registry, error) {
	var list []Provider
	if cfg.GoogleEnabled() {
		g, err := NewGoogle(ctx, cfg)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	if cfg.FacebookEnabled() {
		f, err := NewFacebook(cfg)
		if err != nil {
			return nil, err
		}
		list = append(list, f)
	}
	return NewRegistry(list...)
}
