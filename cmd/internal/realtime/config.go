package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// GatewayConfig tunes the feed websocket endpoint.
type GatewayConfig struct {
	// OriginRequired rejects handshakes without an Origin header.
	OriginRequired bool `env:"WS_ORIGIN_REQUIRED" envDefault:"true"`
	// AllowedOrigins lists full origins or bare hosts; "*" allows any.
	AllowedOrigins []string `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`

	WriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout  time.Duration `env:"WS_READ_IDLE_TIMEOUT" envDefault:"2m"`
	MaxLifetime      time.Duration `env:"WS_MAX_LIFETIME" envDefault:"1h"`
	SendQueueSize    int           `env:"WS_SEND_QUEUE" envDefault:"256"`
	HeartbeatEvery   time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	RateEvents       int           `env:"WS_RATE_EVENTS" envDefault:"30"`
	RateWindow       time.Duration `env:"WS_RATE_WINDOW" envDefault:"10s"`
}

const wsMinSendQueueSize = 32

// DefaultGatewayConfig mirrors the env defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     5 * time.Second,
		ReadIdleTimeout:  2 * time.Minute,
		MaxLifetime:      time.Hour,
		SendQueueSize:    256,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadGatewayConfigFromEnv parses SECRETS_WS_* variables.
func LoadGatewayConfigFromEnv() (GatewayConfig, error) {
	var cfg GatewayConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECRETS_"}); err != nil {
		return GatewayConfig{}, fmt.Errorf("realtime config: %w", err)
	}
	return cfg.normalize(), nil
}

// normalize falls back to defaults for non-positive values.
func (c GatewayConfig) normalize() GatewayConfig {
	def := DefaultGatewayConfig()

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = def.MaxLifetime
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}
