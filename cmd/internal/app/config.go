package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends selectable with SECRETS_STORE and SECRETS_SESSION_STORE.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config contains the runtime configuration loaded from SECRETS_* variables.
// Subsystems (session, authapi, federated, password, realtime) load their own.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Store selects the identity backend.
	Store      string `env:"STORE" envDefault:"memory"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"secrets.db"`

	DatabaseURL  string `env:"DATABASE_URL"`
	DBSchema     string `env:"DB_SCHEMA" envDefault:"secrets"`
	DBAutoSchema bool   `env:"DB_AUTO_SCHEMA" envDefault:"true"`
	DBMaxConns   int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns   int32  `env:"DB_MIN_CONNS" envDefault:"0"`

	// SessionStore selects the session backend.
	SessionStore string `env:"SESSION_STORE" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL"`

	// HashConcurrency bounds concurrent Argon2id work. 0 means GOMAXPROCS.
	HashConcurrency int `env:"AUTH_HASH_CONCURRENCY" envDefault:"0"`

	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`

	// ReadinessRequireDB makes /readyz fail unless Postgres is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`
}

// LoadConfig parses and validates Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SECRETS_"}); err != nil {
		return Config{}, fmt.Errorf("app config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend selection and the settings each backend needs.
func (c Config) Validate() error {
	switch c.Store {
	case BackendMemory:
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("app config: SECRETS_SQLITE_PATH is required for the sqlite store")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("app config: SECRETS_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("app config: unknown SECRETS_STORE %q", c.Store)
	}

	switch c.SessionStore {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("app config: SECRETS_REDIS_URL is required for the redis session store")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("app config: SECRETS_DATABASE_URL is required for the postgres session store")
		}
	default:
		return fmt.Errorf("app config: unknown SECRETS_SESSION_STORE %q", c.SessionStore)
	}

	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("app config: unknown SECRETS_LOG_FORMAT %q", c.LogFormat)
	}

	if c.HashConcurrency < 0 {
		return errors.New("app config: SECRETS_AUTH_HASH_CONCURRENCY must be >= 0")
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return errors.New("app config: SECRETS_DB_MIN_CONNS out of range")
	}
	return nil
}

// usesPostgres reports whether any backend needs the shared pool.
func (c Config) usesPostgres() bool {
	return c.Store == BackendPostgres || c.SessionStore == BackendPostgres
}
