package password

import (
	"fmt"
	"math"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation and anti-DoS boundaries.
type Policy struct {
	MinLength int
	MaxLength int
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the production baseline.
//
// The policy accepts any non-empty password up to 256 runes; deployments
// tighten it through SECRETS_PASSWORD_MIN_LEN and SECRETS_PASSWORD_REJECT_VERY_WEAK.
func DefaultConfig() Config {
	// CPU-aware parallelism, clamped to [1..4] to keep resource usage predictable in containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,      // 64 MiB
			Iterations:  3,              // reasonable default for interactive logins
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      1,
			MaxLength:      256,
			RejectVeryWeak: false,
		},
	}
}

// envConfig is the environment surface. Pointers distinguish "unset" from zero.
type envConfig struct {
	MinLen         *int    `env:"PASSWORD_MIN_LEN"`
	MaxLen         *int    `env:"PASSWORD_MAX_LEN"`
	RejectVeryWeak *bool   `env:"PASSWORD_REJECT_VERY_WEAK"`
	MemoryKiB      *uint32 `env:"ARGON2_MEMORY_KIB"`
	Iterations     *uint32 `env:"ARGON2_ITERATIONS"`
	Parallelism    *uint32 `env:"ARGON2_PARALLELISM"`
	SaltLen        *uint32 `env:"ARGON2_SALT_LEN"`
	KeyLen         *uint32 `env:"ARGON2_KEY_LEN"`
}

// EnvPrefix is prepended to every variable read by FromEnv.
const EnvPrefix = "SECRETS_"

// FromEnv loads config from environment variables on top of DefaultConfig.
//
// Env surface:
// - SECRETS_PASSWORD_MIN_LEN [1..1024]
// - SECRETS_PASSWORD_MAX_LEN [1..4096]
// - SECRETS_PASSWORD_REJECT_VERY_WEAK (true/false)
// - SECRETS_ARGON2_MEMORY_KIB [8192..1048576]
// - SECRETS_ARGON2_ITERATIONS [1..20]
// - SECRETS_ARGON2_PARALLELISM [1..64]
// - SECRETS_ARGON2_SALT_LEN [8..64]
// - SECRETS_ARGON2_KEY_LEN [16..64]
func FromEnv() (Config, error) {
	var raw envConfig
	if err := env.ParseWithOptions(&raw, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("password config: %w", err)
	}
	return raw.apply(DefaultConfig())
}

func (e envConfig) apply(cfg Config) (Config, error) {
	if e.MinLen != nil {
		if err := intInRange(*e.MinLen, 1, 1024); err != nil {
			return Config{}, fmt.Errorf("%sPASSWORD_MIN_LEN: %w", EnvPrefix, err)
		}
		cfg.Policy.MinLength = *e.MinLen
	}
	if e.MaxLen != nil {
		if err := intInRange(*e.MaxLen, 1, 4096); err != nil {
			return Config{}, fmt.Errorf("%sPASSWORD_MAX_LEN: %w", EnvPrefix, err)
		}
		cfg.Policy.MaxLength = *e.MaxLen
	}
	if e.RejectVeryWeak != nil {
		cfg.Policy.RejectVeryWeak = *e.RejectVeryWeak
	}
	if e.MemoryKiB != nil {
		if err := u32InRange(*e.MemoryKiB, 8*1024, 1024*1024); err != nil { // 8 MiB .. 1 GiB
			return Config{}, fmt.Errorf("%sARGON2_MEMORY_KIB: %w", EnvPrefix, err)
		}
		cfg.Params.MemoryKiB = *e.MemoryKiB
	}
	if e.Iterations != nil {
		if err := u32InRange(*e.Iterations, 1, 20); err != nil {
			return Config{}, fmt.Errorf("%sARGON2_ITERATIONS: %w", EnvPrefix, err)
		}
		cfg.Params.Iterations = *e.Iterations
	}
	if e.Parallelism != nil {
		if err := u32InRange(*e.Parallelism, 1, 64); err != nil {
			return Config{}, fmt.Errorf("%sARGON2_PARALLELISM: %w", EnvPrefix, err)
		}
		p, err := u32ToU8(*e.Parallelism)
		if err != nil {
			return Config{}, fmt.Errorf("%sARGON2_PARALLELISM: %w", EnvPrefix, err)
		}
		cfg.Params.Parallelism = p
	}
	if e.SaltLen != nil {
		if err := u32InRange(*e.SaltLen, 8, 64); err != nil {
			return Config{}, fmt.Errorf("%sARGON2_SALT_LEN: %w", EnvPrefix, err)
		}
		cfg.Params.SaltLength = *e.SaltLen
	}
	if e.KeyLen != nil {
		if err := u32InRange(*e.KeyLen, 16, 64); err != nil {
			return Config{}, fmt.Errorf("%sARGON2_KEY_LEN: %w", EnvPrefix, err)
		}
		cfg.Params.KeyLength = *e.KeyLen
	}

	// Final sanity.
	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}

func intInRange(v, minVal, maxVal int) error {
	if v < minVal || v > maxVal {
		return fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return nil
}

func u32InRange(v, minVal, maxVal uint32) error {
	if v < minVal || v > maxVal {
		return fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return nil
}

func u32ToU8(u uint32) (uint8, error) {
	// Explicit overflow guard to satisfy static analyzers and future changes.
	if u > math.MaxUint8 {
		return 0, fmt.Errorf("out of range [0..%d]", math.MaxUint8)
	}
	return uint8(u), nil
}
