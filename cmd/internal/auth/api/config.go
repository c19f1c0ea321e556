package authapi

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable read by LoadConfigFromEnv.
const EnvPrefix = "SECRETS_"

// Config controls HTTP auth behavior and cookie defaults.
type Config struct {
	SessionCookieName string        `env:"SESSION_COOKIE_NAME" envDefault:"secrets_session"`
	FlowCookiePrefix  string        `env:"AUTH_FLOW_COOKIE_PREFIX" envDefault:"secrets_oauth"`
	FlowCookieTTL     time.Duration `env:"AUTH_FLOW_COOKIE_TTL" envDefault:"10m"`
	CookiePath        string        `env:"AUTH_COOKIE_PATH" envDefault:"/"`
	CookieDomain      string        `env:"AUTH_COOKIE_DOMAIN"`
	CookieSecure      bool          `env:"AUTH_COOKIE_SECURE" envDefault:"false"`
	CookieSameSite    http.SameSite `env:"AUTH_COOKIE_SAMESITE" envDefault:"lax"`

	// LoginPath is where unauthenticated browsers are sent.
	LoginPath string `env:"AUTH_LOGIN_PATH" envDefault:"/login"`
	// AfterLoginPath is where a completed federated login lands.
	AfterLoginPath string `env:"AUTH_AFTER_LOGIN_PATH" envDefault:"/secrets"`
	// AfterLogoutPath is where GET /logout redirects.
	AfterLogoutPath string `env:"AUTH_AFTER_LOGOUT_PATH" envDefault:"/"`

	TrustProxy     bool  `env:"AUTH_TRUST_PROXY" envDefault:"false"`
	MaxBodyBytes   int64 `env:"AUTH_MAX_BODY_BYTES" envDefault:"65536"`
	MaxSecretBytes int   `env:"AUTH_MAX_SECRET_BYTES" envDefault:"4096"`
	SecretsLimit   int   `env:"AUTH_SECRETS_LIMIT" envDefault:"200"`

	LoginIPMax      int           `env:"AUTH_LOGIN_IP_MAX" envDefault:"20"`
	LoginIPWindow   time.Duration `env:"AUTH_LOGIN_IP_WINDOW" envDefault:"5m"`
	LoginUserWindow time.Duration `env:"AUTH_LOGIN_USER_WINDOW" envDefault:"15m"`

	LockoutShortThreshold  int           `env:"AUTH_LOGIN_LOCKOUT_SHORT_THRESHOLD" envDefault:"5"`
	LockoutShortDuration   time.Duration `env:"AUTH_LOGIN_LOCKOUT_SHORT_DURATION" envDefault:"5m"`
	LockoutLongThreshold   int           `env:"AUTH_LOGIN_LOCKOUT_LONG_THRESHOLD" envDefault:"10"`
	LockoutLongDuration    time.Duration `env:"AUTH_LOGIN_LOCKOUT_LONG_DURATION" envDefault:"30m"`
	LockoutSevereThreshold int           `env:"AUTH_LOGIN_LOCKOUT_SEVERE_THRESHOLD" envDefault:"20"`
	LockoutSevereDuration  time.Duration `env:"AUTH_LOGIN_LOCKOUT_SEVERE_DURATION" envDefault:"2h"`
}

// DefaultConfig returns the env defaults without reading the environment.
func DefaultConfig() Config {
	return Config{
		SessionCookieName:      "secrets_session",
		FlowCookiePrefix:       "secrets_oauth",
		FlowCookieTTL:          10 * time.Minute,
		CookiePath:             "/",
		CookieSameSite:         http.SameSiteLaxMode,
		LoginPath:              "/login",
		AfterLoginPath:         "/secrets",
		AfterLogoutPath:        "/",
		MaxBodyBytes:           64 << 10,
		MaxSecretBytes:         4096,
		SecretsLimit:           200,
		LoginIPMax:             20,
		LoginIPWindow:          5 * time.Minute,
		LoginUserWindow:        15 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   5 * time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    30 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  2 * time.Hour,
	}
}

// LoadConfigFromEnv parses SECRETS_* variables and applies guardrails.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		Prefix: EnvPrefix,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(http.SameSite(0)): func(v string) (any, error) {
				return parseSameSite(v), nil
			},
		},
	})
	if err != nil {
		return Config{}, fmt.Errorf("auth api config: %w", err)
	}
	return cfg.normalize()
}

// normalize clamps out-of-range values back to defaults and rejects
// combinations that cannot work.
func (c Config) normalize() (Config, error) {
	def := DefaultConfig()

	c.SessionCookieName = strings.TrimSpace(c.SessionCookieName)
	if c.SessionCookieName == "" {
		c.SessionCookieName = def.SessionCookieName
	}
	c.FlowCookiePrefix = strings.TrimSpace(c.FlowCookiePrefix)
	if c.FlowCookiePrefix == "" {
		c.FlowCookiePrefix = def.FlowCookiePrefix
	}
	if strings.HasPrefix(c.SessionCookieName, c.FlowCookiePrefix) {
		return Config{}, fmt.Errorf("auth api config: session cookie %q overlaps flow cookie prefix %q",
			c.SessionCookieName, c.FlowCookiePrefix)
	}
	if c.FlowCookieTTL <= 0 || c.FlowCookieTTL > time.Hour {
		c.FlowCookieTTL = def.FlowCookieTTL
	}
	if !strings.HasPrefix(c.CookiePath, "/") {
		c.CookiePath = def.CookiePath
	}

	// Browsers drop SameSite=None cookies that are not Secure.
	if c.CookieSameSite == http.SameSiteNoneMode {
		c.CookieSecure = true
	}

	for _, p := range []*string{&c.LoginPath, &c.AfterLoginPath, &c.AfterLogoutPath} {
		if !isLocalPath(*p) {
			return Config{}, fmt.Errorf("auth api config: redirect target %q must be a local path", *p)
		}
	}

	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.MaxSecretBytes <= 0 {
		c.MaxSecretBytes = def.MaxSecretBytes
	}
	if c.SecretsLimit <= 0 {
		c.SecretsLimit = def.SecretsLimit
	}
	if c.LoginIPMax <= 0 {
		c.LoginIPMax = def.LoginIPMax
	}
	if c.LoginIPWindow <= 0 {
		c.LoginIPWindow = def.LoginIPWindow
	}
	if c.LoginUserWindow <= 0 {
		c.LoginUserWindow = def.LoginUserWindow
	}
	return c, nil
}

func (c Config) lockoutTiers() []lockoutTier {
	tiers := []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	}
	out := tiers[:0]
	for _, t := range tiers {
		if t.Threshold > 0 && t.Duration > 0 {
			out = append(out, t)
		}
	}
	return out
}

// failureRetention is how long a login failure can still influence a decision.
func (c Config) failureRetention() time.Duration {
	d := max(c.LoginIPWindow, c.LoginUserWindow)
	for _, t := range c.lockoutTiers() {
		d = max(d, c.LoginUserWindow+t.Duration)
	}
	return d
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, `\`)
}
