package authkit

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/nextsession/authkit/internal/util"
	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/session"
)

// Config holds the identity subsystem configuration. Load it from the
// environment with LoadConfigFromEnv or build it directly.
type Config struct {
	// BaseURL is the canonical server URL used to build OAuth redirect
	// URLs and email sign-in links (required), e.g. "https://example.com"
	BaseURL string

	// Port is the HTTP listen port for embedding servers
	Port int

	// SessionSecret signs session cookies (required)
	SessionSecret string

	// SessionMaxAge is the maximum idle age before a session expires.
	// Default: 7 days.
	SessionMaxAge time.Duration

	// SessionRevalidateAge is how stale the session's cached user may get
	// before it is re-fetched from the user store. Default: 60 seconds.
	SessionRevalidateAge time.Duration

	// AlwaysRevalidate forces a user store re-fetch on every request.
	// Set when the configured revalidate age is zero.
	AlwaysRevalidate bool

	// AllowLastMethodUnlink permits unlinking a user's only remaining
	// authentication method. Default: false.
	AllowLastMethodUnlink bool

	// Google and GitHub hold per-provider OAuth credentials. A provider
	// with empty credentials is omitted from the registry.
	Google ProviderCredentials
	GitHub ProviderCredentials

	// RateLimit configures sign-in rate limiting
	RateLimit RateLimitConfig

	// EncryptionKey is the AES-256 key (32 bytes) for provider token
	// encryption at rest. Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging with hashed PII
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for provider requests (optional)
	HTTPClient *http.Client
}

// ProviderCredentials holds one OAuth provider's client credentials.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// configured reports whether both credential fields are present.
func (p ProviderCredentials) configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// RateLimitConfig holds sign-in rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per client IP. Zero disables
	// limiting.
	Rate int

	// Burst is the maximum burst size allowed per client IP
	Burst int
}

// configEnv holds raw env values for the identity subsystem.
type configEnv struct {
	Port                   int    `env:"AUTHKIT_PORT" envDefault:"3000"`
	BaseURL                string `env:"AUTHKIT_BASE_URL" envDefault:"http://localhost:3000"`
	SessionSecret          string `env:"AUTHKIT_SESSION_SECRET"`
	SessionMaxAgeMS        int64  `env:"AUTHKIT_SESSION_MAX_AGE_MS" envDefault:"604800000"`
	SessionRevalidateAgeMS int64  `env:"AUTHKIT_SESSION_REVALIDATE_AGE_MS" envDefault:"60000"`
	AllowLastMethodUnlink  bool   `env:"AUTHKIT_ALLOW_LAST_METHOD_UNLINK" envDefault:"false"`
	GoogleClientID         string `env:"AUTHKIT_GOOGLE_CLIENT_ID"`
	GoogleClientSecret     string `env:"AUTHKIT_GOOGLE_CLIENT_SECRET"`
	GitHubClientID         string `env:"AUTHKIT_GITHUB_CLIENT_ID"`
	GitHubClientSecret     string `env:"AUTHKIT_GITHUB_CLIENT_SECRET"`
	RateLimitRate          int    `env:"AUTHKIT_RATE_LIMIT_RATE" envDefault:"5"`
	RateLimitBurst         int    `env:"AUTHKIT_RATE_LIMIT_BURST" envDefault:"10"`
	EncryptionKey          string `env:"AUTHKIT_ENCRYPTION_KEY"`
	EnableAuditLogging     bool   `env:"AUTHKIT_AUDIT_LOGGING" envDefault:"true"`
}

// LoadConfigFromEnv loads the configuration from AUTHKIT_* environment
// variables. Age variables are millisecond-denominated; a revalidate age
// of zero means "always revalidate".
func LoadConfigFromEnv() (Config, error) {
	var raw configEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		BaseURL:               util.NormalizeURL(raw.BaseURL),
		Port:                  raw.Port,
		SessionSecret:         raw.SessionSecret,
		SessionMaxAge:         time.Duration(raw.SessionMaxAgeMS) * time.Millisecond,
		SessionRevalidateAge:  time.Duration(raw.SessionRevalidateAgeMS) * time.Millisecond,
		AlwaysRevalidate:      raw.SessionRevalidateAgeMS == 0,
		AllowLastMethodUnlink: raw.AllowLastMethodUnlink,
		Google: ProviderCredentials{
			ClientID:     raw.GoogleClientID,
			ClientSecret: raw.GoogleClientSecret,
		},
		GitHub: ProviderCredentials{
			ClientID:     raw.GitHubClientID,
			ClientSecret: raw.GitHubClientSecret,
		},
		RateLimit: RateLimitConfig{
			Rate:  raw.RateLimitRate,
			Burst: raw.RateLimitBurst,
		},
		EnableAuditLogging: raw.EnableAuditLogging,
	}

	if raw.EncryptionKey != "" {
		key, err := security.KeyFromBase64(raw.EncryptionKey)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AUTHKIT_ENCRYPTION_KEY: %w", err)
		}
		cfg.EncryptionKey = key
	}

	return cfg, nil
}

// Validate checks that required configuration is present and defaults the
// age windows. Called by NewServer.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("session secret is required")
	}
	if c.SessionMaxAge < 0 || c.SessionRevalidateAge < 0 {
		return fmt.Errorf("session age windows must not be negative")
	}
	if c.SessionMaxAge == 0 {
		c.SessionMaxAge = session.DefaultMaxAge
	}
	if c.SessionRevalidateAge == 0 && !c.AlwaysRevalidate {
		c.SessionRevalidateAge = session.DefaultRevalidateAge
	}
	return nil
}

// BuildRegistry constructs the provider registry from the configured
// credentials. Providers with missing credentials are omitted rather than
// registered broken, so unknown-provider failures surface here at startup
// instead of at request time.
func (c *Config) BuildRegistry() (*providers.Registry, error) {
	var descriptors []*providers.Descriptor

	if c.Google.configured() {
		google, err := providers.Google(providers.Config{
			ClientID:     c.Google.ClientID,
			ClientSecret: c.Google.ClientSecret,
			RedirectURL:  c.oauthCallbackURL("google"),
			HTTPClient:   c.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("configure google provider: %w", err)
		}
		descriptors = append(descriptors, google)
	}
	if c.GitHub.configured() {
		github, err := providers.GitHub(providers.Config{
			ClientID:     c.GitHub.ClientID,
			ClientSecret: c.GitHub.ClientSecret,
			RedirectURL:  c.oauthCallbackURL("github"),
			HTTPClient:   c.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("configure github provider: %w", err)
		}
		descriptors = append(descriptors, github)
	}

	return providers.NewRegistry(descriptors...)
}

func (c *Config) oauthCallbackURL(provider string) string {
	return util.NormalizeURL(c.BaseURL) + "/auth/oauth/" + provider + "/callback"
}
