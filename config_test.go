package authkit

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/nextsession/authkit/internal/testutil"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/session"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("AUTHKIT_SESSION_SECRET", "test-secret")

	cfg, err := LoadConfigFromEnv()
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, cfg.Port, 3000)
	testutil.AssertEqual(t, cfg.BaseURL, "http://localhost:3000")
	testutil.AssertEqual(t, cfg.SessionSecret, "test-secret")
	testutil.AssertEqual(t, cfg.SessionMaxAge, 7*24*time.Hour)
	testutil.AssertEqual(t, cfg.SessionRevalidateAge, time.Minute)
	testutil.AssertFalse(t, cfg.AlwaysRevalidate, "always-revalidate should default off")
	testutil.AssertFalse(t, cfg.AllowLastMethodUnlink, "last-method unlink should default off")
	testutil.AssertEqual(t, cfg.RateLimit.Rate, 5)
	testutil.AssertEqual(t, cfg.RateLimit.Burst, 10)
	testutil.AssertTrue(t, cfg.EnableAuditLogging, "audit logging should default on")
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("AUTHKIT_SESSION_SECRET", "test-secret")
	t.Setenv("AUTHKIT_PORT", "8080")
	t.Setenv("AUTHKIT_BASE_URL", "https://auth.example.com/")
	t.Setenv("AUTHKIT_SESSION_MAX_AGE_MS", "3600000")
	t.Setenv("AUTHKIT_SESSION_REVALIDATE_AGE_MS", "5000")
	t.Setenv("AUTHKIT_ALLOW_LAST_METHOD_UNLINK", "true")
	t.Setenv("AUTHKIT_GOOGLE_CLIENT_ID", "google-id")
	t.Setenv("AUTHKIT_GOOGLE_CLIENT_SECRET", "google-secret")
	t.Setenv("AUTHKIT_RATE_LIMIT_RATE", "2")
	t.Setenv("AUTHKIT_RATE_LIMIT_BURST", "4")
	t.Setenv("AUTHKIT_AUDIT_LOGGING", "false")

	cfg, err := LoadConfigFromEnv()
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, cfg.Port, 8080)
	// Trailing slash is stripped so URL concatenation stays predictable.
	testutil.AssertEqual(t, cfg.BaseURL, "https://auth.example.com")
	testutil.AssertEqual(t, cfg.SessionMaxAge, time.Hour)
	testutil.AssertEqual(t, cfg.SessionRevalidateAge, 5*time.Second)
	testutil.AssertTrue(t, cfg.AllowLastMethodUnlink, "last-method unlink override lost")
	testutil.AssertEqual(t, cfg.Google.ClientID, "google-id")
	testutil.AssertEqual(t, cfg.RateLimit.Rate, 2)
	testutil.AssertEqual(t, cfg.RateLimit.Burst, 4)
	testutil.AssertFalse(t, cfg.EnableAuditLogging, "audit logging override lost")
}

func TestLoadConfigFromEnvZeroRevalidateMeansAlways(t *testing.T) {
	t.Setenv("AUTHKIT_SESSION_SECRET", "test-secret")
	t.Setenv("AUTHKIT_SESSION_REVALIDATE_AGE_MS", "0")

	cfg, err := LoadConfigFromEnv()
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, cfg.AlwaysRevalidate, "zero revalidate age should mean always revalidate")
}

func TestLoadConfigFromEnvEncryptionKey(t *testing.T) {
	key, err := security.GenerateKey()
	testutil.AssertNoError(t, err)

	t.Setenv("AUTHKIT_SESSION_SECRET", "test-secret")
	t.Setenv("AUTHKIT_ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(key))

	cfg, err := LoadConfigFromEnv()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(cfg.EncryptionKey), 32)

	t.Setenv("AUTHKIT_ENCRYPTION_KEY", "not a key")
	_, err = LoadConfigFromEnv()
	testutil.AssertError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{BaseURL: "https://example.com", SessionSecret: "s"}, false},
		{"missing base url", Config{SessionSecret: "s"}, true},
		{"missing secret", Config{BaseURL: "https://example.com"}, true},
		{"negative max age", Config{BaseURL: "https://example.com", SessionSecret: "s", SessionMaxAge: -time.Hour}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				testutil.AssertError(t, err)
				return
			}
			testutil.AssertNoError(t, err)
		})
	}
}

func TestValidateDefaultsAgeWindows(t *testing.T) {
	cfg := Config{BaseURL: "https://example.com", SessionSecret: "s"}
	testutil.AssertNoError(t, cfg.Validate())
	testutil.AssertEqual(t, cfg.SessionMaxAge, session.DefaultMaxAge)
	testutil.AssertEqual(t, cfg.SessionRevalidateAge, session.DefaultRevalidateAge)

	// Always-revalidate keeps the zero window.
	cfg = Config{BaseURL: "https://example.com", SessionSecret: "s", AlwaysRevalidate: true}
	testutil.AssertNoError(t, cfg.Validate())
	testutil.AssertEqual(t, cfg.SessionRevalidateAge, time.Duration(0))
}

func TestBuildRegistryOmitsUnconfiguredProviders(t *testing.T) {
	cfg := Config{BaseURL: "https://example.com", SessionSecret: "s"}

	registry, err := cfg.BuildRegistry()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, registry.Len(), 0)

	// Half-configured credentials are treated as absent.
	cfg.GitHub = ProviderCredentials{ClientID: "id-only"}
	registry, err = cfg.BuildRegistry()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, registry.Len(), 0)

	cfg.Google = ProviderCredentials{ClientID: "id", ClientSecret: "secret"}
	registry, err = cfg.BuildRegistry()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, registry.Len(), 1)

	google, err := registry.Get("google")
	testutil.AssertNoError(t, err)

	// The redirect URL is derived from the base URL.
	authURL := google.AuthorizationURL("state")
	callback := url.QueryEscape("https://example.com/auth/oauth/google/callback")
	if !strings.Contains(authURL, callback) {
		t.Errorf("authorization URL %q missing callback %q", authURL, callback)
	}
}
