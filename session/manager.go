package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextsession/authkit/instrumentation"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/userstore"
)

const (
	// DefaultMaxAge is the maximum idle age before a session expires
	DefaultMaxAge = 7 * 24 * time.Hour

	// DefaultRevalidateAge is how stale the cached user projection may get
	// before it is re-fetched from the user store
	DefaultRevalidateAge = 60 * time.Second

	// oauthIntentTTL bounds how long a started OAuth flow stays valid
	oauthIntentTTL = 10 * time.Minute

	// sessionIDBytes is the entropy of a session id before encoding
	sessionIDBytes = 32
)

// View is the public projection of a session handed to page renderers and
// JSON endpoints: the privacy-filtered user (nil while anonymous) and the
// CSRF token for state-changing forms.
type View struct {
	User      *userstore.Profile `json:"user,omitempty"`
	CSRFToken string             `json:"csrfToken"`
}

// Config configures a session manager.
type Config struct {
	// Store persists session records (required)
	Store Store

	// Users resolves serialized user references (required)
	Users userstore.Adapter

	// Codec converts session ids to and from cookie values (required)
	Codec Codec

	// MaxAge is the maximum idle age; zero or negative selects the
	// 7-day default
	MaxAge time.Duration

	// AlwaysRevalidate forces a user store re-fetch on every request; a
	// configured revalidate age of zero means always revalidate
	AlwaysRevalidate bool

	// RevalidateAge is the revalidation window; zero or negative selects
	// the 60-second default unless AlwaysRevalidate is set
	RevalidateAge time.Duration

	// Logger for structured logging (optional)
	Logger *slog.Logger

	// Auditor records security events (optional)
	Auditor *security.Auditor

	// Metrics records session lifecycle metrics (optional)
	Metrics *instrumentation.Metrics

	// Now overrides the time source, for tests
	Now func() time.Time
}

// Manager drives the session lifecycle:
// Anonymous -> Authenticating -> Authenticated -> (Revalidating) ->
// Expired/SignedOut.
type Manager struct {
	store   Store
	users   userstore.Adapter
	codec   Codec
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics

	maxAge           time.Duration
	revalidateAge    time.Duration
	alwaysRevalidate bool

	now func() time.Time
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Users == nil {
		return nil, fmt.Errorf("user store adapter is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("session codec is required")
	}

	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	revalidateAge := cfg.RevalidateAge
	if revalidateAge <= 0 {
		revalidateAge = DefaultRevalidateAge
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		store:            cfg.Store,
		users:            cfg.Users,
		codec:            cfg.Codec,
		logger:           logger,
		auditor:          cfg.Auditor,
		metrics:          cfg.Metrics,
		maxAge:           maxAge,
		revalidateAge:    revalidateAge,
		alwaysRevalidate: cfg.AlwaysRevalidate,
		now:              now,
	}, nil
}

// MaxAge returns the maximum idle age, for cookie attributes.
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Init is the idempotent per-request entry point. It resolves the cookie
// value to a live session, creating a fresh anonymous session when the
// cookie is absent, invalid, or expired, and revalidates the user
// reference when the revalidation window has elapsed. The returned session
// is always persisted.
func (m *Manager) Init(ctx context.Context, cookieValue string) (*Session, error) {
	sess, err := m.resolve(ctx, cookieValue)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return m.revalidate(ctx, sess)
	}
	return m.newAnonymous(ctx)
}

// resolve decodes the cookie and loads the live session, or nil when a
// fresh anonymous session is needed.
func (m *Manager) resolve(ctx context.Context, cookieValue string) (*Session, error) {
	if cookieValue == "" {
		return nil, nil
	}

	id, err := m.codec.Decode(cookieValue)
	if err != nil {
		m.logger.Debug("Rejected session cookie", "error", err)
		return nil, nil
	}

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	if sess.ExpiredAt(m.maxAge, m.now()) {
		// Expired sessions behave as anonymous; drop the stale record.
		if err := m.store.Delete(ctx, sess.ID); err != nil {
			m.logger.Warn("Failed to delete expired session", "error", err)
		}
		if m.metrics != nil {
			m.metrics.RecordSessionExpired(ctx)
		}
		m.logger.Debug("Session expired", "session_age", m.now().Sub(sess.LastSeenAt))
		return nil, nil
	}

	return sess, nil
}

// revalidate re-fetches the user projection when the window has elapsed.
// A deleted user forces the session back to anonymous even when not
// expired.
func (m *Manager) revalidate(ctx context.Context, sess *Session) (*Session, error) {
	now := m.now()
	due := m.alwaysRevalidate || now.Sub(sess.LastSeenAt) >= m.revalidateAge

	if sess.UserID != "" && due {
		profile, err := m.users.Deserialize(ctx, sess.UserID)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			m.logger.Info("Session user no longer exists, demoting to anonymous",
				"session_id_prefix", idPrefix(sess.ID))
			sess.UserID = ""
			sess.User = nil
		} else {
			sess.User = profile
		}
		if m.metrics != nil {
			m.metrics.RecordSessionRevalidated(ctx, profile == nil)
		}
	}

	if due {
		sess.LastSeenAt = now
		if err := m.store.Save(ctx, sess, m.maxAge); err != nil {
			return nil, err
		}
	}

	return sess, nil
}

// newAnonymous creates and persists a fresh anonymous session with a new
// CSRF token.
func (m *Manager) newAnonymous(ctx context.Context) (*Session, error) {
	csrf, err := security.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	sess := &Session{
		ID:         newSessionID(),
		CSRFToken:  csrf,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	if err := m.store.Save(ctx, sess, m.maxAge); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordSessionCreated(ctx, false)
	}
	return sess, nil
}

// Authenticate transitions the session to Authenticated for the given
// user: the user reference is serialized into the session, the session id
// is replaced, and the CSRF token rotates. The prior session record is
// destroyed.
func (m *Manager) Authenticate(ctx context.Context, sess *Session, user *userstore.User) (*Session, error) {
	ref, err := m.users.Serialize(user)
	if err != nil {
		return nil, err
	}

	csrf, err := security.NewCSRFToken()
	if err != nil {
		return nil, err
	}

	now := m.now()
	next := &Session{
		ID:         newSessionID(),
		UserID:     ref,
		User:       user.ToProfile(),
		CSRFToken:  csrf,
		CreatedAt:  sess.CreatedAt,
		LastSeenAt: now,
	}

	if err := m.store.Save(ctx, next, m.maxAge); err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		m.logger.Warn("Failed to delete replaced session", "error", err)
	}
	if m.metrics != nil {
		m.metrics.RecordSessionCreated(ctx, true)
	}

	return next, nil
}

// SignOut destroys the session server-side. The caller clears the client
// cookie.
func (m *Manager) SignOut(ctx context.Context, sess *Session) error {
	if err := m.store.Delete(ctx, sess.ID); err != nil {
		return err
	}
	if m.auditor != nil {
		m.auditor.LogSignOut(sess.UserID, "")
	}
	return nil
}

// BeginOAuth records a pending OAuth intent on the session and returns
// the state parameter to send to the provider.
func (m *Manager) BeginOAuth(ctx context.Context, sess *Session, provider string, link bool) (string, error) {
	state := newSessionID()

	sess.OAuthProvider = provider
	sess.OAuthState = state
	sess.OAuthLink = link
	sess.OAuthStartedAt = m.now()

	if err := m.store.Save(ctx, sess, m.maxAge); err != nil {
		return "", err
	}
	return state, nil
}

// ConsumeOAuthIntent validates and clears the pending OAuth intent. It
// fails when no flow is pending, the provider or state does not match, or
// the intent is older than ten minutes. Returns whether the flow was a
// link request.
func (m *Manager) ConsumeOAuthIntent(ctx context.Context, sess *Session, provider, state string) (bool, error) {
	link := sess.OAuthLink

	switch {
	case sess.OAuthState == "":
		return false, fmt.Errorf("no oauth flow in progress")
	case sess.OAuthProvider != provider:
		return false, fmt.Errorf("oauth callback provider mismatch")
	case !security.VerifyCSRFToken(sess.OAuthState, state):
		return false, fmt.Errorf("oauth state mismatch")
	case m.now().Sub(sess.OAuthStartedAt) > oauthIntentTTL:
		return false, fmt.Errorf("oauth flow expired")
	}

	sess.ClearOAuthIntent()
	if err := m.store.Save(ctx, sess, m.maxAge); err != nil {
		return false, err
	}
	return link, nil
}

// View returns the public projection for renderers and JSON endpoints.
func (m *Manager) View(sess *Session) View {
	return View{
		User:      sess.User,
		CSRFToken: sess.CSRFToken,
	}
}

// CookieValue encodes the session id into its cookie value.
func (m *Manager) CookieValue(sess *Session) (string, error) {
	return m.codec.Encode(sess.ID, m.now().Add(m.maxAge))
}

// newSessionID returns a 256-bit random url-safe identifier.
func newSessionID() string {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("session id entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// idPrefix truncates an id for logging.
func idPrefix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
