// Package session implements the session manager: it issues, validates,
// revalidates, and expires session records, mediating between incoming
// requests and the user store adapter.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/nextsession/authkit/userstore"
)

// Sentinel errors returned by session stores.
var (
	// ErrUnavailable is returned when the backing session store cannot be
	// reached within the operation deadline.
	ErrUnavailable = errors.New("session: store unavailable")
)

// State describes where a session sits in its lifecycle.
type State string

const (
	// StateAnonymous is a session with no authenticated user
	StateAnonymous State = "anonymous"

	// StateAuthenticating is a session with an OAuth or email sign-in in
	// flight
	StateAuthenticating State = "authenticating"

	// StateAuthenticated is a session bound to a user reference
	StateAuthenticated State = "authenticated"

	// StateExpired is a session past its maximum idle age; it behaves as
	// anonymous on the next request
	StateExpired State = "expired"
)

// Session is one browser context's server-side record. The user reference
// is the serialized id produced by the user store adapter, never the full
// record.
type Session struct {
	// ID is the random, unguessable session identifier
	ID string

	// UserID is the serialized user reference, empty while anonymous
	UserID string

	// CSRFToken is the per-session anti-forgery token rendered into forms
	CSRFToken string

	// CreatedAt is when the session was first issued
	CreatedAt time.Time

	// LastSeenAt is the last time the session was revalidated; the idle
	// expiry clock runs from here
	LastSeenAt time.Time

	// User caches the privacy-filtered projection between revalidations.
	// Refreshed from the user store whenever the revalidation window
	// elapses; nil while anonymous.
	User *userstore.Profile

	// Pending OAuth intent. Carrying the state in the session binds the
	// provider callback to the browser context that started the flow.
	OAuthProvider  string
	OAuthState     string
	OAuthLink      bool
	OAuthStartedAt time.Time
}

// Clone returns a copy so store callers cannot mutate cached state.
func (s *Session) Clone() *Session {
	cp := *s
	if s.User != nil {
		user := *s.User
		cp.User = &user
	}
	return &cp
}

// State reports the session's lifecycle state given the maximum idle age.
func (s *Session) State(maxAge time.Duration, now time.Time) State {
	if s.ExpiredAt(maxAge, now) {
		return StateExpired
	}
	if s.UserID != "" {
		return StateAuthenticated
	}
	if s.OAuthState != "" {
		return StateAuthenticating
	}
	return StateAnonymous
}

// ExpiredAt reports whether the session exceeded its maximum idle age.
func (s *Session) ExpiredAt(maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(s.LastSeenAt) > maxAge
}

// ClearOAuthIntent drops any pending OAuth flow from the session.
func (s *Session) ClearOAuthIntent() {
	s.OAuthProvider = ""
	s.OAuthState = ""
	s.OAuthLink = false
	s.OAuthStartedAt = time.Time{}
}

// Store is the persisted-state boundary for session records. Access is
// keyed by session id with no cross-session visibility.
type Store interface {
	// Save persists the session, overwriting any record with the same id.
	// ttl bounds server-side retention; implementations may evict earlier
	// records lazily.
	Save(ctx context.Context, s *Session, ttl time.Duration) error

	// Get returns the session or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the session. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}
