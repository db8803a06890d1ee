// Package authkit is a pluggable identity-and-session subsystem: user
// records behind a capability interface, server-tracked sessions with
// expiry and revalidation, provider-agnostic OAuth sign-in and account
// linking, email sign-in, and per-session CSRF protection.
package authkit

import (
	"context"

	"github.com/nextsession/authkit/userstore"
)

// SessionView is the public projection of the current session returned by
// the session endpoint and rendered into the sign-in page.
type SessionView struct {
	// User is the privacy-filtered user projection, nil while anonymous
	User *userstore.Profile `json:"user,omitempty"`

	// CSRFToken must be submitted with every state-changing form
	CSRFToken string `json:"csrfToken"`
}

// ProviderView describes one configured provider for rendering sign-in
// buttons.
type ProviderView struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// LinkedView maps provider name to whether the current user has that
// provider linked. Derived from the user's provider mapping, never stored.
type LinkedView map[string]bool

// Mailer delivers email sign-in links. Embedding applications provide a
// real transport; the default logs the link for development.
type Mailer interface {
	// SendSignInLink delivers the sign-in URL to the address.
	SendSignInLink(ctx context.Context, email, url string) error
}
