// Package security provides the security primitives for the auth
// subsystem: CSRF token issuance and validation, sign-in rate limiting,
// token encryption at rest, and audit logging.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// csrfTokenBytes is the entropy of an anti-forgery token before encoding.
const csrfTokenBytes = 32

// NewCSRFToken generates a fresh per-session anti-forgery token.
func NewCSRFToken() (string, error) {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// VerifyCSRFToken reports whether the submitted form token matches the
// session's current token. The comparison is constant-time and empty
// tokens never match.
func VerifyCSRFToken(current, submitted string) bool {
	if current == "" || submitted == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(current), []byte(submitted)) == 1
}
