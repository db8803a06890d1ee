// Package verification manages pending email sign-in tokens. Submitting
// the sign-in form creates a Pending record before any user exists; the
// user only comes into being when the emailed link is followed. Token
// secrets are bcrypt-hashed at rest, so a leaked store does not leak
// usable sign-in links.
package verification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultTTL is how long an emailed sign-in link stays valid.
const DefaultTTL = 24 * time.Hour

// secretBytes is the entropy of the token secret before encoding.
// The encoded secret stays well under bcrypt's 72-byte input limit.
const secretBytes = 32

// ErrInvalidToken is returned by Consume for tokens that are unknown,
// malformed, expired, or already used.
var ErrInvalidToken = errors.New("verification: invalid token")

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("verification: store unavailable")

// Pending is one outstanding email sign-in. No User record exists yet for
// first-time sign-ins; UserID is set only when the email already belongs
// to a known user.
type Pending struct {
	// ID is the public token identifier, safe to index by
	ID string

	// Email is the address the sign-in link was sent to
	Email string

	// UserID references an existing user, empty for first-time sign-ins
	UserID string

	// SecretHash is the bcrypt hash of the token secret
	SecretHash []byte

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists pending verifications.
type Store interface {
	// Save persists the pending record under its id.
	Save(ctx context.Context, p *Pending) error

	// Get returns the pending record or (nil, nil) when absent.
	Get(ctx context.Context, id string) (*Pending, error)

	// Delete removes the pending record. Missing ids are not an error.
	Delete(ctx context.Context, id string) error
}

// Issuer creates and consumes email sign-in tokens against a Store.
type Issuer struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewIssuer creates an issuer. A zero ttl selects the 24-hour default.
func NewIssuer(store Store, ttl time.Duration, logger *slog.Logger) (*Issuer, error) {
	if store == nil {
		return nil, fmt.Errorf("verification store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetNow overrides the time source, for tests.
func (i *Issuer) SetNow(now func() time.Time) {
	i.now = now
}

// Issue creates a pending verification for the email and returns the
// opaque token ("<id>.<secret>") to embed in the sign-in link. Only the
// bcrypt hash of the secret is stored.
func (i *Issuer) Issue(ctx context.Context, email, userID string) (string, error) {
	id := randomToken()
	secret := randomToken()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash verification secret: %w", err)
	}

	now := i.now()
	p := &Pending{
		ID:         id,
		Email:      email,
		UserID:     userID,
		SecretHash: hash,
		CreatedAt:  now,
		ExpiresAt:  now.Add(i.ttl),
	}

	if err := i.store.Save(ctx, p); err != nil {
		return "", err
	}

	i.logger.Debug("Issued email verification token", "token_id", id)
	return id + "." + secret, nil
}

// Consume validates a token and removes it, returning the pending record.
// Tokens are single-use: a second Consume of the same token fails with
// ErrInvalidToken.
func (i *Issuer) Consume(ctx context.Context, token string) (*Pending, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	p, err := i.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrInvalidToken
	}

	if i.now().After(p.ExpiresAt) {
		if err := i.store.Delete(ctx, id); err != nil {
			i.logger.Warn("Failed to delete expired verification", "error", err)
		}
		return nil, ErrInvalidToken
	}

	if bcrypt.CompareHashAndPassword(p.SecretHash, []byte(secret)) != nil {
		return nil, ErrInvalidToken
	}

	if err := i.store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

// randomToken returns a 256-bit random url-safe string.
func randomToken() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("verification token entropy unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
