// Package userstore defines the capability interface for persisting and
// normalizing user records. Any backing store (memory, SQLite, Postgres)
// implements Adapter; callers never depend on a concrete engine.
package userstore

import (
	"context"
	"errors"
	"time"

	"github.com/nextsession/authkit/providers"
)

// Sentinel errors returned by adapters. Callers classify these at the
// flow boundary; raw driver errors are wrapped, never surfaced bare.
var (
	// ErrDuplicateKey is returned by Insert when the email, or by Update
	// when a linked account, would violate a uniqueness constraint.
	ErrDuplicateKey = errors.New("userstore: duplicate key")

	// ErrNotFound is returned by Update when the id does not exist. Find
	// and Deserialize never return it; they return (nil, nil) instead.
	ErrNotFound = errors.New("userstore: user not found")

	// ErrUnavailable is returned when the backing store cannot be reached
	// within the operation deadline.
	ErrUnavailable = errors.New("userstore: store unavailable")

	// ErrUnserializable is returned by Serialize for records without an id.
	ErrUnserializable = errors.New("userstore: user has no identifier")
)

// User is the persisted user record. It is owned exclusively by the
// adapter; other components hold either the serialized id or the
// privacy-filtered Profile projection.
type User struct {
	// ID is the opaque, store-assigned identifier
	ID string

	// Name is the display name
	Name string

	// Email is unique across the store and used for lookup and email sign-in
	Email string

	// EmailVerified is set once the user completes an email sign-in link
	EmailVerified bool

	// EmailToken is the id of the user's outstanding email sign-in token,
	// empty when none is pending. Cleared when the token is consumed.
	EmailToken string

	// Admin marks administrative users
	Admin bool

	// AvatarURL is an optional picture seeded from an OAuth profile
	AvatarURL string

	// Accounts maps provider name to the linked provider account.
	// Updates merge this mapping; entries for other providers are preserved.
	Accounts map[string]LinkedAccount

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LinkedAccount is one provider entry in a user's provider mapping.
type LinkedAccount struct {
	// ID is the provider-specific account identifier
	ID string

	// AccessToken is the provider access token captured at link time.
	// Never exposed through Deserialize.
	AccessToken string
}

// Profile is the normalized, privacy-filtered projection returned by
// Deserialize. It carries no provider tokens.
type Profile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	Admin         bool   `json:"admin"`
}

// Criteria selects a user for Find. Exactly one selector should be set;
// adapters check them in field order.
type Criteria struct {
	// ID selects by store-assigned identifier
	ID string

	// Email selects by unique email address
	Email string

	// EmailToken selects by a pending email verification token id
	EmailToken string

	// Provider and ProviderAccountID together select by linked account
	Provider          string
	ProviderAccountID string
}

// Adapter is the persisted-state boundary for user records.
//
// Find and Deserialize return (nil, nil) when no user matches: absence is
// a defined nothing-found result, not an error. Callers use it to choose
// between "create new user" and "anonymous session" paths.
type Adapter interface {
	// Find returns the user matching the criteria, or (nil, nil) when
	// absent. Fails with ErrUnavailable if the backing store cannot be
	// reached.
	Find(ctx context.Context, c Criteria) (*User, error)

	// Insert creates a new user record. The optional OAuth profile seeds
	// provider-specific fields (avatar, provider account id and token)
	// which are merged into the user's provider mapping. Returns the
	// persisted user including its assigned identifier. Fails with
	// ErrDuplicateKey if the email already exists.
	Insert(ctx context.Context, u *User, oauthProfile *providers.Profile) (*User, error)

	// Update replaces the stored record, except that the provider mapping
	// is merged: entries present on u win, entries absent from u but
	// present in the store are preserved unless u marks them removed with
	// RemoveAccount. Fails with ErrNotFound if the id does not exist.
	Update(ctx context.Context, u *User) (*User, error)

	// Remove deletes the user. Idempotent: removing a non-existent id
	// returns (false, nil), not an error.
	Remove(ctx context.Context, id string) (bool, error)

	// Serialize extracts the minimal durable reference to embed in a
	// session. Fails with ErrUnserializable if the user has no id.
	Serialize(u *User) (string, error)

	// Deserialize looks up the user by its serialized reference and
	// returns the privacy-filtered projection, or (nil, nil) if the user
	// no longer exists so that stale sessions degrade to anonymous.
	Deserialize(ctx context.Context, id string) (*Profile, error)
}

// RemoveAccount is the sentinel placed in User.Accounts to delete a
// provider entry during Update. A zero-valued LinkedAccount in the map
// means "remove this provider" rather than "store an empty account".
var RemoveAccount = LinkedAccount{}

// IsRemoval reports whether a mapping entry is the removal sentinel.
func IsRemoval(a LinkedAccount) bool {
	return a.ID == "" && a.AccessToken == ""
}

// ToProfile builds the privacy-filtered projection for a user record.
func (u *User) ToProfile() *Profile {
	return &Profile{
		ID:            u.ID,
		Name:          u.Name,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Admin:         u.Admin,
	}
}

// Clone returns a deep copy so adapter callers cannot mutate stored state.
func (u *User) Clone() *User {
	cp := *u
	if u.Accounts != nil {
		cp.Accounts = make(map[string]LinkedAccount, len(u.Accounts))
		for k, v := range u.Accounts {
			cp.Accounts[k] = v
		}
	}
	return &cp
}

// MergeAccounts applies the documented merge contract: entries on next
// overwrite entries on prev, removal sentinels delete, everything else on
// prev is preserved.
func MergeAccounts(prev, next map[string]LinkedAccount) map[string]LinkedAccount {
	merged := make(map[string]LinkedAccount, len(prev)+len(next))
	for k, v := range prev {
		merged[k] = v
	}
	for k, v := range next {
		if IsRemoval(v) {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}
