// Package memory provides an in-memory implementation of the user store
// adapter. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/userstore"
)

// Store is an in-memory user store adapter. Uniqueness of email and of
// (provider, provider account id) is enforced under a single mutex, which
// gives the at-most-one-wins semantics the contract requires for
// concurrent inserts.
type Store struct {
	mu sync.RWMutex

	users   map[string]*userstore.User // user id -> record
	byEmail map[string]string          // lowercased email -> user id
	byLink  map[string]string          // provider "\x00" account id -> user id
	byToken map[string]string          // email token id -> user id

	// encryptor provides optional provider token encryption at rest
	encryptor *security.Encryptor

	logger *slog.Logger
}

// Compile-time interface check
var _ userstore.Adapter = (*Store)(nil)

// New creates a new in-memory user store.
func New() *Store {
	return &Store{
		users:   make(map[string]*userstore.User),
		byEmail: make(map[string]string),
		byLink:  make(map[string]string),
		byToken: make(map[string]string),
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for provider access tokens at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Provider token encryption at rest enabled for user store")
	}
}

func linkKey(provider, accountID string) string {
	return provider + "\x00" + accountID
}

// Find returns the matching user or (nil, nil) when absent.
func (s *Store) Find(ctx context.Context, c userstore.Criteria) (*userstore.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", userstore.ErrUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	var ok bool
	switch {
	case c.ID != "":
		id, ok = c.ID, true
	case c.Email != "":
		id, ok = s.byEmail[strings.ToLower(c.Email)]
	case c.EmailToken != "":
		id, ok = s.byToken[c.EmailToken]
	case c.Provider != "" && c.ProviderAccountID != "":
		id, ok = s.byLink[linkKey(c.Provider, c.ProviderAccountID)]
	default:
		return nil, fmt.Errorf("empty find criteria")
	}
	if !ok {
		return nil, nil
	}

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return s.decryptAccounts(u.Clone())
}

// Insert creates a new user, seeding the provider mapping from the
// optional OAuth profile.
func (s *Store) Insert(ctx context.Context, u *userstore.User, oauthProfile *providers.Profile) (*userstore.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", userstore.ErrUnavailable, err)
	}

	record := u.Clone()
	if record.Accounts == nil {
		record.Accounts = make(map[string]userstore.LinkedAccount)
	}
	if oauthProfile != nil {
		if record.Name == "" {
			record.Name = oauthProfile.Name
		}
		if record.AvatarURL == "" {
			record.AvatarURL = oauthProfile.AvatarURL
		}
	}

	now := time.Now().UTC()
	record.ID = uuid.NewString()
	record.CreatedAt = now
	record.UpdatedAt = now

	email := strings.ToLower(record.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if email != "" {
		if _, exists := s.byEmail[email]; exists {
			return nil, fmt.Errorf("%w: email %s", userstore.ErrDuplicateKey, record.Email)
		}
	}
	for name, acct := range record.Accounts {
		if _, exists := s.byLink[linkKey(name, acct.ID)]; exists {
			return nil, fmt.Errorf("%w: account %s/%s", userstore.ErrDuplicateKey, name, acct.ID)
		}
	}

	stored, err := s.encryptAccounts(record.Clone())
	if err != nil {
		return nil, err
	}

	s.users[record.ID] = stored
	if email != "" {
		s.byEmail[email] = record.ID
	}
	if record.EmailToken != "" {
		s.byToken[record.EmailToken] = record.ID
	}
	for name, acct := range record.Accounts {
		s.byLink[linkKey(name, acct.ID)] = record.ID
	}

	s.logger.Debug("Inserted user", "user_id", record.ID)
	return record, nil
}

// Update replaces the stored record, merging the provider mapping per the
// adapter contract.
func (s *Store) Update(ctx context.Context, u *userstore.User) (*userstore.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", userstore.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.users[u.ID]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", userstore.ErrNotFound, u.ID)
	}

	prevPlain, err := s.decryptAccounts(prev.Clone())
	if err != nil {
		return nil, err
	}

	record := u.Clone()
	record.Accounts = userstore.MergeAccounts(prevPlain.Accounts, u.Accounts)
	record.CreatedAt = prev.CreatedAt
	record.UpdatedAt = time.Now().UTC()

	newEmail := strings.ToLower(record.Email)
	oldEmail := strings.ToLower(prev.Email)
	if newEmail != oldEmail && newEmail != "" {
		if owner, exists := s.byEmail[newEmail]; exists && owner != u.ID {
			return nil, fmt.Errorf("%w: email %s", userstore.ErrDuplicateKey, record.Email)
		}
	}
	for name, acct := range record.Accounts {
		if owner, exists := s.byLink[linkKey(name, acct.ID)]; exists && owner != u.ID {
			return nil, fmt.Errorf("%w: account %s/%s", userstore.ErrDuplicateKey, name, acct.ID)
		}
	}

	stored, err := s.encryptAccounts(record.Clone())
	if err != nil {
		return nil, err
	}

	// Rebuild the secondary indexes for this user
	if oldEmail != "" {
		delete(s.byEmail, oldEmail)
	}
	if prev.EmailToken != "" {
		delete(s.byToken, prev.EmailToken)
	}
	for name, acct := range prev.Accounts {
		delete(s.byLink, linkKey(name, acct.ID))
	}

	s.users[u.ID] = stored
	if newEmail != "" {
		s.byEmail[newEmail] = u.ID
	}
	if record.EmailToken != "" {
		s.byToken[record.EmailToken] = u.ID
	}
	for name, acct := range record.Accounts {
		s.byLink[linkKey(name, acct.ID)] = u.ID
	}

	return record, nil
}

// Remove deletes the user. Removing a non-existent id is not an error.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", userstore.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return false, nil
	}

	delete(s.users, id)
	if u.Email != "" {
		delete(s.byEmail, strings.ToLower(u.Email))
	}
	if u.EmailToken != "" {
		delete(s.byToken, u.EmailToken)
	}
	for name, acct := range u.Accounts {
		delete(s.byLink, linkKey(name, acct.ID))
	}

	s.logger.Debug("Removed user", "user_id", id)
	return true, nil
}

// Serialize extracts the session reference for a user.
func (s *Store) Serialize(u *userstore.User) (string, error) {
	if u == nil || u.ID == "" {
		return "", userstore.ErrUnserializable
	}
	return u.ID, nil
}

// Deserialize returns the privacy-filtered projection, or (nil, nil) when
// the user no longer exists.
func (s *Store) Deserialize(ctx context.Context, id string) (*userstore.Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", userstore.ErrUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return u.ToProfile(), nil
}

// Len returns the number of stored users, for metrics callbacks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// encryptAccounts encrypts provider access tokens in place when an
// encryptor is configured. Must be called with the mutex held.
func (s *Store) encryptAccounts(u *userstore.User) (*userstore.User, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return u, nil
	}
	for name, acct := range u.Accounts {
		if acct.AccessToken == "" {
			continue
		}
		enc, err := s.encryptor.Encrypt(acct.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s token: %w", name, err)
		}
		acct.AccessToken = enc
		u.Accounts[name] = acct
	}
	return u, nil
}

// decryptAccounts reverses encryptAccounts for reads.
func (s *Store) decryptAccounts(u *userstore.User) (*userstore.User, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return u, nil
	}
	for name, acct := range u.Accounts {
		if acct.AccessToken == "" {
			continue
		}
		plain, err := s.encryptor.Decrypt(acct.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s token: %w", name, err)
		}
		acct.AccessToken = plain
		u.Accounts[name] = acct
	}
	return u, nil
}
