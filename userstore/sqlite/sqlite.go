// Package sqlite provides a SQLite-backed user store adapter for
// single-node deployments that need durability without an external
// database. A single file backs the user and linked-account tables so
// both sides of an update share one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/userstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	email         TEXT NOT NULL DEFAULT '',
	email_verified INTEGER NOT NULL DEFAULT 0,
	email_token   TEXT NOT NULL DEFAULT '',
	admin         INTEGER NOT NULL DEFAULT 0,
	avatar_url    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx
	ON users (lower(email)) WHERE email <> '';

CREATE INDEX IF NOT EXISTS users_email_token_idx
	ON users (email_token) WHERE email_token <> '';

CREATE TABLE IF NOT EXISTS linked_accounts (
	user_id      TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	provider     TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_id, provider),
	UNIQUE (provider, account_id)
);
`

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store is a SQLite-backed user store adapter.
type Store struct {
	db        *sql.DB
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// Compile-time interface check
var _ userstore.Adapter = (*Store)(nil)

// Open opens (creating if necessary) the SQLite user store at path and
// applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %v", userstore.ErrUnavailable, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for provider access tokens at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Provider token encryption at rest enabled for user store")
	}
}

// isUniqueViolation detects SQLite uniqueness constraint failures. The
// modernc driver exposes them only through the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Find returns the matching user or (nil, nil) when absent.
func (s *Store) Find(ctx context.Context, c userstore.Criteria) (*userstore.User, error) {
	var (
		where string
		args  []any
	)
	switch {
	case c.ID != "":
		where, args = "u.id = ?", []any{c.ID}
	case c.Email != "":
		where, args = "lower(u.email) = lower(?) AND u.email <> ''", []any{c.Email}
	case c.EmailToken != "":
		where, args = "u.email_token = ? AND u.email_token <> ''", []any{c.EmailToken}
	case c.Provider != "" && c.ProviderAccountID != "":
		where = "u.id = (SELECT user_id FROM linked_accounts WHERE provider = ? AND account_id = ?)"
		args = []any{c.Provider, c.ProviderAccountID}
	default:
		return nil, fmt.Errorf("empty find criteria")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.email, u.email_verified, u.email_token,
		       u.admin, u.avatar_url, u.created_at, u.updated_at
		FROM users u WHERE `+where, args...)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: find user: %v", userstore.ErrUnavailable, err)
	}

	if err := s.loadAccounts(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Insert creates a new user, seeding the provider mapping from the
// optional OAuth profile.
func (s *Store) Insert(ctx context.Context, u *userstore.User, oauthProfile *providers.Profile) (*userstore.User, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin insert: %v", userstore.ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, name, email, email_verified, email_token,
			admin, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Name, record.Email, record.EmailVerified,
		record.EmailToken, record.Admin, record.AvatarURL,
		toMillis(record.CreatedAt), toMillis(record.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email %s", userstore.ErrDuplicateKey, record.Email)
		}
		return nil, fmt.Errorf("%w: insert user: %v", userstore.ErrUnavailable, err)
	}

	if err := s.insertAccounts(ctx, tx, record.ID, record.Accounts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit insert: %v", userstore.ErrUnavailable, err)
	}

	s.logger.Debug("Inserted user", "user_id", record.ID)
	return record, nil
}

// Update replaces the stored record, merging the provider mapping per the
// adapter contract.
func (s *Store) Update(ctx context.Context, u *userstore.User) (*userstore.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin update: %v", userstore.ErrUnavailable, err)
	}
	defer tx.Rollback()

	prev := &userstore.User{ID: u.ID}
	if err := s.loadAccountsTx(ctx, tx, prev); err != nil {
		return nil, err
	}

	record := u.Clone()
	record.Accounts = userstore.MergeAccounts(prev.Accounts, u.Accounts)
	record.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, email_verified = ?,
			email_token = ?, admin = ?, avatar_url = ?, updated_at = ?
		WHERE id = ?`,
		record.Name, record.Email, record.EmailVerified, record.EmailToken,
		record.Admin, record.AvatarURL, toMillis(record.UpdatedAt), record.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email %s", userstore.ErrDuplicateKey, record.Email)
		}
		return nil, fmt.Errorf("%w: update user: %v", userstore.ErrUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: update user: %v", userstore.ErrUnavailable, err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: id %s", userstore.ErrNotFound, u.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM linked_accounts WHERE user_id = ?`, record.ID); err != nil {
		return nil, fmt.Errorf("%w: replace accounts: %v", userstore.ErrUnavailable, err)
	}
	if err := s.insertAccounts(ctx, tx, record.ID, record.Accounts); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit update: %v", userstore.ErrUnavailable, err)
	}

	var row sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM users WHERE id = ?`, record.ID).Scan(&row); err == nil && row.Valid {
		record.CreatedAt = fromMillis(row.Int64)
	}

	return record, nil
}

// Remove deletes the user. Removing a non-existent id is not an error.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("%w: remove user: %v", userstore.ErrUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: remove user: %v", userstore.ErrUnavailable, err)
	}
	if affected > 0 {
		s.logger.Debug("Removed user", "user_id", id)
	}
	return affected > 0, nil
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
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, email_verified, admin
		FROM users WHERE id = ?`, id)

	var p userstore.Profile
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.EmailVerified, &p.Admin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: deserialize user: %v", userstore.ErrUnavailable, err)
	}
	return &p, nil
}

// Count returns the number of stored users, for metrics callbacks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count users: %v", userstore.ErrUnavailable, err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*userstore.User, error) {
	var (
		u       userstore.User
		created int64
		updated int64
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Email, &u.EmailVerified,
		&u.EmailToken, &u.Admin, &u.AvatarURL, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

type queryContexter interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadAccounts populates u.Accounts with decrypted provider entries.
func (s *Store) loadAccounts(ctx context.Context, u *userstore.User) error {
	return s.loadAccountsFrom(ctx, s.db, u)
}

func (s *Store) loadAccountsTx(ctx context.Context, tx *sql.Tx, u *userstore.User) error {
	return s.loadAccountsFrom(ctx, tx, u)
}

func (s *Store) loadAccountsFrom(ctx context.Context, q queryContexter, u *userstore.User) error {
	rows, err := q.QueryContext(ctx, `
		SELECT provider, account_id, access_token
		FROM linked_accounts WHERE user_id = ?`, u.ID)
	if err != nil {
		return fmt.Errorf("%w: load accounts: %v", userstore.ErrUnavailable, err)
	}
	defer rows.Close()

	u.Accounts = make(map[string]userstore.LinkedAccount)
	for rows.Next() {
		var provider string
		var acct userstore.LinkedAccount
		if err := rows.Scan(&provider, &acct.ID, &acct.AccessToken); err != nil {
			return fmt.Errorf("%w: scan account: %v", userstore.ErrUnavailable, err)
		}
		if acct.AccessToken != "" && s.encryptor != nil && s.encryptor.IsEnabled() {
			plain, err := s.encryptor.Decrypt(acct.AccessToken)
			if err != nil {
				return fmt.Errorf("decrypt %s token: %w", provider, err)
			}
			acct.AccessToken = plain
		}
		u.Accounts[provider] = acct
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: load accounts: %v", userstore.ErrUnavailable, err)
	}
	return nil
}

// insertAccounts writes the provider mapping, encrypting tokens at rest
// when an encryptor is configured.
func (s *Store) insertAccounts(ctx context.Context, tx *sql.Tx, userID string, accounts map[string]userstore.LinkedAccount) error {
	for provider, acct := range accounts {
		token := acct.AccessToken
		if token != "" && s.encryptor != nil && s.encryptor.IsEnabled() {
			enc, err := s.encryptor.Encrypt(token)
			if err != nil {
				return fmt.Errorf("encrypt %s token: %w", provider, err)
			}
			token = enc
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO linked_accounts (user_id, provider, account_id, access_token)
			VALUES (?, ?, ?, ?)`,
			userID, provider, acct.ID, token)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: account %s/%s", userstore.ErrDuplicateKey, provider, acct.ID)
			}
			return fmt.Errorf("%w: insert account: %v", userstore.ErrUnavailable, err)
		}
	}
	return nil
}
