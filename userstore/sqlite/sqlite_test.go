package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextsession/authkit/internal/testutil"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/userstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestInsertAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)
	if inserted.ID == "" {
		t.Fatal("insert did not assign an id")
	}

	tests := []struct {
		name     string
		criteria userstore.Criteria
	}{
		{"by id", userstore.Criteria{ID: inserted.ID}},
		{"by email", userstore.Criteria{Email: "test@example.com"}},
		{"by email case-insensitive", userstore.Criteria{Email: "TEST@example.com"}},
		{"by provider account", userstore.Criteria{Provider: "google", ProviderAccountID: "provider-acct-123"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, err := s.Find(ctx, tt.criteria)
			testutil.AssertNoError(t, err)
			if found == nil || found.ID != inserted.ID {
				t.Fatalf("expected user %s, got %+v", inserted.ID, found)
			}
			testutil.AssertEqual(t, found.Accounts["google"], inserted.Accounts["google"])
			// Timestamps round to millisecond precision in storage.
			testutil.AssertTimeEqual(t, found.CreatedAt, inserted.CreatedAt, time.Millisecond)
		})
	}

	found, err := s.Find(ctx, userstore.Criteria{Email: "other@example.com"})
	testutil.AssertNoError(t, err)
	if found != nil {
		t.Errorf("expected nothing-found, got %+v", found)
	}
}

func TestFindByEmailToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := testutil.GenerateTestUser()
	u.EmailToken = "tok-1"
	inserted, err := s.Insert(ctx, u, nil)
	testutil.AssertNoError(t, err)

	found, err := s.Find(ctx, userstore.Criteria{EmailToken: "tok-1"})
	testutil.AssertNoError(t, err)
	if found == nil || found.ID != inserted.ID {
		t.Fatalf("expected user %s, got %+v", inserted.ID, found)
	}
}

func TestInsertDuplicateEmail(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, &userstore.User{Email: "dup@example.com"}, nil)
	testutil.AssertNoError(t, err)

	_, err = s.Insert(ctx, &userstore.User{Email: "DUP@example.com"}, nil)
	if !errors.Is(err, userstore.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestEmptyEmailsDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, &userstore.User{Name: "A"}, nil)
	testutil.AssertNoError(t, err)
	_, err = s.Insert(ctx, &userstore.User{Name: "B"}, nil)
	testutil.AssertNoError(t, err)
}

func TestUpdateMergesProviderMapping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)

	updated, err := s.Update(ctx, &userstore.User{
		ID:    inserted.ID,
		Name:  inserted.Name,
		Email: inserted.Email,
		Accounts: map[string]userstore.LinkedAccount{
			"github": {ID: "h1", AccessToken: "gh-token"},
		},
	})
	testutil.AssertNoError(t, err)

	if _, ok := updated.Accounts["google"]; !ok {
		t.Error("update dropped the google entry")
	}
	if _, ok := updated.Accounts["github"]; !ok {
		t.Error("update did not add the github entry")
	}

	updated, err = s.Update(ctx, &userstore.User{
		ID:    inserted.ID,
		Name:  inserted.Name,
		Email: inserted.Email,
		Accounts: map[string]userstore.LinkedAccount{
			"github": userstore.RemoveAccount,
		},
	})
	testutil.AssertNoError(t, err)

	if _, ok := updated.Accounts["github"]; ok {
		t.Error("removal sentinel did not delete the github entry")
	}

	found, err := s.Find(ctx, userstore.Criteria{Provider: "github", ProviderAccountID: "h1"})
	testutil.AssertNoError(t, err)
	if found != nil {
		t.Error("unlinked account still findable by provider")
	}
}

func TestUpdateUnknownID(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Update(context.Background(), &userstore.User{ID: "missing"})
	if !errors.Is(err, userstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateDuplicateLink(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)

	second, err := s.Insert(ctx, &userstore.User{Email: "second@example.com"}, nil)
	testutil.AssertNoError(t, err)

	second.Accounts = map[string]userstore.LinkedAccount{
		"google": first.Accounts["google"],
	}
	_, err = s.Update(ctx, second)
	if !errors.Is(err, userstore.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestRemoveCascadesAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)

	removed, err := s.Remove(ctx, inserted.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, removed, "first remove should report true")

	removed, err = s.Remove(ctx, inserted.ID)
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, removed, "second remove should report false, not error")

	// The provider link goes with the user, so the account id is reusable.
	_, err = s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)
}

func TestSerializeDeserialize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)

	ref, err := s.Serialize(inserted)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ref, inserted.ID)

	p, err := s.Deserialize(ctx, ref)
	testutil.AssertNoError(t, err)
	if p == nil {
		t.Fatal("deserialize returned nil for live user")
	}
	testutil.AssertEqual(t, p.Email, inserted.Email)

	_, err = s.Remove(ctx, inserted.ID)
	testutil.AssertNoError(t, err)

	p, err = s.Deserialize(ctx, ref)
	testutil.AssertNoError(t, err)
	if p != nil {
		t.Fatalf("expected null result for removed user, got %+v", p)
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, 0)

	_, err = s.Insert(ctx, testutil.GenerateTestUser(), nil)
	testutil.AssertNoError(t, err)

	n, err = s.Count(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, n, 1)
}

func TestTokenEncryptionAtRest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	testutil.AssertNoError(t, err)
	enc, err := security.NewEncryptor(key)
	testutil.AssertNoError(t, err)
	s.SetEncryptor(enc)

	u := testutil.GenerateTestUser()
	plainToken := u.Accounts["google"].AccessToken

	inserted, err := s.Insert(ctx, u, nil)
	testutil.AssertNoError(t, err)

	// Reads decrypt transparently.
	found, err := s.Find(ctx, userstore.Criteria{ID: inserted.ID})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, found.Accounts["google"].AccessToken, plainToken)

	// The stored column must not hold the plaintext.
	var stored string
	err = s.db.QueryRowContext(ctx,
		`SELECT access_token FROM linked_accounts WHERE user_id = ?`,
		inserted.ID).Scan(&stored)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, stored, plainToken)
}
