package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nextsession/authkit/instrumentation"
	"github.com/nextsession/authkit/internal/testutil"
	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/userstore"
)

// fakeStore is a minimal map-backed Store for manager tests. The memory
// subpackage cannot be imported from here, so the tests carry their own.
type fakeStore struct {
	sessions map[string]*Session
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*Session)}
}

func (f *fakeStore) Save(_ context.Context, s *Session, _ time.Duration) error {
	f.sessions[s.ID] = s.Clone()
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

// fakeUsers serves Serialize and Deserialize from a fixed projection map
// and counts lookups so tests can assert when revalidation happened.
type fakeUsers struct {
	profiles         map[string]*userstore.Profile
	deserializeCalls int
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{profiles: make(map[string]*userstore.Profile)}
}

func (f *fakeUsers) Find(context.Context, userstore.Criteria) (*userstore.User, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeUsers) Insert(context.Context, *userstore.User, *providers.Profile) (*userstore.User, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeUsers) Update(context.Context, *userstore.User) (*userstore.User, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeUsers) Remove(context.Context, string) (bool, error) {
	return false, fmt.Errorf("not implemented")
}

func (f *fakeUsers) Serialize(u *userstore.User) (string, error) {
	if u.ID == "" {
		return "", userstore.ErrUnserializable
	}
	return u.ID, nil
}

func (f *fakeUsers) Deserialize(_ context.Context, id string) (*userstore.Profile, error) {
	f.deserializeCalls++
	p, ok := f.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

var _ userstore.Adapter = (*fakeUsers)(nil)

func newTestManager(t *testing.T, store *fakeStore, users *fakeUsers, clock *testutil.MockTime, mutate func(*Config)) *Manager {
	t.Helper()
	codec, err := NewHMACCodec([]byte("test-secret"))
	if err != nil {
		t.Fatalf("create codec: %v", err)
	}
	cfg := Config{
		Store: store,
		Users: users,
		Codec: codec,
		Now:   clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	return m
}

func TestInitCreatesAnonymousSession(t *testing.T) {
	store := newFakeStore()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, newFakeUsers(), clock, nil)
	ctx := context.Background()

	sess, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	if sess.ID == "" {
		t.Fatal("no session id assigned")
	}
	if sess.CSRFToken == "" {
		t.Error("anonymous session has no CSRF token")
	}
	if sess.State(m.MaxAge(), clock.Now()) != StateAnonymous {
		t.Errorf("unexpected state %s", sess.State(m.MaxAge(), clock.Now()))
	}
	if _, ok := store.sessions[sess.ID]; !ok {
		t.Error("anonymous session not persisted")
	}
}

func TestInitCookieRoundtrip(t *testing.T) {
	store := newFakeStore()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, newFakeUsers(), clock, nil)
	ctx := context.Background()

	first, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	cookie, err := m.CookieValue(first)
	testutil.AssertNoError(t, err)

	second, err := m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, second.ID, first.ID)
	testutil.AssertEqual(t, second.CSRFToken, first.CSRFToken)
}

func TestInitRejectsForgedCookie(t *testing.T) {
	store := newFakeStore()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, newFakeUsers(), clock, nil)
	ctx := context.Background()

	first, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	// A cookie naming a real session id but lacking a valid signature must
	// not resolve to that session.
	second, err := m.Init(ctx, first.ID+".forged-signature")
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, second.ID, first.ID)
}

func TestInitExpiredSessionBecomesAnonymous(t *testing.T) {
	store := newFakeStore()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, newFakeUsers(), clock, nil)
	ctx := context.Background()

	first, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)
	cookie, err := m.CookieValue(first)
	testutil.AssertNoError(t, err)

	clock.Advance(DefaultMaxAge + time.Minute)

	second, err := m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, second.ID, first.ID)

	if _, ok := store.sessions[first.ID]; ok {
		t.Error("expired session record not deleted")
	}
}

func TestRevalidateDemotesDeletedUser(t *testing.T) {
	store := newFakeStore()
	users := newFakeUsers()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, users, clock, nil)
	ctx := context.Background()

	users.profiles["u1"] = &userstore.Profile{ID: "u1", Name: "Test User"}

	anon, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)
	sess, err := m.Authenticate(ctx, anon, &userstore.User{ID: "u1", Name: "Test User"})
	testutil.AssertNoError(t, err)
	cookie, err := m.CookieValue(sess)
	testutil.AssertNoError(t, err)

	// The user disappears between requests.
	delete(users.profiles, "u1")
	clock.Advance(DefaultRevalidateAge + time.Second)

	got, err := m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, got.ID, sess.ID)
	if got.UserID != "" || got.User != nil {
		t.Errorf("session not demoted to anonymous: %+v", got)
	}
}

func TestRevalidateOnlyWhenDue(t *testing.T) {
	store := newFakeStore()
	users := newFakeUsers()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, users, clock, nil)
	ctx := context.Background()

	users.profiles["u1"] = &userstore.Profile{ID: "u1"}

	anon, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)
	sess, err := m.Authenticate(ctx, anon, &userstore.User{ID: "u1"})
	testutil.AssertNoError(t, err)
	cookie, err := m.CookieValue(sess)
	testutil.AssertNoError(t, err)

	users.deserializeCalls = 0

	// Within the window the cached projection is served.
	clock.Advance(DefaultRevalidateAge / 2)
	_, err = m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, users.deserializeCalls, 0)

	// Past the window the user store is consulted again.
	clock.Advance(DefaultRevalidateAge)
	_, err = m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, users.deserializeCalls, 1)
}

func TestAlwaysRevalidate(t *testing.T) {
	store := newFakeStore()
	users := newFakeUsers()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, users, clock, func(cfg *Config) {
		cfg.AlwaysRevalidate = true
	})
	ctx := context.Background()

	users.profiles["u1"] = &userstore.Profile{ID: "u1"}

	anon, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)
	sess, err := m.Authenticate(ctx, anon, &userstore.User{ID: "u1"})
	testutil.AssertNoError(t, err)
	cookie, err := m.CookieValue(sess)
	testutil.AssertNoError(t, err)

	users.deserializeCalls = 0
	for i := 0; i < 3; i++ {
		_, err = m.Init(ctx, cookie)
		testutil.AssertNoError(t, err)
	}
	testutil.AssertEqual(t, users.deserializeCalls, 3)
}

func TestAuthenticateRotatesSession(t *testing.T) {
	store := newFakeStore()
	users := newFakeUsers()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, users, clock, nil)
	ctx := context.Background()

	anon, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	clock.Advance(time.Minute)
	sess, err := m.Authenticate(ctx, anon, &userstore.User{ID: "u1", Name: "Test User"})
	testutil.AssertNoError(t, err)

	testutil.AssertNotEqual(t, sess.ID, anon.ID)
	testutil.AssertNotEqual(t, sess.CSRFToken, anon.CSRFToken)
	testutil.AssertEqual(t, sess.UserID, "u1")
	testutil.AssertTimeEqual(t, sess.CreatedAt, anon.CreatedAt, 0)

	if sess.User == nil || sess.User.Name != "Test User" {
		t.Errorf("projection not cached on session: %+v", sess.User)
	}
	if _, ok := store.sessions[anon.ID]; ok {
		t.Error("replaced session record not deleted")
	}
}

func TestSignOut(t *testing.T) {
	store := newFakeStore()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, newFakeUsers(), clock, nil)
	ctx := context.Background()

	sess, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, m.SignOut(ctx, sess))
	if _, ok := store.sessions[sess.ID]; ok {
		t.Error("session record survived sign-out")
	}
}

func TestOAuthIntent(t *testing.T) {
	ctx := context.Background()

	begin := func(t *testing.T, m *Manager, link bool) (*Session, string) {
		t.Helper()
		sess, err := m.Init(ctx, "")
		testutil.AssertNoError(t, err)
		state, err := m.BeginOAuth(ctx, sess, "google", link)
		testutil.AssertNoError(t, err)
		return sess, state
	}

	t.Run("consume returns link flag and clears intent", func(t *testing.T) {
		clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
		m := newTestManager(t, newFakeStore(), newFakeUsers(), clock, nil)
		sess, state := begin(t, m, true)

		link, err := m.ConsumeOAuthIntent(ctx, sess, "google", state)
		testutil.AssertNoError(t, err)
		testutil.AssertTrue(t, link, "link flag lost")
		testutil.AssertEqual(t, sess.OAuthState, "")

		// The intent is single-use.
		if _, err := m.ConsumeOAuthIntent(ctx, sess, "google", state); err == nil {
			t.Error("intent consumed twice")
		}
	})

	t.Run("no flow pending", func(t *testing.T) {
		clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
		m := newTestManager(t, newFakeStore(), newFakeUsers(), clock, nil)
		sess, err := m.Init(ctx, "")
		testutil.AssertNoError(t, err)

		if _, err := m.ConsumeOAuthIntent(ctx, sess, "google", "state"); err == nil {
			t.Error("expected error with no pending flow")
		}
	})

	t.Run("provider mismatch", func(t *testing.T) {
		clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
		m := newTestManager(t, newFakeStore(), newFakeUsers(), clock, nil)
		sess, state := begin(t, m, false)

		if _, err := m.ConsumeOAuthIntent(ctx, sess, "github", state); err == nil {
			t.Error("expected error for provider mismatch")
		}
	})

	t.Run("state mismatch", func(t *testing.T) {
		clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
		m := newTestManager(t, newFakeStore(), newFakeUsers(), clock, nil)
		sess, _ := begin(t, m, false)

		if _, err := m.ConsumeOAuthIntent(ctx, sess, "google", "wrong-state"); err == nil {
			t.Error("expected error for state mismatch")
		}
	})

	t.Run("intent expires", func(t *testing.T) {
		clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
		m := newTestManager(t, newFakeStore(), newFakeUsers(), clock, nil)
		sess, state := begin(t, m, false)

		clock.Advance(oauthIntentTTL + time.Second)
		if _, err := m.ConsumeOAuthIntent(ctx, sess, "google", state); err == nil {
			t.Error("expected error for expired intent")
		}
	})
}

func TestViewProjectsUserAndCSRF(t *testing.T) {
	store := newFakeStore()
	users := newFakeUsers()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, users, clock, nil)
	ctx := context.Background()

	anon, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	view := m.View(anon)
	if view.User != nil {
		t.Error("anonymous view exposes a user")
	}
	testutil.AssertEqual(t, view.CSRFToken, anon.CSRFToken)

	sess, err := m.Authenticate(ctx, anon, &userstore.User{ID: "u1", Name: "Test User"})
	testutil.AssertNoError(t, err)

	view = m.View(sess)
	if view.User == nil || view.User.Name != "Test User" {
		t.Errorf("authenticated view missing user: %+v", view.User)
	}
}

func TestManagerRecordsLifecycleMetrics(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		t.Fatalf("create instrumentation: %v", err)
	}

	store := newFakeStore()
	users := newFakeUsers()
	clock := testutil.NewMockTime(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC))
	m := newTestManager(t, store, users, clock, func(cfg *Config) {
		cfg.Metrics = inst.Metrics()
		cfg.AlwaysRevalidate = true
	})
	ctx := context.Background()

	// Creation, authentication, revalidation, and expiry all pass through
	// the metric hooks.
	anon, err := m.Init(ctx, "")
	testutil.AssertNoError(t, err)

	users.profiles["u1"] = &userstore.Profile{ID: "u1", Email: "test@example.com"}
	sess, err := m.Authenticate(ctx, anon, &userstore.User{ID: "u1", Email: "test@example.com"})
	testutil.AssertNoError(t, err)

	cookie, err := m.CookieValue(sess)
	testutil.AssertNoError(t, err)
	_, err = m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)

	clock.Advance(DefaultMaxAge + time.Minute)
	expired, err := m.Init(ctx, cookie)
	testutil.AssertNoError(t, err)
	testutil.AssertNotEqual(t, expired.ID, sess.ID)
}
