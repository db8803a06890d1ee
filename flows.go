package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/nextsession/authkit/instrumentation"
	"github.com/nextsession/authkit/internal/util"
	"github.com/nextsession/authkit/providers"
	"github.com/nextsession/authkit/security"
	"github.com/nextsession/authkit/session"
	"github.com/nextsession/authkit/userstore"
	"github.com/nextsession/authkit/verification"
)

// classify converts subsystem sentinel errors into the stable AuthError
// taxonomy. Errors already classified pass through unchanged; unknown
// errors stay unmodified so nothing is silently swallowed.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}

	switch {
	case errors.Is(err, userstore.ErrDuplicateKey):
		return ErrDuplicateKey(err.Error())
	case errors.Is(err, userstore.ErrUnserializable):
		return ErrSerialization(err.Error())
	case errors.Is(err, userstore.ErrUnavailable),
		errors.Is(err, session.ErrUnavailable),
		errors.Is(err, verification.ErrUnavailable):
		return ErrStoreUnavailable(err.Error())
	case errors.Is(err, providers.ErrUnknownProvider):
		return ErrUnknownProvider(err.Error())
	case errors.Is(err, verification.ErrInvalidToken):
		return ErrInvalidVerificationToken(err.Error())
	}
	return err
}

// VerifyCSRF checks the submitted form token against the session's current
// token in constant time. A mismatch is rejected before any side effect.
func (s *Server) VerifyCSRF(sess *session.Session, submitted, action, ip string) error {
	if security.VerifyCSRFToken(sess.CSRFToken, submitted) {
		return nil
	}
	s.auditor.LogCSRFViolation(sess.UserID, ip, action)
	s.inst.Metrics().RecordCSRFFailure(context.Background(), action)
	return ErrInvalidCSRFToken("form token does not match session token")
}

// BeginProviderFlow records a pending OAuth intent on the session and
// returns the provider authorization URL to redirect the browser to.
// A link flow attaches the provider to the current user instead of
// signing in.
func (s *Server) BeginProviderFlow(ctx context.Context, sess *session.Session, providerName string, link bool) (string, error) {
	desc, err := s.registry.Get(providerName)
	if err != nil {
		return "", classify(err)
	}
	if link && sess.UserID == "" {
		return "", ErrSessionExpired("linking requires an authenticated session")
	}

	state, err := s.sessions.BeginOAuth(ctx, sess, providerName, link)
	if err != nil {
		return "", classify(err)
	}
	return desc.AuthorizationURL(state), nil
}

// CompleteProviderFlow validates the callback against the session's
// pending OAuth intent and dispatches to the sign-in or link flow.
// Returns the session to continue with, which is a new one after a
// sign-in.
func (s *Server) CompleteProviderFlow(ctx context.Context, sess *session.Session, providerName, state, code string) (*session.Session, error) {
	ctx, span := s.inst.Tracer("flow").Start(ctx, "flow.oauth_callback")
	defer span.End()
	instrumentation.AddFlowAttributes(span, providerName, sess.UserID)

	next, err := s.completeProviderFlow(ctx, sess, providerName, state, code)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrSessionState, "authenticated"))
	return next, nil
}

func (s *Server) completeProviderFlow(ctx context.Context, sess *session.Session, providerName, state, code string) (*session.Session, error) {
	link, err := s.sessions.ConsumeOAuthIntent(ctx, sess, providerName, state)
	if err != nil {
		// A store outage is not a state mismatch; report it as such.
		if errors.Is(err, session.ErrUnavailable) {
			return nil, classify(err)
		}
		s.auditor.LogAuthFailure("", "oauth state validation failed")
		return nil, ErrInvalidCSRFToken(err.Error())
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx),
		attribute.Bool(instrumentation.AttrLinkFlow, link))

	if link {
		if err := s.linkProvider(ctx, sess, providerName, code); err != nil {
			return nil, err
		}
		return sess, nil
	}
	return s.signInWithProvider(ctx, sess, providerName, code)
}

// providerCall runs one provider API operation inside a span and records
// call metrics. The wrapped call reports no HTTP status of its own, so
// failures are labelled as upstream errors.
func (s *Server) providerCall(ctx context.Context, provider, operation string, fn func(context.Context) error) error {
	ctx, span := s.inst.Tracer("provider").Start(ctx, "provider."+operation)
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrProvider, provider),
		attribute.String(instrumentation.AttrProviderOperation, operation))

	start := time.Now()
	err := fn(ctx)

	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.Int(instrumentation.AttrProviderStatus, status))
	s.inst.Metrics().RecordProviderAPICall(ctx, provider, operation, status,
		float64(time.Since(start).Milliseconds()), err)
	return err
}

// signInWithProvider completes an OAuth sign-in: exchange the code, fetch
// and normalize the profile, find the user by (provider, account id), and
// insert a new user when none exists. Either way the session becomes
// authenticated for that user.
func (s *Server) signInWithProvider(ctx context.Context, sess *session.Session, providerName, code string) (*session.Session, error) {
	desc, err := s.registry.Get(providerName)
	if err != nil {
		return nil, classify(err)
	}

	var token *oauth2.Token
	err = s.providerCall(ctx, providerName, "exchange_code", func(ctx context.Context) error {
		var err error
		token, err = desc.Exchange(ctx, code)
		return err
	})
	if err != nil {
		return nil, ErrProviderUnavailable(fmt.Sprintf("exchange code with %s: %v", providerName, err))
	}

	var profile *providers.Profile
	err = s.providerCall(ctx, providerName, "fetch_profile", func(ctx context.Context) error {
		var err error
		profile, err = desc.FetchProfile(ctx, token)
		return err
	})
	if err != nil {
		return nil, ErrProviderUnavailable(fmt.Sprintf("fetch %s profile: %v", providerName, err))
	}

	user, err := s.users.Find(ctx, userstore.Criteria{
		Provider:          providerName,
		ProviderAccountID: profile.ID,
	})
	if err != nil {
		return nil, classify(err)
	}

	newUser := false
	if user == nil {
		user, err = s.users.Insert(ctx, &userstore.User{
			Name:          profile.Name,
			Email:         util.NormalizeEmail(profile.Email),
			EmailVerified: profile.EmailVerified,
			Accounts: map[string]userstore.LinkedAccount{
				providerName: {ID: profile.ID, AccessToken: token.AccessToken},
			},
		}, profile)
		if err != nil {
			return nil, classify(err)
		}
		newUser = true
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx),
		attribute.Bool(instrumentation.AttrNewUser, newUser))

	next, err := s.sessions.Authenticate(ctx, sess, user)
	if err != nil {
		return nil, classify(err)
	}

	s.auditor.LogSignIn(user.ID, providerName, "")
	s.inst.Metrics().RecordSignIn(ctx, providerName, newUser)
	s.logger.Info("User signed in",
		"provider", providerName,
		"new_user", newUser)

	return next, nil
}

// linkProvider attaches a provider account to the current user. Fails
// with already_linked when another user owns the (provider, account id)
// pair; relinking the user's own account is a no-op.
func (s *Server) linkProvider(ctx context.Context, sess *session.Session, providerName, code string) error {
	if sess.UserID == "" {
		return ErrSessionExpired("linking requires an authenticated session")
	}

	desc, err := s.registry.Get(providerName)
	if err != nil {
		return classify(err)
	}

	var token *oauth2.Token
	err = s.providerCall(ctx, providerName, "exchange_code", func(ctx context.Context) error {
		var err error
		token, err = desc.Exchange(ctx, code)
		return err
	})
	if err != nil {
		return ErrProviderUnavailable(fmt.Sprintf("exchange code with %s: %v", providerName, err))
	}

	var profile *providers.Profile
	err = s.providerCall(ctx, providerName, "fetch_profile", func(ctx context.Context) error {
		var err error
		profile, err = desc.FetchProfile(ctx, token)
		return err
	})
	if err != nil {
		return ErrProviderUnavailable(fmt.Sprintf("fetch %s profile: %v", providerName, err))
	}

	owner, err := s.users.Find(ctx, userstore.Criteria{
		Provider:          providerName,
		ProviderAccountID: profile.ID,
	})
	if err != nil {
		return classify(err)
	}
	if owner != nil {
		if owner.ID != sess.UserID {
			return ErrAlreadyLinked(fmt.Sprintf("%s account already linked to another user", providerName))
		}
		return nil
	}

	user, err := s.users.Find(ctx, userstore.Criteria{ID: sess.UserID})
	if err != nil {
		return classify(err)
	}
	if user == nil {
		return ErrSessionExpired("session user no longer exists")
	}

	if user.Accounts == nil {
		user.Accounts = make(map[string]userstore.LinkedAccount)
	}
	user.Accounts[providerName] = userstore.LinkedAccount{
		ID:          profile.ID,
		AccessToken: token.AccessToken,
	}
	if _, err := s.users.Update(ctx, user); err != nil {
		return classify(err)
	}

	s.auditor.LogAccountLinked(user.ID, providerName, "")
	s.inst.Metrics().RecordAccountLinked(ctx, providerName)
	return nil
}

// UnlinkProvider removes a provider entry from the current user's
// provider mapping. Unlinking the user's only remaining authentication
// method is refused unless explicitly allowed by configuration; an email
// sign-in capability (verified email) counts as a method.
func (s *Server) UnlinkProvider(ctx context.Context, sess *session.Session, providerName string) error {
	if sess.UserID == "" {
		return ErrSessionExpired("unlinking requires an authenticated session")
	}

	user, err := s.users.Find(ctx, userstore.Criteria{ID: sess.UserID})
	if err != nil {
		return classify(err)
	}
	if user == nil {
		return ErrSessionExpired("session user no longer exists")
	}

	if _, linked := user.Accounts[providerName]; !linked {
		return nil
	}

	if !s.config.AllowLastMethodUnlink && len(user.Accounts) == 1 && !user.EmailVerified {
		return ErrLastAuthMethod(fmt.Sprintf("%s is the only remaining sign-in method", providerName))
	}

	user.Accounts[providerName] = userstore.RemoveAccount
	if _, err := s.users.Update(ctx, user); err != nil {
		return classify(err)
	}

	s.auditor.LogAccountUnlinked(user.ID, providerName, "")
	s.inst.Metrics().RecordAccountUnlinked(ctx, providerName)
	return nil
}

// EmailSignIn starts an email sign-in: a pending verification is created
// and a single-use link is mailed. No user record is created yet for
// first-time addresses; for known users the outstanding token id is
// recorded on the user record so it can be found by token.
func (s *Server) EmailSignIn(ctx context.Context, email string) error {
	email = util.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidVerificationToken("a valid email address is required")
	}

	user, err := s.users.Find(ctx, userstore.Criteria{Email: email})
	if err != nil {
		return classify(err)
	}

	userID := ""
	if user != nil {
		userID = user.ID
	}

	token, err := s.verifier.Issue(ctx, email, userID)
	if err != nil {
		return classify(err)
	}

	if user != nil {
		tokenID, _, _ := strings.Cut(token, ".")
		user.EmailToken = tokenID
		if _, err := s.users.Update(ctx, user); err != nil {
			return classify(err)
		}
	}

	url := s.config.BaseURL + "/auth/email/signin/" + token
	if err := s.mailer.SendSignInLink(ctx, email, url); err != nil {
		return fmt.Errorf("send sign-in link: %w", err)
	}

	s.auditor.LogEmailTokenIssued(email, "")
	s.inst.Metrics().RecordEmailTokenIssued(ctx)
	return nil
}

// CompleteEmailSignIn consumes an emailed sign-in token. The user record
// is created on first sign-in; either way the email is marked verified
// and the session becomes authenticated.
func (s *Server) CompleteEmailSignIn(ctx context.Context, sess *session.Session, token string) (*session.Session, error) {
	ctx, span := s.inst.Tracer("flow").Start(ctx, "flow.email_callback")
	defer span.End()
	instrumentation.AddFlowAttributes(span, "email", sess.UserID)

	next, err := s.completeEmailSignIn(ctx, sess, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return next, nil
}

func (s *Server) completeEmailSignIn(ctx context.Context, sess *session.Session, token string) (*session.Session, error) {
	pending, err := s.verifier.Consume(ctx, token)
	if err != nil {
		s.inst.Metrics().RecordEmailTokenUsed(ctx, false)
		return nil, classify(err)
	}

	var user *userstore.User
	if pending.UserID != "" {
		user, err = s.users.Find(ctx, userstore.Criteria{ID: pending.UserID})
		if err != nil {
			return nil, classify(err)
		}
	}
	if user == nil {
		user, err = s.users.Find(ctx, userstore.Criteria{Email: pending.Email})
		if err != nil {
			return nil, classify(err)
		}
	}

	newUser := false
	if user == nil {
		user, err = s.users.Insert(ctx, &userstore.User{
			Email:         pending.Email,
			EmailVerified: true,
		}, nil)
		if err != nil {
			return nil, classify(err)
		}
		newUser = true
	} else {
		user.EmailVerified = true
		user.EmailToken = ""
		user, err = s.users.Update(ctx, user)
		if err != nil {
			return nil, classify(err)
		}
	}

	next, err := s.sessions.Authenticate(ctx, sess, user)
	if err != nil {
		return nil, classify(err)
	}

	s.auditor.LogSignIn(user.ID, "email", "")
	s.inst.Metrics().RecordEmailTokenUsed(ctx, true)
	s.inst.Metrics().RecordSignIn(ctx, "email", newUser)
	return next, nil
}

// SignOut destroys the session server-side.
func (s *Server) SignOut(ctx context.Context, sess *session.Session) error {
	if err := s.sessions.SignOut(ctx, sess); err != nil {
		return classify(err)
	}
	return nil
}

// LinkedAccounts returns the per-provider linked state for the current
// user. Anonymous sessions get an all-false map.
func (s *Server) LinkedAccounts(ctx context.Context, sess *session.Session) (LinkedView, error) {
	linked := make(LinkedView, s.registry.Len())
	for _, desc := range s.registry.List() {
		linked[desc.Name()] = false
	}
	if sess.UserID == "" {
		return linked, nil
	}

	user, err := s.users.Find(ctx, userstore.Criteria{ID: sess.UserID})
	if err != nil {
		return nil, classify(err)
	}
	if user == nil {
		return linked, nil
	}
	for name := range user.Accounts {
		if _, known := linked[name]; known {
			linked[name] = true
		}
	}
	return linked, nil
}

// Providers returns the configured provider list for rendering sign-in
// buttons.
func (s *Server) Providers() []ProviderView {
	descs := s.registry.List()
	views := make([]ProviderView, 0, len(descs))
	for _, d := range descs {
		views = append(views, ProviderView{
			Name:        d.Name(),
			DisplayName: d.DisplayName(),
		})
	}
	return views
}
