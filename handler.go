package authkit

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nextsession/authkit/instrumentation"
	"github.com/nextsession/authkit/internal/util"
	"github.com/nextsession/authkit/session"
)

// SessionCookieName is the name of the session cookie.
const SessionCookieName = "authkit_session"

type ctxKey int

const sessionCtxKey ctxKey = iota

// Routes returns the HTTP surface. Mount it at the server root; all
// paths live under /auth.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	r.Use(s.withSession)

	r.Get("/auth/signin", s.handleSignInPage)
	r.Get("/auth/session", s.handleSession)
	r.Get("/auth/linked", s.handleLinked)
	r.Get("/auth/providers", s.handleProviders)
	r.Post("/auth/email/signin", s.handleEmailSignIn)
	r.Get("/auth/email/signin/{token}", s.handleEmailCallback)
	r.Get("/auth/oauth/{provider}", s.handleOAuthStart)
	r.Get("/auth/oauth/{provider}/callback", s.handleOAuthCallback)
	r.Post("/auth/oauth/{provider}/unlink", s.handleUnlink)
	r.Post("/auth/signout", s.handleSignOut)
	r.Get("/auth/check-email", s.handleCheckEmail)
	r.Get("/auth/error", s.handleErrorPage)

	return r
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// instrument traces the request and records request metrics. The
// endpoint label is the matched route pattern, never the raw path: path
// parameters carry sign-in secrets and would give the metric unbounded
// label cardinality.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.inst.Tracer("http").Start(r.Context(), "http.request")
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		endpoint := endpointLabel(r)
		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
		s.inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint,
			rec.status, float64(time.Since(start).Milliseconds()))
	})
}

// endpointLabel returns the route pattern the request matched, or a
// constant for requests that matched no route.
func endpointLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// withSession resolves the session cookie into a live session, creating a
// fresh anonymous one when needed, and keeps the client cookie current.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cookieValue string
		if c, err := r.Cookie(SessionCookieName); err == nil {
			cookieValue = c.Value
		}

		sess, err := s.sessions.Init(r.Context(), cookieValue)
		if err != nil {
			s.logger.Error("Failed to initialize session", "error", err)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		s.setSessionCookie(w, r, sess)

		ctx := context.WithValue(r.Context(), sessionCtxKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionFrom returns the request's session, installed by withSession.
func sessionFrom(r *http.Request) *session.Session {
	sess, _ := r.Context().Value(sessionCtxKey).(*session.Session)
	return sess
}

// setSessionCookie writes the session cookie: HTTP-only, secure when the
// request arrived over TLS, SameSite=Lax.
func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	value, err := s.sessions.CookieValue(sess)
	if err != nil {
		s.logger.Error("Failed to encode session cookie", "error", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.sessions.MaxAge().Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearSessionCookie instructs the client to drop its session cookie.
func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// redirectError sends the browser to the error view with the stable error
// kind and context, never raw error detail.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, action, provider string, err error) {
	s.logger.Warn("Auth flow failed",
		"action", action,
		"provider", provider,
		"error", err)

	q := url.Values{}
	q.Set("action", action)
	q.Set("type", KindOf(err))
	if provider != "" {
		q.Set("provider", provider)
	}
	http.Redirect(w, r, "/auth/error?"+q.Encode(), http.StatusFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleSession returns the session's public view.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	writeJSON(w, http.StatusOK, SessionView{
		User:      sess.User,
		CSRFToken: sess.CSRFToken,
	})
}

// handleProviders returns the configured provider list.
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Providers())
}

// handleLinked returns the per-provider linked state for the current user.
func (s *Server) handleLinked(w http.ResponseWriter, r *http.Request) {
	linked, err := s.LinkedAccounts(r.Context(), sessionFrom(r))
	if err != nil {
		writeJSON(w, StatusOf(err), map[string]string{"error": KindOf(err)})
		return
	}
	writeJSON(w, http.StatusOK, linked)
}

// handleOAuthStart begins an OAuth flow. A "link=1" query on an
// authenticated session links instead of signing in.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	link := r.URL.Query().Get("link") == "1"

	authURL, err := s.BeginProviderFlow(r.Context(), sessionFrom(r), provider, link)
	if err != nil {
		s.redirectError(w, r, "oauth", provider, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleOAuthCallback completes an OAuth flow.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		s.redirectError(w, r, "oauth", provider,
			ErrProviderUnavailable("provider returned "+errCode))
		return
	}

	next, err := s.CompleteProviderFlow(r.Context(), sessionFrom(r), provider,
		q.Get("state"), q.Get("code"))
	if err != nil {
		s.redirectError(w, r, "oauth", provider, err)
		return
	}

	s.setSessionCookie(w, r, next)
	http.Redirect(w, r, "/auth/signin", http.StatusFound)
}

// handleEmailSignIn starts an email sign-in.
func (s *Server) handleEmailSignIn(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	ip := util.ClientIP(r)

	if s.limiter != nil && !s.limiter.Allow(ip) {
		s.auditor.LogRateLimitExceeded(ip, "email_signin")
		s.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
		s.redirectError(w, r, "signin", "email", ErrRateLimited("too many sign-in attempts"))
		return
	}

	if err := r.ParseForm(); err != nil {
		s.redirectError(w, r, "signin", "email", err)
		return
	}
	if err := s.VerifyCSRF(sess, r.PostFormValue("_csrf"), "email_signin", ip); err != nil {
		s.redirectError(w, r, "signin", "email", err)
		return
	}

	email := r.PostFormValue("email")
	if err := s.EmailSignIn(r.Context(), email); err != nil {
		s.redirectError(w, r, "signin", "email", err)
		return
	}

	http.Redirect(w, r, "/auth/check-email?email="+url.QueryEscape(util.NormalizeEmail(email)),
		http.StatusFound)
}

// handleEmailCallback completes an email sign-in from the mailed link.
func (s *Server) handleEmailCallback(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	next, err := s.CompleteEmailSignIn(r.Context(), sessionFrom(r), token)
	if err != nil {
		s.redirectError(w, r, "signin", "email", err)
		return
	}

	s.setSessionCookie(w, r, next)
	http.Redirect(w, r, "/auth/signin", http.StatusFound)
}

// handleUnlink removes a provider from the current user.
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)
	provider := chi.URLParam(r, "provider")

	if err := r.ParseForm(); err != nil {
		s.redirectError(w, r, "unlink", provider, err)
		return
	}
	if err := s.VerifyCSRF(sess, r.PostFormValue("_csrf"), "unlink", util.ClientIP(r)); err != nil {
		s.redirectError(w, r, "unlink", provider, err)
		return
	}

	if err := s.UnlinkProvider(r.Context(), sess, provider); err != nil {
		s.redirectError(w, r, "unlink", provider, err)
		return
	}
	http.Redirect(w, r, "/auth/signin", http.StatusFound)
}

// handleSignOut destroys the session.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	if err := r.ParseForm(); err != nil {
		s.redirectError(w, r, "signout", "", err)
		return
	}
	if err := s.VerifyCSRF(sess, r.PostFormValue("_csrf"), "signout", util.ClientIP(r)); err != nil {
		s.redirectError(w, r, "signout", "", err)
		return
	}

	if err := s.SignOut(r.Context(), sess); err != nil {
		s.redirectError(w, r, "signout", "", err)
		return
	}

	s.clearSessionCookie(w, r)
	http.Redirect(w, r, "/auth/signin", http.StatusFound)
}

// signInPageData feeds the sign-in page template.
type signInPageData struct {
	Session   SessionView
	Providers []ProviderView
	Linked    LinkedView
}

// handleSignInPage renders the sign-in page: provider buttons and the
// email form when anonymous, linked-account management when signed in.
func (s *Server) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r)

	linked, err := s.LinkedAccounts(r.Context(), sess)
	if err != nil {
		s.redirectError(w, r, "signin", "", err)
		return
	}

	data := signInPageData{
		Session: SessionView{
			User:      sess.User,
			CSRFToken: sess.CSRFToken,
		},
		Providers: s.Providers(),
		Linked:    linked,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := signInTmpl.Execute(w, data); err != nil {
		s.logger.Error("Failed to render sign-in page", "error", err)
	}
}

// handleCheckEmail renders the post-submit check-email view.
func (s *Server) handleCheckEmail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := checkEmailTmpl.Execute(w, r.URL.Query().Get("email")); err != nil {
		s.logger.Error("Failed to render check-email page", "error", err)
	}
}

// errorPageData feeds the error page template.
type errorPageData struct {
	Action   string
	Type     string
	Provider string
}

// handleErrorPage renders the error view from the redirect query.
func (s *Server) handleErrorPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	data := errorPageData{
		Action:   q.Get("action"),
		Type:     q.Get("type"),
		Provider: q.Get("provider"),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := errorTmpl.Execute(w, data); err != nil {
		s.logger.Error("Failed to render error page", "error", err)
	}
}

var signInTmpl = template.Must(template.New("signin").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
{{if .Session.User}}
  <h1>Signed in as {{if .Session.User.Name}}{{.Session.User.Name}}{{else}}{{.Session.User.Email}}{{end}}</h1>
  <h2>Linked accounts</h2>
  <ul>
  {{$csrf := .Session.CSRFToken}}
  {{$linked := .Linked}}
  {{range .Providers}}
    <li>
      {{.DisplayName}}:
      {{if index $linked .Name}}
        <form method="post" action="/auth/oauth/{{.Name}}/unlink">
          <input type="hidden" name="_csrf" value="{{$csrf}}">
          <button type="submit">Unlink</button>
        </form>
      {{else}}
        <a href="/auth/oauth/{{.Name}}?link=1">Link</a>
      {{end}}
    </li>
  {{end}}
  </ul>
  <form method="post" action="/auth/signout">
    <input type="hidden" name="_csrf" value="{{.Session.CSRFToken}}">
    <button type="submit">Sign out</button>
  </form>
{{else}}
  <h1>Sign in</h1>
  {{range .Providers}}
    <p><a href="/auth/oauth/{{.Name}}">Sign in with {{.DisplayName}}</a></p>
  {{end}}
  <form method="post" action="/auth/email/signin">
    <input type="hidden" name="_csrf" value="{{.Session.CSRFToken}}">
    <label>Email <input type="email" name="email" required></label>
    <button type="submit">Sign in with email</button>
  </form>
{{end}}
</body>
</html>
`))

var checkEmailTmpl = template.Must(template.New("check-email").Parse(`<!DOCTYPE html>
<html>
<head><title>Check your email</title></head>
<body>
  <h1>Check your email</h1>
  <p>A sign-in link has been sent to {{.}}.</p>
</body>
</html>
`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign-in error</title></head>
<body>
  <h1>Something went wrong</h1>
  <p>The {{.Action}} request could not be completed ({{.Type}}{{if .Provider}}, provider {{.Provider}}{{end}}).</p>
  <p><a href="/auth/signin">Back to sign in</a></p>
</body>
</html>
`))
