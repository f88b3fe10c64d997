// Package auth implements an OAuth2 authorization code + PKCE login flow in
// front of an http.Handler. Sessions are not stored: every request carrying
// an access token cookie is re-validated through token introspection.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// Cookie names used by the flow. They are not configurable.
const (
	StateCookie        = "state"
	CodeVerifierCookie = "code_verifier"
	AccessTokenCookie  = "access_token"
)

// ErrInvalidState is logged when a callback does not match the stored state.
var ErrInvalidState = errors.New("auth: invalid state")

var baseLogAttr = slog.String("component", "auth")

// Middleware is the flow controller. Build it with New and wrap handlers
// with Handler.
type Middleware struct {
	cfg      Config
	provider *Provider
	logger   *slog.Logger
	now      func() time.Time
}

// New validates cfg, applies defaults and parses the assertion key.
func New(cfg Config) (*Middleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	signer, err := NewAssertionSigner(cfg.JWT, cfg.ProviderURL)
	if err != nil {
		return nil, err
	}

	return &Middleware{
		cfg:      cfg,
		provider: NewProvider(cfg.ProviderURL, cfg.ClientID, cfg.Scope, cfg.HTTPClient, signer),
		logger:   cfg.Logger.With(baseLogAttr),
		now:      time.Now,
	}, nil
}

// BasePath returns the path the login flow is mounted at.
func (m *Middleware) BasePath() string { return m.cfg.BasePath }

// Handler dispatches the login, callback and logout paths and resolves the
// session for every other request before calling next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case m.cfg.callbackPath():
			m.handleCallback(w, r)
		case m.cfg.logoutPath():
			m.handleLogout(w, r)
		case m.cfg.BasePath:
			m.handleLogin(w, r)
		default:
			m.handlePassthrough(w, r, next)
		}
	})
}

func (m *Middleware) handleLogin(w http.ResponseWriter, r *http.Request) {
	verifier, err := RandomString(verifierLength)
	if err != nil {
		m.logger.ErrorContext(r.Context(), "generate code verifier", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	state, err := RandomString(stateLength)
	if err != nil {
		m.logger.ErrorContext(r.Context(), "generate state", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	m.setCookie(w, r, StateCookie, state, time.Time{})
	m.setCookie(w, r, CodeVerifierCookie, verifier, time.Time{})

	authURL := m.provider.AuthCodeURL(m.callbackURL(r), state, CodeChallenge(verifier))
	m.logger.DebugContext(r.Context(), "login started", "authorize_url", authURL)
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (m *Middleware) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stored := cookieValue(r, StateCookie)
	verifier := cookieValue(r, CodeVerifierCookie)
	q := r.URL.Query()
	returned := q.Get("state")

	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(returned)) != 1 {
		m.logger.WarnContext(ctx, "callback rejected", "error", ErrInvalidState)
		m.redirectError(w, r, "invalid_state")
		return
	}

	tok, err := m.provider.Exchange(ctx, q.Get("code"), m.callbackURL(r), verifier)
	if err != nil {
		var re *oauth2.RetrieveError
		if !errors.Is(err, ErrProviderUnavailable) && errors.As(err, &re) {
			m.logger.WarnContext(ctx, "token exchange refused", "error_code", re.ErrorCode, "error_description", re.ErrorDescription)
			m.redirectError(w, r, re.ErrorCode)
			return
		}
		m.logger.ErrorContext(ctx, "token exchange failed", "error", err)
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	m.deleteCookie(w, r, StateCookie)
	m.deleteCookie(w, r, CodeVerifierCookie)
	m.setCookie(w, r, AccessTokenCookie, tok.AccessToken, tok.Expiry)

	m.logger.InfoContext(ctx, "login completed", "expires_at", tok.Expiry)
	http.Redirect(w, r, m.cfg.SuccessRedirectURL, http.StatusFound)
}

func (m *Middleware) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := cookieValue(r, AccessTokenCookie)
	m.deleteCookie(w, r, AccessTokenCookie)

	if token != "" {
		if err := m.provider.Revoke(ctx, token); err != nil {
			m.logger.WarnContext(ctx, "token revocation failed", "error", err)
		}
	}

	http.Redirect(w, r, m.cfg.SuccessRedirectURL, http.StatusFound)
}

func (m *Middleware) handlePassthrough(w http.ResponseWriter, r *http.Request, next http.Handler) {
	token := cookieValue(r, AccessTokenCookie)
	if token == "" {
		next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	in, err := m.provider.Introspect(ctx, token)
	if err != nil {
		if !m.cfg.FailOpen {
			m.logger.ErrorContext(ctx, "introspection failed", "error", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		m.logger.WarnContext(ctx, "introspection failed, continuing without session", "error", err)
		in = &Introspection{}
	}

	if !in.Active {
		m.deleteCookie(w, r, AccessTokenCookie)
		next.ServeHTTP(w, r)
		return
	}

	session := NewSession(token, in)
	next.ServeHTTP(w, r.WithContext(WithSession(ctx, session)))
}

// callbackURL is the absolute callback URL on the origin the request came in on.
func (m *Middleware) callbackURL(r *http.Request) string {
	u := url.URL{Scheme: requestScheme(r, m.cfg.TrustForwardedProto), Host: r.Host, Path: m.cfg.callbackPath()}
	return u.String()
}

func (m *Middleware) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	target := m.cfg.ErrorRedirectURL
	if u, err := url.Parse(target); err == nil {
		q := u.Query()
		q.Set("error", code)
		u.RawQuery = q.Encode()
		target = u.String()
	} else {
		target = fmt.Sprintf("%s?error=%s", target, url.QueryEscape(code))
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (m *Middleware) setCookie(w http.ResponseWriter, r *http.Request, name, value string, expires time.Time) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if !expires.IsZero() {
		c.Expires = expires
		c.MaxAge = int(expires.Sub(m.now()).Seconds())
		if c.MaxAge <= 0 {
			c.MaxAge = -1
		}
	}
	http.SetCookie(w, c)
}

func (m *Middleware) deleteCookie(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func requestScheme(r *http.Request, trustForwarded bool) string {
	if r.TLS != nil {
		return "https"
	}
	if !trustForwarded {
		return "http"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		return proto
	}
	return "http"
}
