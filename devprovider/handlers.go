package devprovider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Routes returns the provider endpoints, relative to the issuer URL.
func (p *Provider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/oauth/v2/keys", p.handleKeys)
	r.Get("/oauth/v2/authorize", p.handleAuthorize)
	r.Post("/oauth/v2/token", p.handleToken)
	r.Post("/oauth/v2/introspect", p.handleIntrospect)
	r.Post("/oauth/v2/revoke", p.handleRevoke)
	return r
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/v2/authorize",
		"token_endpoint":                        issuer + "/oauth/v2/token",
		"introspection_endpoint":                issuer + "/oauth/v2/introspect",
		"revocation_endpoint":                   issuer + "/oauth/v2/revoke",
		"jwks_uri":                              issuer + "/oauth/v2/keys",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},

		"introspection_endpoint_auth_methods_supported": []string{"private_key_jwt"},
	})
}

// handleKeys publishes an empty set: the provider never signs tokens.
func (p *Provider) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	redirect, err := url.Parse(redirectURI)
	if redirectURI == "" || err != nil || !redirect.IsAbs() {
		http.Error(w, "invalid_request: redirect_uri must be absolute", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != p.clientID {
		http.Error(w, "invalid_client: unknown client_id", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	fail := func(code, desc string) {
		v := redirect.Query()
		v.Set("error", code)
		v.Set("error_description", desc)
		if state != "" {
			v.Set("state", state)
		}
		redirect.RawQuery = v.Encode()
		http.Redirect(w, r, redirect.String(), http.StatusFound)
	}

	if q.Get("response_type") != "code" {
		fail("unsupported_response_type", "only response_type=code is supported")
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		fail("invalid_request", "pkce with S256 required")
		return
	}

	code := p.saveCode(authCode{
		clientID:      p.clientID,
		redirectURI:   redirectURI,
		codeChallenge: q.Get("code_challenge"),
		scope:         q.Get("scope"),
		expiresAt:     p.now().Add(codeTTL),
	})
	p.logger.Info("authorization approved", "client_id", p.clientID, "sub", p.user.Subject)

	v := redirect.Query()
	v.Set("code", code)
	if state != "" {
		v.Set("state", state)
	}
	redirect.RawQuery = v.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if gt := r.PostFormValue("grant_type"); gt != "authorization_code" {
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", fmt.Sprintf("grant_type %q not supported", gt))
		return
	}

	code, ok := p.consumeCode(r.PostFormValue("code"))
	if !ok {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code invalid or expired")
		return
	}
	if code.clientID != r.PostFormValue("client_id") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "client mismatch")
		return
	}
	if code.redirectURI != r.PostFormValue("redirect_uri") {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := verifyPKCE(code.codeChallenge, r.PostFormValue("code_verifier")); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	p.mu.Lock()
	token := p.issueTokenLocked(code.clientID, code.scope)
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int64(p.ttl.Seconds()),
		"scope":        code.scope,
	})
}

func (p *Provider) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if err := p.verifyAssertion(r.PostFormValue("client_assertion_type"), r.PostFormValue("client_assertion")); err != nil {
		p.logger.Warn("client assertion rejected", "error", err)
		oauthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}

	p.mu.Lock()
	at, ok := p.lookupTokenLocked(token)
	user := p.user
	p.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}

	resp := map[string]any{
		"active":             true,
		"sub":                user.Subject,
		"client_id":          at.clientID,
		"scope":              at.scope,
		"token_type":         "Bearer",
		"iat":                at.issuedAt.Unix(),
		"exp":                at.expiresAt.Unix(),
		"iss":                p.Issuer(),
		"username":           user.Username,
		"name":               user.Name,
		"given_name":         user.GivenName,
		"family_name":        user.FamilyName,
		"preferred_username": user.PreferredUsername,
		"email":              user.Email,
		"email_verified":     user.EmailVerified,
	}
	if !user.UpdatedAt.IsZero() {
		resp["updated_at"] = user.UpdatedAt.Unix()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if r.PostFormValue("client_id") != p.clientID {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "token required")
		return
	}

	p.mu.Lock()
	delete(p.tokens, token)
	p.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) verifyAssertion(assertionType, assertion string) error {
	if assertionType != clientAssertionType {
		return fmt.Errorf("unsupported client_assertion_type %q", assertionType)
	}
	if assertion == "" {
		return errors.New("client_assertion required")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(p.Issuer()),
		jwt.WithIssuer(p.clientID),
		jwt.WithSubject(p.clientID),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	if _, err := parser.Parse(assertion, p.clientKey); err != nil {
		return fmt.Errorf("verify assertion: %w", err)
	}
	return nil
}

func (p *Provider) clientKey(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := p.keys.Key(kid)
	if len(keys) == 0 {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return keys[0].Key, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}
