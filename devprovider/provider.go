// Package devprovider is a small in-memory identity provider exposing the
// Zitadel style /oauth/v2 endpoints. It auto-approves every authorization
// request as a single configured user and is meant for dev mode and tests.
package devprovider

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// DefaultTokenTTL is the lifetime of issued access tokens.
const DefaultTokenTTL = time.Hour

const codeTTL = 5 * time.Minute

// User is the identity every login resolves to.
type User struct {
	Subject           string
	Username          string
	Name              string
	GivenName         string
	FamilyName        string
	PreferredUsername string
	Email             string
	EmailVerified     bool
	UpdatedAt         time.Time
}

// DefaultUser is used when Options.User is empty.
var DefaultUser = User{
	Subject:           "dev-user",
	Username:          "dev",
	Name:              "Dev User",
	GivenName:         "Dev",
	FamilyName:        "User",
	PreferredUsername: "dev@example.com",
	Email:             "dev@example.com",
	EmailVerified:     true,
}

// Options configures a Provider.
type Options struct {
	// Issuer is the public base URL of the provider. Client assertions must
	// use it as audience.
	Issuer   string
	ClientID string
	User     User
	TokenTTL time.Duration
	Logger   *slog.Logger
}

type authCode struct {
	clientID      string
	redirectURI   string
	codeChallenge string
	scope         string
	expiresAt     time.Time
}

type accessToken struct {
	clientID  string
	scope     string
	issuedAt  time.Time
	expiresAt time.Time
}

// Provider holds codes, tokens and the registered client keys in memory.
type Provider struct {
	mu       sync.Mutex
	issuer   string
	clientID string
	user     User
	ttl      time.Duration
	logger   *slog.Logger
	keys     jose.JSONWebKeySet
	codes    map[string]authCode
	tokens   map[string]accessToken
	now      func() time.Time
}

// New constructs a Provider.
func New(opts Options) *Provider {
	if opts.User.Subject == "" {
		opts.User = DefaultUser
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		issuer:   strings.TrimSuffix(opts.Issuer, "/"),
		clientID: opts.ClientID,
		user:     opts.User,
		ttl:      opts.TokenTTL,
		logger:   opts.Logger.With(slog.String("component", "devprovider")),
		codes:    make(map[string]authCode),
		tokens:   make(map[string]accessToken),
		now:      time.Now,
	}
}

// SetIssuer changes the issuer, for providers whose URL is only known after
// the listener started.
func (p *Provider) SetIssuer(issuer string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuer = strings.TrimSuffix(issuer, "/")
}

// Issuer returns the current issuer URL.
func (p *Provider) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issuer
}

// AddClientKey registers the public half of an application key so client
// assertions signed with it are accepted.
func (p *Provider) AddClientKey(kid string, pub *rsa.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys.Keys = append(p.keys.Keys, jose.JSONWebKey{
		Key:       pub,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	})
}

// IssueToken mints an active access token for the configured user without
// running the authorization flow.
func (p *Provider) IssueToken(scope string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issueTokenLocked(p.clientID, scope)
}

// Active reports whether token is known and not expired.
func (p *Provider) Active(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.lookupTokenLocked(token)
	return ok
}

func (p *Provider) issueTokenLocked(clientID, scope string) string {
	token := randomToken()
	now := p.now()
	p.tokens[token] = accessToken{
		clientID:  clientID,
		scope:     scope,
		issuedAt:  now,
		expiresAt: now.Add(p.ttl),
	}
	return token
}

func (p *Provider) lookupTokenLocked(token string) (accessToken, bool) {
	at, ok := p.tokens[token]
	if !ok {
		return accessToken{}, false
	}
	if p.now().After(at.expiresAt) {
		delete(p.tokens, token)
		return accessToken{}, false
	}
	return at, true
}

func (p *Provider) saveCode(code authCode) string {
	id := randomToken()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[id] = code
	return id
}

func (p *Provider) consumeCode(id string) (authCode, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	code, ok := p.codes[id]
	if !ok {
		return authCode{}, false
	}
	delete(p.codes, id)
	if p.now().After(code.expiresAt) {
		return authCode{}, false
	}
	return code, true
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		return errors.New("pkce verification failed")
	}
	return nil
}

func randomToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic("devprovider: read random: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
