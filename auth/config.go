package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults applied by New when the corresponding Config field is empty.
const (
	DefaultBasePath        = "/auth"
	DefaultScope           = "openid profile email"
	DefaultRedirectURL     = "/"
	DefaultProviderTimeout = 10 * time.Second
)

// ErrMissingConfig is returned by New when a required field is empty.
var ErrMissingConfig = errors.New("auth: missing required config")

// JWTConfig carries the application key used to sign client assertions.
// The fields mirror a Zitadel application key file.
type JWTConfig struct {
	KeyID    string
	Key      string
	AppID    string
	ClientID string
}

// Config controls the authentication middleware. It is copied by New and
// never mutated afterwards.
type Config struct {
	BasePath           string
	ProviderURL        string
	ClientID           string
	Scope              string
	SuccessRedirectURL string
	ErrorRedirectURL   string
	JWT                JWTConfig

	// HTTPClient is used for every provider call. A client with
	// ProviderTimeout is created when nil.
	HTTPClient      *http.Client
	ProviderTimeout time.Duration

	// SecureCookies marks every cookie Secure regardless of the request scheme.
	SecureCookies bool

	// FailOpen treats an unreachable introspection endpoint as an inactive
	// token instead of failing the request.
	FailOpen bool

	// TrustForwardedProto takes the callback scheme from X-Forwarded-Proto.
	// Only enable it behind a proxy that overwrites the header.
	TrustForwardedProto bool

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	c.BasePath = "/" + strings.Trim(c.BasePath, "/")
	c.ProviderURL = strings.TrimSuffix(c.ProviderURL, "/")
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.SuccessRedirectURL == "" {
		c.SuccessRedirectURL = DefaultRedirectURL
	}
	if c.ErrorRedirectURL == "" {
		c.ErrorRedirectURL = DefaultRedirectURL
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.ProviderTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	switch {
	case c.ProviderURL == "":
		return fmt.Errorf("%w: provider url", ErrMissingConfig)
	case !strings.HasPrefix(c.ProviderURL, "http://") && !strings.HasPrefix(c.ProviderURL, "https://"):
		return fmt.Errorf("auth: provider url must start with http:// or https://, got: %s", c.ProviderURL)
	case c.ClientID == "":
		return fmt.Errorf("%w: client id", ErrMissingConfig)
	case c.JWT.KeyID == "":
		return fmt.Errorf("%w: jwt key id", ErrMissingConfig)
	case c.JWT.Key == "":
		return fmt.Errorf("%w: jwt key", ErrMissingConfig)
	case c.JWT.ClientID == "":
		return fmt.Errorf("%w: jwt client id", ErrMissingConfig)
	}
	return nil
}

func (c Config) callbackPath() string { return c.BasePath + "/callback" }
func (c Config) logoutPath() string   { return c.BasePath + "/logout" }
