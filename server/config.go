package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"authgate/auth"
)

// Dev mode defaults for the in-process provider.
const (
	DevProviderPath     = "/dev/provider"
	DefaultDevClientID  = "authgate-dev"
	defaultProxyTimeout = 30 * time.Second
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig controls listener and TLS concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	SecretsPath     string    `yaml:"secrets_path"`
	TLS             TLSConfig `yaml:"tls"`

	// TrustProxyHeaders honours X-Forwarded-For, X-Real-IP and
	// X-Forwarded-Proto. Only enable it behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// AuthConfig maps onto auth.Config.
type AuthConfig struct {
	BasePath           string    `yaml:"base_path"`
	ProviderURL        string    `yaml:"provider_url"`
	ClientID           string    `yaml:"client_id"`
	Scope              string    `yaml:"scope"`
	SuccessRedirectURL string    `yaml:"success_redirect_url"`
	ErrorRedirectURL   string    `yaml:"error_redirect_url"`
	ProviderTimeout    string    `yaml:"provider_timeout"`
	SecureCookies      bool      `yaml:"secure_cookies"`
	FailOpen           bool      `yaml:"fail_open"`
	JWT                JWTConfig `yaml:"jwt"`
}

// JWTConfig holds the application key. KeyFile points at a Zitadel key JSON
// and fills the other fields when they are empty.
type JWTConfig struct {
	KeyFile  string `yaml:"key_file"`
	KeyID    string `yaml:"key_id"`
	Key      string `yaml:"key"`
	AppID    string `yaml:"app_id"`
	ClientID string `yaml:"client_id"`
}

// ProxyConfig defines session-gated reverse proxy routes.
type ProxyConfig struct {
	Routes []ProxyRoute `yaml:"routes"`
}

// ProxyRoute maps a path prefix to a backend target.
type ProxyRoute struct {
	PathPrefix   string `yaml:"path_prefix"`
	Target       string `yaml:"target"`
	RequireAuth  bool   `yaml:"require_auth"`
	StripPrefix  bool   `yaml:"strip_prefix"`
	PreserveHost bool   `yaml:"preserve_host"`
	Timeout      string `yaml:"timeout"`
	InjectToken  bool   `yaml:"inject_token"`
}

// RateLimitConfig limits requests to the login endpoints per client IP.
// RequestsPerMinute <= 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Auth.JWT.loadKeyFile(); err != nil {
		slog.Error("Failed to load application key file", "error", err, "file", cfg.Auth.JWT.KeyFile)
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Auth: AuthConfig{
			BasePath:        auth.DefaultBasePath,
			Scope:           auth.DefaultScope,
			ProviderTimeout: auth.DefaultProviderTimeout.String(),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             20,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_SERVER_PUBLIC_URL":          func(v string) { cfg.Server.PublicURL = v },
		"AUTHGATE_SERVER_DEV_LISTEN_ADDR":     func(v string) { cfg.Server.DevListenAddr = v },
		"AUTHGATE_SERVER_HTTP_LISTEN_ADDR":    func(v string) { cfg.Server.HTTPListenAddr = v },
		"AUTHGATE_SERVER_HTTPS_LISTEN_ADDR":   func(v string) { cfg.Server.HTTPSListenAddr = v },
		"AUTHGATE_SERVER_DEV_MODE":            func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHGATE_SERVER_TLS_DOMAINS":         func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"AUTHGATE_SERVER_TLS_EMAIL":           func(v string) { cfg.Server.TLS.Email = v },
		"AUTHGATE_SERVER_SECRETS_PATH":        func(v string) { cfg.Server.SecretsPath = v },
		"AUTHGATE_SERVER_TRUST_PROXY_HEADERS": func(v string) { cfg.Server.TrustProxyHeaders = parseBool(v, cfg.Server.TrustProxyHeaders) },
		"AUTHGATE_AUTH_BASE_PATH":             func(v string) { cfg.Auth.BasePath = v },
		"AUTHGATE_AUTH_PROVIDER_URL":          func(v string) { cfg.Auth.ProviderURL = v },
		"AUTHGATE_AUTH_CLIENT_ID":             func(v string) { cfg.Auth.ClientID = v },
		"AUTHGATE_AUTH_SCOPE":                 func(v string) { cfg.Auth.Scope = v },
		"AUTHGATE_AUTH_SUCCESS_REDIRECT":      func(v string) { cfg.Auth.SuccessRedirectURL = v },
		"AUTHGATE_AUTH_ERROR_REDIRECT":        func(v string) { cfg.Auth.ErrorRedirectURL = v },
		"AUTHGATE_AUTH_FAIL_OPEN":             func(v string) { cfg.Auth.FailOpen = parseBool(v, cfg.Auth.FailOpen) },
		"AUTHGATE_AUTH_JWT_KEY_FILE":          func(v string) { cfg.Auth.JWT.KeyFile = v },
		"AUTHGATE_AUTH_JWT_KEY_ID":            func(v string) { cfg.Auth.JWT.KeyID = v },
		"AUTHGATE_AUTH_JWT_KEY":               func(v string) { cfg.Auth.JWT.Key = v },
		"AUTHGATE_AUTH_JWT_CLIENT_ID":         func(v string) { cfg.Auth.JWT.ClientID = v },
		"AUTHGATE_RATE_LIMIT_PER_MINUTE":      func(v string) { cfg.RateLimit.RequestsPerMinute = parseInt(v, cfg.RateLimit.RequestsPerMinute) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

// loadKeyFile fills empty fields from the Zitadel key file, if one is set.
func (j *JWTConfig) loadKeyFile() error {
	if j.KeyFile == "" {
		return nil
	}
	kf, err := auth.ReadKeyFile(j.KeyFile)
	if err != nil {
		return err
	}
	if j.KeyID == "" {
		j.KeyID = kf.KeyID
	}
	if j.Key == "" {
		j.Key = kf.Key
	}
	if j.AppID == "" {
		j.AppID = kf.AppID
	}
	if j.ClientID == "" {
		j.ClientID = kf.ClientID
	}
	return nil
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// UsesDevProvider reports whether the gateway hosts its own provider.
func (c Config) UsesDevProvider() bool {
	return c.Server.DevMode && c.Auth.ProviderURL == ""
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if err := c.Auth.validate(c.UsesDevProvider()); err != nil {
		return err
	}

	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst <= 0 {
		slog.Error("Invalid rate limit", "field", "rate_limit.burst", "value", c.RateLimit.Burst)
		return errors.New("rate_limit.burst must be positive when rate limiting is enabled")
	}

	seen := make(map[string]bool)
	for i, route := range c.Proxy.Routes {
		if route.PathPrefix == "" || !strings.HasPrefix(route.PathPrefix, "/") {
			slog.Error("Proxy route has invalid path prefix", "index", i, "path_prefix", route.PathPrefix)
			return fmt.Errorf("proxy.routes[%d]: path_prefix must start with /", i)
		}
		if seen[route.PathPrefix] {
			slog.Error("Duplicate proxy route", "index", i, "path_prefix", route.PathPrefix)
			return fmt.Errorf("proxy.routes[%d]: duplicate path_prefix %s", i, route.PathPrefix)
		}
		seen[route.PathPrefix] = true
		if base := c.Auth.basePath(); route.PathPrefix == base || strings.HasPrefix(route.PathPrefix, base+"/") {
			slog.Error("Proxy route shadows the login endpoints", "index", i, "path_prefix", route.PathPrefix)
			return fmt.Errorf("proxy.routes[%d] (%s): must not overlap auth.base_path", i, route.PathPrefix)
		}
		if !isHTTPURL(route.Target) {
			slog.Error("Invalid proxy target URL", "path_prefix", route.PathPrefix, "target", route.Target, "reason", "must be a valid HTTP(S) URL")
			return fmt.Errorf("proxy.routes[%d] (%s): target must start with http:// or https://, got: %s", i, route.PathPrefix, route.Target)
		}
		if route.Timeout != "" {
			if _, err := time.ParseDuration(route.Timeout); err != nil {
				slog.Error("Invalid proxy route timeout", "path_prefix", route.PathPrefix, "timeout", route.Timeout, "error", err)
				return fmt.Errorf("proxy.routes[%d] (%s): invalid timeout duration '%s': %w", i, route.PathPrefix, route.Timeout, err)
			}
		}
	}

	return nil
}

func (a AuthConfig) validate(devProvider bool) error {
	if a.ProviderTimeout != "" {
		if _, err := time.ParseDuration(a.ProviderTimeout); err != nil {
			slog.Error("Invalid provider timeout", "field", "auth.provider_timeout", "value", a.ProviderTimeout, "error", err)
			return fmt.Errorf("auth.provider_timeout: %w", err)
		}
	}
	if devProvider {
		return nil
	}

	required := []struct {
		field, value string
	}{
		{"auth.provider_url", a.ProviderURL},
		{"auth.client_id", a.ClientID},
		{"auth.jwt.key_id", a.JWT.KeyID},
		{"auth.jwt.key", a.JWT.Key},
		{"auth.jwt.client_id", a.JWT.ClientID},
	}
	for _, r := range required {
		if r.value == "" {
			slog.Error("Missing required configuration", "field", r.field)
			return fmt.Errorf("%s is required", r.field)
		}
	}
	if !isHTTPURL(a.ProviderURL) {
		slog.Error("Invalid configuration value", "field", "auth.provider_url", "value", a.ProviderURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("auth.provider_url must start with http:// or https://, got: %s", a.ProviderURL)
	}
	return nil
}

func (a AuthConfig) basePath() string {
	if a.BasePath == "" {
		return auth.DefaultBasePath
	}
	return "/" + strings.Trim(a.BasePath, "/")
}

// CallbackURL is the redirect_uri the provider must have registered for this gateway.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Auth.basePath() + "/callback"
}

// middlewareConfig converts the YAML section into auth.Config.
func (a AuthConfig) middlewareConfig() auth.Config {
	return auth.Config{
		BasePath:           a.BasePath,
		ProviderURL:        a.ProviderURL,
		ClientID:           a.ClientID,
		Scope:              a.Scope,
		SuccessRedirectURL: a.SuccessRedirectURL,
		ErrorRedirectURL:   a.ErrorRedirectURL,
		ProviderTimeout:    parseDuration(a.ProviderTimeout, auth.DefaultProviderTimeout),
		SecureCookies:      a.SecureCookies,
		FailOpen:           a.FailOpen,
		JWT: auth.JWTConfig{
			KeyID:    a.JWT.KeyID,
			Key:      a.JWT.Key,
			AppID:    a.JWT.AppID,
			ClientID: a.JWT.ClientID,
		},
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
