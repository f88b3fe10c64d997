package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"authgate/auth"
	"authgate/devprovider"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Auth        *auth.Middleware
	DevProvider *devprovider.Provider
	Proxy       *ProxyManager
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	authCfg := cfg.Auth.middlewareConfig()
	authCfg.Logger = logger
	authCfg.TrustForwardedProto = cfg.Server.TrustProxyHeaders

	if cfg.UsesDevProvider() {
		dp, err := app.startDevProvider(&authCfg)
		if err != nil {
			return nil, fmt.Errorf("init dev provider: %w", err)
		}
		app.DevProvider = dp
	}

	mw, err := auth.New(authCfg)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}
	app.Auth = mw

	if len(cfg.Proxy.Routes) > 0 {
		proxy, err := NewProxyManager(cfg.Proxy, mw.BasePath(), logger)
		if err != nil {
			return nil, fmt.Errorf("init proxy: %w", err)
		}
		proxy.trustForwarded = cfg.Server.TrustProxyHeaders
		app.Proxy = proxy
	}

	return app, nil
}

// startDevProvider creates the in-process provider under the public URL and
// points authCfg at it with a freshly generated application key.
func (a *App) startDevProvider(authCfg *auth.Config) (*devprovider.Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	clientID := authCfg.ClientID
	if clientID == "" {
		clientID = DefaultDevClientID
	}
	issuer := strings.TrimSuffix(a.Config.Server.PublicURL, "/") + DevProviderPath
	kid := uuid.NewString()

	dp := devprovider.New(devprovider.Options{
		Issuer:   issuer,
		ClientID: clientID,
		Logger:   a.Logger,
	})
	dp.AddClientKey(kid, &key.PublicKey)

	authCfg.ProviderURL = issuer
	authCfg.ClientID = clientID
	authCfg.JWT = auth.JWTConfig{
		KeyID:    kid,
		Key:      string(keyPEM),
		AppID:    "dev",
		ClientID: clientID,
	}

	a.Logger.Warn("using in-process dev provider", "issuer", issuer, "client_id", clientID, "sub", devprovider.DefaultUser.Subject)
	return dp, nil
}

type sessionSummary struct {
	Authenticated bool       `json:"authenticated"`
	User          *auth.User `json:"user,omitempty"`
	ExpiresAt     int64      `json:"expires_at,omitempty"`
	LoginURL      string     `json:"login_url"`
	LogoutURL     string     `json:"logout_url"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	base := a.Auth.BasePath()
	summary := sessionSummary{
		LoginURL:  base,
		LogoutURL: base + "/logout",
	}
	if s, ok := auth.SessionFromContext(r.Context()); ok {
		summary.Authenticated = true
		summary.User = &s.User
		summary.ExpiresAt = s.ExpiresAt
	}
	writeJSON(w, summary)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	s, ok := auth.SessionFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{
		"user":       s.User,
		"expires_at": s.ExpiresAt,
		"claims":     s.Info,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
