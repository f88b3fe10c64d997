package main

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"authgate/devprovider"
	"authgate/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newIssuer(t *testing.T, clientID string) *httptest.Server {
	t.Helper()
	p := devprovider.New(devprovider.Options{ClientID: clientID, Logger: discardLogger()})
	srv := httptest.NewServer(p.Routes())
	t.Cleanup(srv.Close)
	p.SetIssuer(srv.URL)
	return srv
}

func connectConfig(providerURL, clientID string) server.Config {
	cfg := server.DefaultConfig()
	cfg.Auth.ProviderURL = providerURL
	cfg.Auth.ClientID = clientID
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	srv := newIssuer(t, "web")

	if err := runConnect(context.Background(), connectConfig(srv.URL, "web"), discardLogger(), nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectLoginPage(t *testing.T) {
	mux := http.NewServeMux()
	var issuer string
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"issuer":"`+issuer+`","authorization_endpoint":"`+issuer+`/oauth/v2/authorize","token_endpoint":"`+issuer+`/oauth/v2/token","jwks_uri":"`+issuer+`/oauth/v2/keys"}`)
	})
	mux.HandleFunc("/oauth/v2/authorize", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/login", http.StatusFound)
	})
	mux.HandleFunc("/ui/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "login")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuer = srv.URL

	if err := runConnect(context.Background(), connectConfig(srv.URL, "web"), discardLogger(), nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectUnknownClient(t *testing.T) {
	srv := newIssuer(t, "web")

	if err := runConnect(context.Background(), connectConfig(srv.URL, "other"), discardLogger(), nil); err == nil {
		t.Fatalf("expected error for a client the provider rejects")
	}
}

func TestRunConnectDiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := runConnect(context.Background(), connectConfig(srv.URL, "web"), discardLogger(), nil)
	if err == nil || !strings.Contains(err.Error(), "discover provider") {
		t.Fatalf("expected discovery error, got %v", err)
	}
}

func TestRunConnectRequiresProviderURL(t *testing.T) {
	if err := runConnect(context.Background(), server.DefaultConfig(), discardLogger(), nil); err == nil {
		t.Fatalf("expected error without provider_url")
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	if err := runConfigInit(path, strings.NewReader("\n\n\n\n"), io.Discard, discardLogger()); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	cfg, err := loadConfig(path, discardLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if !cfg.Server.DevMode || !cfg.UsesDevProvider() {
		t.Fatalf("expected dev mode with the built-in provider, got %+v", cfg.Server)
	}
	if cfg.Server.PublicURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected public url %q", cfg.Server.PublicURL)
	}

	if err := runConfigValidate(path, discardLogger()); err != nil {
		t.Fatalf("runConfigValidate returned error: %v", err)
	}
	if err := runConfigInit(path, strings.NewReader("\n"), io.Discard, discardLogger()); err == nil {
		t.Fatalf("expected init to refuse overwriting an existing file")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), discardLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected hint to run init, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}

func TestTLSMinVersion(t *testing.T) {
	if got := tlsMinVersion("1.3"); got != tls.VersionTLS13 {
		t.Fatalf("tlsMinVersion(1.3) = %x", got)
	}
	if got := tlsMinVersion(""); got != tls.VersionTLS12 {
		t.Fatalf("tlsMinVersion default = %x", got)
	}
}
