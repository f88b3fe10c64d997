package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const (
	testKeyID    = "key-1"
	testClientID = "client-1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return key, string(pem.EncodeToMemory(block))
}

func testConfig(t *testing.T, providerURL string) (Config, *rsa.PrivateKey) {
	t.Helper()
	key, keyPEM := newTestKey(t)
	return Config{
		ProviderURL:        providerURL,
		ClientID:           testClientID,
		SuccessRedirectURL: "/home",
		ErrorRedirectURL:   "/error",
		JWT: JWTConfig{
			KeyID:    testKeyID,
			Key:      keyPEM,
			AppID:    "app-1",
			ClientID: testClientID,
		},
		Logger: discardLogger(),
	}, key
}

func newTestMiddleware(t *testing.T, providerURL string, mutate func(*Config)) *Middleware {
	t.Helper()
	cfg, _ := testConfig(t, providerURL)
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return m
}

// stubProvider serves one handler per provider path and counts the calls.
type stubProvider struct {
	*httptest.Server
	mu    sync.Mutex
	calls map[string]int
}

func newStubProvider(t *testing.T, handlers map[string]http.HandlerFunc) *stubProvider {
	t.Helper()
	sp := &stubProvider{calls: make(map[string]int)}
	sp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sp.mu.Lock()
		sp.calls[r.URL.Path]++
		sp.mu.Unlock()
		h, ok := handlers[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(sp.Close)
	return sp
}

func (sp *stubProvider) count(path string) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.calls[path]
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// sessionRecorder is a next handler that captures the resolved session.
type sessionRecorder struct {
	called  bool
	session *Session
}

func (s *sessionRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.called = true
	s.session, _ = SessionFromContext(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
