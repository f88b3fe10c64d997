package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"authgate/auth"
)

type echoed struct {
	Path    string      `json:"path"`
	Host    string      `json:"host"`
	Headers http.Header `json:"headers"`
}

func newEchoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, echoed{Path: r.URL.Path, Host: r.Host, Headers: r.Header})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testSession() *auth.Session {
	email := "a@b.com"
	name := "alice"
	return &auth.Session{
		User:        auth.User{ID: "u1", Email: &email, PreferredUsername: &name},
		AccessToken: "tok-1",
	}
}

func serveProxy(t *testing.T, pm *ProxyManager, req *http.Request) (*httptest.ResponseRecorder, echoed) {
	t.Helper()
	rec := httptest.NewRecorder()
	pm.ServeHTTP(rec, req)
	var out echoed
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode backend echo: %v", err)
		}
	}
	return rec, out
}

func TestProxyInjectsIdentity(t *testing.T) {
	backend := newEchoBackend(t)
	pm, err := NewProxyManager(ProxyConfig{Routes: []ProxyRoute{
		{PathPrefix: "/api", Target: backend.URL, RequireAuth: true, InjectToken: true},
	}}, "/auth", discardLogger())
	if err != nil {
		t.Fatalf("NewProxyManager returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://gate.local/api/items", nil)
	req.Header.Set(HeaderUserID, "spoofed")
	req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: "tok-1"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	req = req.WithContext(auth.WithSession(req.Context(), testSession()))

	rec, got := serveProxy(t, pm, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Path != "/api/items" {
		t.Fatalf("expected path to be kept, got %q", got.Path)
	}
	if got.Headers.Get(HeaderUserID) != "u1" || got.Headers.Get(HeaderUserEmail) != "a@b.com" || got.Headers.Get(HeaderUserName) != "alice" {
		t.Fatalf("unexpected identity headers %v", got.Headers)
	}
	if got.Headers.Get(HeaderAuthToken) != "tok-1" {
		t.Fatalf("expected token header, got %q", got.Headers.Get(HeaderAuthToken))
	}
	if got.Headers.Get("X-Forwarded-Host") != "gate.local" {
		t.Fatalf("expected forwarded host, got %q", got.Headers.Get("X-Forwarded-Host"))
	}
	if cookie := got.Headers.Get("Cookie"); cookie != "theme=dark" {
		t.Fatalf("expected auth cookies stripped, got %q", cookie)
	}
}

func TestProxyDropsSpoofedHeadersWithoutSession(t *testing.T) {
	backend := newEchoBackend(t)
	pm, err := NewProxyManager(ProxyConfig{Routes: []ProxyRoute{
		{PathPrefix: "/public", Target: backend.URL, StripPrefix: true},
	}}, "/auth", discardLogger())
	if err != nil {
		t.Fatalf("NewProxyManager returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://gate.local/public/page", nil)
	req.Header.Set(HeaderUserID, "admin")
	req.Header.Set(HeaderAuthToken, "forged")

	rec, got := serveProxy(t, pm, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.Path != "/page" {
		t.Fatalf("expected stripped path /page, got %q", got.Path)
	}
	if got.Headers.Get(HeaderUserID) != "" || got.Headers.Get(HeaderAuthToken) != "" {
		t.Fatalf("spoofed identity headers reached the backend: %v", got.Headers)
	}
}

func TestProxyForwardedProtoNeedsTrust(t *testing.T) {
	backend := newEchoBackend(t)
	pm, err := NewProxyManager(ProxyConfig{Routes: []ProxyRoute{
		{PathPrefix: "/api", Target: backend.URL},
	}}, "/auth", discardLogger())
	if err != nil {
		t.Fatalf("NewProxyManager returned error: %v", err)
	}

	forwarded := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "http://gate.local/api", nil)
		req.Header.Set("X-Forwarded-Proto", "https")
		return req
	}

	_, got := serveProxy(t, pm, forwarded())
	if proto := got.Headers.Get("X-Forwarded-Proto"); proto != "http" {
		t.Fatalf("untrusted: expected http, got %q", proto)
	}

	pm.trustForwarded = true
	_, got = serveProxy(t, pm, forwarded())
	if proto := got.Headers.Get("X-Forwarded-Proto"); proto != "https" {
		t.Fatalf("trusted: expected https, got %q", proto)
	}
}

func TestProxyRequiresSession(t *testing.T) {
	backend := newEchoBackend(t)
	pm, err := NewProxyManager(ProxyConfig{Routes: []ProxyRoute{
		{PathPrefix: "/app", Target: backend.URL, RequireAuth: true},
	}}, "/auth", discardLogger())
	if err != nil {
		t.Fatalf("NewProxyManager returned error: %v", err)
	}

	rec, _ := serveProxy(t, pm, httptest.NewRequest(http.MethodGet, "http://gate.local/app/data", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("api request: expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "http://gate.local/app/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec, _ = serveProxy(t, pm, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/auth" {
		t.Fatalf("browser request: expected redirect to /auth, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestProxyLongestPrefixWins(t *testing.T) {
	a := newEchoBackend(t)
	b := newEchoBackend(t)
	pm, err := NewProxyManager(ProxyConfig{Routes: []ProxyRoute{
		{PathPrefix: "/api", Target: a.URL},
		{PathPrefix: "/api/v2", Target: b.URL, StripPrefix: true},
	}}, "/auth", discardLogger())
	if err != nil {
		t.Fatalf("NewProxyManager returned error: %v", err)
	}

	_, got := serveProxy(t, pm, httptest.NewRequest(http.MethodGet, "http://gate.local/api/v2/users", nil))
	if got.Path != "/users" {
		t.Fatalf("expected /api/v2 route, backend saw %q", got.Path)
	}
	_, got = serveProxy(t, pm, httptest.NewRequest(http.MethodGet, "http://gate.local/api/v20", nil))
	if got.Path != "/api/v20" {
		t.Fatalf("expected /api route for /api/v20, backend saw %q", got.Path)
	}

	rec, _ := serveProxy(t, pm, httptest.NewRequest(http.MethodGet, "http://gate.local/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unmatched path, got %d", rec.Code)
	}
}

func TestProxyBackendDown(t *testing.T) {
	backend := newEchoBackend(t)
	target := backend.URL
	backend.Close()

	pm, err := NewProxyManager(ProxyConfig{Routes: []ProxyRoute{
		{PathPrefix: "/api", Target: target, Timeout: "1s"},
	}}, "/auth", discardLogger())
	if err != nil {
		t.Fatalf("NewProxyManager returned error: %v", err)
	}

	rec, _ := serveProxy(t, pm, httptest.NewRequest(http.MethodGet, "http://gate.local/api", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestGatewayProxiesWithSession(t *testing.T) {
	backend := newEchoBackend(t)
	_, srv := newDevGateway(t, func(c *Config) {
		c.Proxy.Routes = []ProxyRoute{{PathPrefix: "/svc", Target: backend.URL, RequireAuth: true, StripPrefix: true}}
	})
	browser := newBrowser(t)

	getJSON(t, browser, srv.URL+"/svc/hello", http.StatusUnauthorized, nil)
	getJSON(t, browser, srv.URL+"/auth", http.StatusOK, nil)

	var got echoed
	getJSON(t, browser, srv.URL+"/svc/hello", http.StatusOK, &got)
	if got.Path != "/hello" || got.Headers.Get(HeaderUserID) == "" {
		t.Fatalf("unexpected backend view %+v", got)
	}
}
