package server

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"authgate/auth"
)

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected a uuid request id, got %q", seen)
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("response header %q does not match context %q", rec.Header().Get("X-Request-ID"), seen)
	}
}

func TestLoggingIncludesSessionSubject(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	// Stand-in for the auth middleware: resolve a session, then record it.
	withSession := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithSession(r.Context(), &auth.Session{User: auth.User{ID: "u1"}})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := RequestIDMiddleware(LoggingMiddleware(logger)(withSession(sessionLogMiddleware(final))))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/things", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["msg"] != "http_request" || entry["path"] != "/things" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("expected recorded status, got %v", entry["status"])
	}
	if entry["user_sub"] != "u1" {
		t.Fatalf("expected user_sub, got %v", entry["user_sub"])
	}
	if entry["request_id"] == "" {
		t.Fatalf("expected request_id in log entry")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(discardLogger(), true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestSecurityHeadersHSTSOnlyOverTLS(t *testing.T) {
	h := SecurityHeadersMiddleware(600)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must not be set on plain HTTP")
	}

	req := httptest.NewRequest(http.MethodGet, "https://gate.example.com/", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Strict-Transport-Security"); got != "max-age=600; includeSubDomains" {
		t.Fatalf("unexpected HSTS header %q", got)
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	h := RateLimitMiddleware(RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, "/auth", false, discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	do := func(path, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/auth", "10.0.0.1"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}
	rec := do("/auth/callback", "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rec := do("/auth", "10.0.0.2"); rec.Code != http.StatusNoContent {
		t.Fatalf("other ip: expected 204, got %d", rec.Code)
	}
	if rec := do("/healthz", "10.0.0.1"); rec.Code != http.StatusNoContent {
		t.Fatalf("unlimited path: expected 204, got %d", rec.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	l := newIPRateLimiter(RateLimitConfig{RequestsPerMinute: 60, Burst: 1})
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	l.lastCleanup = now

	l.allow("10.0.0.1")
	now = now.Add(2 * limiterIdleTTL)
	l.allow("10.0.0.2")

	if _, ok := l.limiters["10.0.0.1"]; ok {
		t.Fatalf("expected idle limiter to be evicted")
	}
	if _, ok := l.limiters["10.0.0.2"]; !ok {
		t.Fatalf("expected active limiter to remain")
	}
}

func newLimitedHandler(trustProxy bool) http.Handler {
	return RateLimitMiddleware(RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, "/auth", trustProxy, discardLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)
}

func TestRateLimiterIgnoresForwardedForByDefault(t *testing.T) {
	h := newLimitedHandler(false)

	limited := 0
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth", nil)
		req.RemoteAddr = "203.0.113.9:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 19 {
		t.Fatalf("rotating forwarding headers must not escape the limit: %d of 20 limited", limited)
	}
}

func TestRateLimiterTrustedForwardedFor(t *testing.T) {
	h := newLimitedHandler(true)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/auth", nil)
		req.RemoteAddr = "10.0.0.1:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d, 10.0.0.1", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("client %d behind a trusted proxy: expected 204, got %d", i, rec.Code)
		}
	}
}

func TestRateLimiterMatchesWholeSegments(t *testing.T) {
	h := newLimitedHandler(false)

	for _, path := range []string{"/authors/page", "/authors/page", "/authentication-docs", "/authentication-docs"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: expected no limit outside the auth path, got %d", path, rec.Code)
		}
	}

	for i, path := range []string{"/auth", "/auth/callback"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.9:4000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if i == 1 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("%s: expected 429 after the burst, got %d", path, rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := clientIP(req, false); got != "192.0.2.1" {
		t.Fatalf("untrusted: got %q", got)
	}
	if got := clientIP(req, true); got != "198.51.100.7" {
		t.Fatalf("x-real-ip: got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("x-forwarded-for: got %q", got)
	}
	if got := clientIP(req, false); got != "192.0.2.1" {
		t.Fatalf("untrusted with x-forwarded-for: got %q", got)
	}
}
