package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"time"

	"authgate/auth"
)

// Identity headers set on proxied requests. Client supplied values are always dropped.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
	HeaderAuthToken = "X-Auth-Token"
)

var identityHeaders = []string{HeaderUserID, HeaderUserEmail, HeaderUserName, HeaderAuthToken}

// ProxyManager routes requests to backends by path prefix.
type ProxyManager struct {
	routes         []*proxyRoute
	logger         *slog.Logger
	trustForwarded bool
}

type proxyRoute struct {
	prefix      string
	target      string
	handler     http.Handler
	requireAuth bool
}

// NewProxyManager creates a proxy manager from configuration. loginPath is
// where unauthenticated browser requests to protected routes are sent.
func NewProxyManager(cfg ProxyConfig, loginPath string, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{logger: logger}

	for _, routeCfg := range cfg.Routes {
		if err := pm.addRoute(routeCfg, loginPath); err != nil {
			return nil, fmt.Errorf("invalid proxy route for %s: %w", routeCfg.PathPrefix, err)
		}
	}

	// Longest prefix wins.
	sort.SliceStable(pm.routes, func(i, j int) bool {
		return len(pm.routes[i].prefix) > len(pm.routes[j].prefix)
	})

	return pm, nil
}

func (pm *ProxyManager) addRoute(cfg ProxyRoute, loginPath string) error {
	if cfg.PathPrefix == "" {
		return fmt.Errorf("path_prefix is required")
	}
	if cfg.Target == "" {
		return fmt.Errorf("target is required")
	}

	targetURL, err := url.Parse(cfg.Target)
	if err != nil {
		return fmt.Errorf("invalid target URL: %w", err)
	}

	timeout := defaultProxyTimeout
	if cfg.Timeout != "" {
		parsed, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = parsed
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	prefix := "/" + strings.Trim(cfg.PathPrefix, "/")

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = transport

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalHost := req.Host
		originalDirector(req)

		if cfg.StripPrefix && prefix != "/" {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, prefix)
			if req.URL.RawPath != "" {
				req.URL.RawPath = strings.TrimPrefix(req.URL.RawPath, prefix)
			}
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}

		if !cfg.PreserveHost {
			req.Host = targetURL.Host
		}

		req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req, pm.trustForwarded))
		req.Header.Set("X-Forwarded-Host", originalHost)
		setIdentityHeaders(req, cfg.InjectToken)
		stripAuthCookies(req)
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		pm.logger.Error("proxy error",
			"path_prefix", prefix,
			"target", cfg.Target,
			"error", err,
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	route := &proxyRoute{
		prefix:      prefix,
		target:      cfg.Target,
		handler:     proxy,
		requireAuth: cfg.RequireAuth,
	}
	if cfg.RequireAuth {
		route.handler = gateByAccept(loginPath)(proxy)
	}

	pm.routes = append(pm.routes, route)
	pm.logger.Info("proxy route added",
		"path_prefix", prefix,
		"target", cfg.Target,
		"require_auth", cfg.RequireAuth,
	)

	return nil
}

// ServeHTTP proxies the request to the route with the longest matching prefix.
func (pm *ProxyManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := pm.match(r.URL.Path)
	if !ok {
		pm.logger.Debug("no proxy route for path", "path", r.URL.Path)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	pm.logger.Debug("proxying request",
		"path_prefix", route.prefix,
		"path", r.URL.Path,
		"method", r.Method,
	)
	route.handler.ServeHTTP(w, r)
}

func (pm *ProxyManager) match(path string) (*proxyRoute, bool) {
	for _, route := range pm.routes {
		if route.prefix == "/" || path == route.prefix || strings.HasPrefix(path, route.prefix+"/") {
			return route, true
		}
	}
	return nil, false
}

// gateByAccept redirects browsers to the login path and answers API clients with 401.
func gateByAccept(loginPath string) func(http.Handler) http.Handler {
	browser := auth.RequireSession(auth.GateConfig{RedirectTo: loginPath})
	api := auth.RequireSession(auth.GateConfig{})
	return func(next http.Handler) http.Handler {
		browserNext, apiNext := browser(next), api(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
				browserNext.ServeHTTP(w, r)
				return
			}
			apiNext.ServeHTTP(w, r)
		})
	}
}

// setIdentityHeaders replaces identity headers with values from the resolved session.
func setIdentityHeaders(req *http.Request, injectToken bool) {
	for _, h := range identityHeaders {
		req.Header.Del(h)
	}
	s, ok := auth.SessionFromContext(req.Context())
	if !ok {
		return
	}
	req.Header.Set(HeaderUserID, s.User.ID)
	if s.User.Email != nil {
		req.Header.Set(HeaderUserEmail, *s.User.Email)
	}
	if s.User.PreferredUsername != nil {
		req.Header.Set(HeaderUserName, *s.User.PreferredUsername)
	}
	if injectToken {
		req.Header.Set(HeaderAuthToken, s.AccessToken)
	}
}

// stripAuthCookies keeps the flow cookies from reaching backends.
func stripAuthCookies(req *http.Request) {
	cookies := req.Cookies()
	req.Header.Del("Cookie")
	for _, c := range cookies {
		switch c.Name {
		case auth.AccessTokenCookie, auth.StateCookie, auth.CodeVerifierCookie:
			continue
		}
		req.AddCookie(c)
	}
}

func schemeFromRequest(r *http.Request, trustForwarded bool) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); trustForwarded && proto != "" {
		return proto
	}
	return "http"
}
