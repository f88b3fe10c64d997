package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"authgate/auth"
)

// Routes constructs the HTTP router. The auth middleware sees every request,
// so the login endpoints under the base path never reach the route table.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	r.Use(RateLimitMiddleware(a.Config.RateLimit, a.Auth.BasePath(), a.Config.Server.TrustProxyHeaders, a.Logger))
	r.Use(a.Auth.Handler)
	r.Use(sessionLogMiddleware)

	r.Get("/healthz", a.handleHealth)
	r.Get("/", a.handleIndex)
	r.With(auth.RequireSession(auth.GateConfig{RedirectTo: a.Auth.BasePath()})).Get("/me", a.handleMe)
	r.With(auth.RequireSession(auth.GateConfig{})).Get("/api/me", a.handleMe)

	if a.DevProvider != nil {
		r.Mount(DevProviderPath, a.DevProvider.Routes())
	}

	if a.Proxy != nil {
		r.NotFound(a.Proxy.ServeHTTP)
	}

	return r
}
