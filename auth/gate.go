package auth

import "net/http"

// GateConfig configures RequireSession.
type GateConfig struct {
	// RedirectTo is where unauthenticated requests are sent. When empty they
	// get 401 Unauthorized instead.
	RedirectTo string
}

// RequireSession only lets requests through when the flow controller
// resolved a session for them.
func RequireSession(cfg GateConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := SessionFromContext(r.Context()); ok {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.RedirectTo != "" {
				http.Redirect(w, r, cfg.RedirectTo, http.StatusFound)
				return
			}
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
