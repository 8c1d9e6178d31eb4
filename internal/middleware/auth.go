package middleware

import (
	"net/http"
	"strings"

	"github.com/unica-wb/backend/internal/auth"
	"github.com/unica-wb/backend/internal/pkg/response"
)

// Auth returns a middleware that enforces the single-password token
// scheme. Requests pass through untouched while no password is set.
// Health probes, the auth endpoints themselves, and the Prometheus
// scrape target stay open so auth can be bootstrapped and monitored.
func Auth(svc *auth.Service, skipPaths ...string) func(next http.Handler) http.Handler {
	skip := map[string]bool{
		"/healthz":         true,
		"/readyz":          true,
		"/metrics":         true,
		"/api/auth/status": true,
		"/api/auth/login":  true,
	}
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			// The password endpoint does its own token check so that
			// the first password can be set without one.
			if strings.HasSuffix(r.URL.Path, "/auth/password") {
				next.ServeHTTP(w, r)
				return
			}
			if err := svc.Authorize(r.Context(), r); err != nil {
				response.Error(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
