package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/unica-wb/backend/internal/database"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// LoginRateLimitConfig is tuned for password attempts.
func LoginRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
	}
}

// RateLimit returns a per-client rate limiting middleware backed by
// Redis, so limits hold across restarts. On Redis errors the request
// is allowed through.
func RateLimit(rdb *database.Redis, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "un1ca:ratelimit:" + getRealIP(r)
			window := time.Minute

			count, err := rdb.IncrWithExpire(r.Context(), key, window)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := cfg.RequestsPerMinute
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

			if int(count) > limit+cfg.BurstSize {
				w.Header().Set("Retry-After", "60")
				response.Error(w, apierrors.ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getRealIP extracts the real client IP, considering proxies.
func getRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return r.RemoteAddr
}
