package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/auth"
	"github.com/unica-wb/backend/internal/database"
)

type memSettings struct {
	values map[string]string
}

func (m *memSettings) Get(_ context.Context, key string) (string, error) {
	return m.values[key], nil
}

func (m *memSettings) Set(_ context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *memSettings) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthDisabledPassesEverything(t *testing.T) {
	svc := auth.NewService(&memSettings{values: map[string]string{}})
	handler := Auth(svc)(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthEnforcedOnceEnabled(t *testing.T) {
	svc := auth.NewService(&memSettings{values: map[string]string{}})
	ctx := context.Background()
	_, token, err := svc.SetPassword(ctx, "hunter2", "")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	handler := Auth(svc)(okHandler())

	// no token
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// bearer token
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// query token, used by EventSource clients that cannot set headers
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthSkipPathsStayOpen(t *testing.T) {
	svc := auth.NewService(&memSettings{values: map[string]string{}})
	_, _, err := svc.SetPassword(context.Background(), "hunter2", "")
	require.NoError(t, err)

	handler := Auth(svc)(okHandler())

	for _, path := range []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/api/auth/status",
		"/api/auth/login",
		"/api/auth/password", // does its own token check
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	// CORS preflight never carries a token
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func newTestRedis(t *testing.T) *database.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	return database.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestRateLimitHeadersAndCutoff(t *testing.T) {
	rdb := newTestRedis(t)
	cfg := RateLimitConfig{RequestsPerMinute: 3, BurstSize: 1}
	handler := RateLimit(rdb, cfg)(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))

	// limit + burst requests pass, the next one is cut off
	for i := 0; i < 3; i++ {
		rec = do()
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec = do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitIsPerClient(t *testing.T) {
	rdb := newTestRedis(t)
	cfg := RateLimitConfig{RequestsPerMinute: 1, BurstSize: 0}
	handler := RateLimit(rdb, cfg)(okHandler())

	do := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))
}

func TestNormalizePathCollapsesJobIDs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/api/jobs/0b9af7c5-31c7-4f10-a2aa-562a72b17a99/logs", nil)
	assert.Equal(t, "/api/jobs/{id}/logs", normalizePath(req))

	req = httptest.NewRequest(http.MethodGet, "/api/firmware", nil)
	assert.Equal(t, "/api/firmware", normalizePath(req))
}

func TestNormalizePathPrefersChiPattern(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		got = normalizePath(req)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/12345", nil))
	assert.Equal(t, "/jobs/{id}", got)
}
