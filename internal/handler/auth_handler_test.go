package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/auth"
)

func newAuthRouter() http.Handler {
	return NewAuthHandler(auth.NewService(newMemSettings())).Routes()
}

func TestAuthStatusDisabledByDefault(t *testing.T) {
	h := newAuthRouter()

	var status map[string]bool
	rec := doJSON(t, h, http.MethodGet, "/status", "", &status)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, status["enabled"])
}

func TestAuthLoginBeforeSetupIsRejected(t *testing.T) {
	h := newAuthRouter()

	rec := doJSON(t, h, http.MethodPost, "/login", `{"password":"whatever"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthBootstrapLoginAndDisable(t *testing.T) {
	h := newAuthRouter()

	// first password needs no token
	var setResp map[string]any
	rec := doJSON(t, h, http.MethodPost, "/password", `{"password":"hunter2"}`, &setResp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, setResp["enabled"])
	token, _ := setResp["token"].(string)
	require.NotEmpty(t, token)

	var status map[string]bool
	doJSON(t, h, http.MethodGet, "/status", "", &status)
	assert.True(t, status["enabled"])

	var loginResp map[string]string
	rec = doJSON(t, h, http.MethodPost, "/login", `{"password":"hunter2"}`, &loginResp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, loginResp["token"])

	rec = doJSON(t, h, http.MethodPost, "/login", `{"password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// changing the password now requires the token
	rec = doJSON(t, h, http.MethodPost, "/password", `{"password":"newpass"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/password", strings.NewReader(`{"password":""}`))
	req.Header.Set("Authorization", "Bearer "+loginResp["token"])
	clear := httptest.NewRecorder()
	h.ServeHTTP(clear, req)
	require.Equal(t, http.StatusOK, clear.Code)

	doJSON(t, h, http.MethodGet, "/status", "", &status)
	assert.False(t, status["enabled"])
}

func TestAuthLoginRejectsMalformedBody(t *testing.T) {
	h := newAuthRouter()

	rec := doJSON(t, h, http.MethodPost, "/login", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", errorMessage(t, rec))
}
