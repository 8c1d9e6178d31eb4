package auth

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_Deterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	assert.Len(t, salt, 32)

	first, err := HashPassword("hunter2", salt)
	require.NoError(t, err)
	second, err := HashPassword("hunter2", salt)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	other, err := HashPassword("hunter3", salt)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestHashPassword_BadSalt(t *testing.T) {
	_, err := HashPassword("hunter2", "not-hex")
	assert.Error(t, err)
}

func TestToken_RoundTrip(t *testing.T) {
	secret, err := HashPassword("hunter2", "00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	token, err := MakeToken(secret)
	require.NoError(t, err)
	assert.NoError(t, VerifyToken(secret, token))
}

func TestToken_WrongSecret(t *testing.T) {
	secretA, err := HashPassword("hunter2", "00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	secretB, err := HashPassword("hunter2", "ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)

	token, err := MakeToken(secretA)
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyToken(secretB, token), ErrInvalidToken)
}

func TestToken_Malformed(t *testing.T) {
	secret, err := HashPassword("hunter2", "00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	for _, token := range []string{"", "nodot", "a.b", "!!!.???"} {
		assert.ErrorIs(t, VerifyToken(secret, token), ErrInvalidToken, "token %q", token)
	}
}

func TestToken_Expired(t *testing.T) {
	secret, err := HashPassword("hunter2", "00112233445566778899aabbccddeeff")
	require.NoError(t, err)

	raw, err := json.Marshal(tokenPayload{
		Timestamp: time.Now().Add(-TokenTTL - time.Hour).Unix(),
		Nonce:     "deadbeef",
	})
	require.NoError(t, err)
	sig, err := sign(secret, raw)
	require.NoError(t, err)
	token := b64urlEncode(raw) + "." + b64urlEncode(sig)

	assert.ErrorIs(t, VerifyToken(secret, token), ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/jobs", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/api/ws/builds?token=query456", nil)
	assert.Equal(t, "query456", TokenFromRequest(r))

	// Header wins over the query parameter.
	r = httptest.NewRequest("GET", "/api/jobs?token=query456", nil)
	r.Header.Set("Authorization", "bearer fromheader")
	assert.Equal(t, "fromheader", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/api/jobs", nil)
	assert.Empty(t, TokenFromRequest(r))
}
