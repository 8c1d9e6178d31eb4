// Package auth implements the single-password authentication scheme:
// a PBKDF2 password hash stored in settings, and self-contained HMAC
// tokens derived from that hash.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// TokenTTL bounds token lifetime. Changing the password rotates the
// signing secret and invalidates every outstanding token immediately.
const TokenTTL = 7 * 24 * time.Hour

const pbkdf2Iterations = 120000

// ErrInvalidToken is returned when a token fails signature or TTL checks.
var ErrInvalidToken = errors.New("invalid or expired token")

// HashPassword derives the stored secret from a password and a hex salt.
func HashPassword(password, saltHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", err
	}
	digest := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, sha256.Size, sha256.New)
	return hex.EncodeToString(digest), nil
}

// NewSalt generates a fresh 16-byte salt as hex.
func NewSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type tokenPayload struct {
	Timestamp int64  `json:"ts"`
	Nonce     string `json:"nonce"`
}

// MakeToken issues a token signed with the password hash.
func MakeToken(secretHex string) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	raw, err := json.Marshal(tokenPayload{
		Timestamp: time.Now().Unix(),
		Nonce:     hex.EncodeToString(nonce),
	})
	if err != nil {
		return "", err
	}
	sig, err := sign(secretHex, raw)
	if err != nil {
		return "", err
	}
	return b64urlEncode(raw) + "." + b64urlEncode(sig), nil
}

// VerifyToken checks a token's signature and age against the secret.
func VerifyToken(secretHex, token string) error {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalidToken
	}
	raw, err := b64urlDecode(payloadB64)
	if err != nil {
		return ErrInvalidToken
	}
	sig, err := b64urlDecode(sigB64)
	if err != nil {
		return ErrInvalidToken
	}
	expected, err := sign(secretHex, raw)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(expected, sig) {
		return ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ErrInvalidToken
	}
	if time.Since(time.Unix(payload.Timestamp, 0)) > TokenTTL {
		return ErrInvalidToken
	}
	return nil
}

func sign(secretHex string, raw []byte) ([]byte, error) {
	key, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(raw)
	return mac.Sum(nil), nil
}

// TokenFromRequest extracts a bearer token from the Authorization header
// or, for WebSocket and SSE clients, from the token query parameter.
func TokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) >= 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func b64urlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func b64urlDecode(text string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(text)
}
