package auth

import (
	"context"
	"net/http"

	"github.com/unica-wb/backend/internal/models"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/repository"
)

// Service ties token issuance to the password hash kept in settings.
// Auth is opt-in: until a password is set, every request is allowed.
type Service struct {
	settings repository.SettingsRepository
}

// NewService creates an auth service.
func NewService(settings repository.SettingsRepository) *Service {
	return &Service{settings: settings}
}

// Enabled reports whether a password has been configured.
func (s *Service) Enabled(ctx context.Context) (bool, error) {
	hash, err := s.settings.Get(ctx, models.SettingAuthHash)
	if err != nil {
		return false, err
	}
	salt, err := s.settings.Get(ctx, models.SettingAuthSalt)
	if err != nil {
		return false, err
	}
	return hash != "" && salt != "", nil
}

// Login validates the password and issues a token.
func (s *Service) Login(ctx context.Context, password string) (string, error) {
	if password == "" {
		return "", apierrors.ErrBadRequest.WithMessage("Password required")
	}
	enabled, err := s.Enabled(ctx)
	if err != nil {
		return "", err
	}
	if !enabled {
		return "", apierrors.ErrBadRequest.WithMessage("Auth is not enabled yet")
	}
	salt, err := s.settings.Get(ctx, models.SettingAuthSalt)
	if err != nil {
		return "", err
	}
	secret, err := s.settings.Get(ctx, models.SettingAuthHash)
	if err != nil {
		return "", err
	}
	hashed, err := HashPassword(password, salt)
	if err != nil {
		return "", err
	}
	if hashed != secret {
		return "", apierrors.ErrUnauthorized.WithMessage("Invalid password")
	}
	return MakeToken(secret)
}

// SetPassword changes or clears the password. When auth is already
// enabled the caller must present a valid token. An empty password
// disables auth entirely.
func (s *Service) SetPassword(ctx context.Context, password, token string) (enabled bool, newToken string, err error) {
	active, err := s.Enabled(ctx)
	if err != nil {
		return false, "", err
	}
	if active {
		if err := s.verify(ctx, token); err != nil {
			return false, "", err
		}
	}
	if password == "" {
		if err := s.settings.Delete(ctx, models.SettingAuthHash); err != nil {
			return false, "", err
		}
		if err := s.settings.Delete(ctx, models.SettingAuthSalt); err != nil {
			return false, "", err
		}
		return false, "", nil
	}
	salt, err := NewSalt()
	if err != nil {
		return false, "", err
	}
	hashed, err := HashPassword(password, salt)
	if err != nil {
		return false, "", err
	}
	if err := s.settings.Set(ctx, models.SettingAuthSalt, salt); err != nil {
		return false, "", err
	}
	if err := s.settings.Set(ctx, models.SettingAuthHash, hashed); err != nil {
		return false, "", err
	}
	tok, err := MakeToken(hashed)
	if err != nil {
		return false, "", err
	}
	return true, tok, nil
}

// Authorize checks the request's token when auth is enabled.
func (s *Service) Authorize(ctx context.Context, r *http.Request) error {
	enabled, err := s.Enabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	return s.verify(ctx, TokenFromRequest(r))
}

func (s *Service) verify(ctx context.Context, token string) error {
	if token == "" {
		return apierrors.ErrUnauthorized
	}
	secret, err := s.settings.Get(ctx, models.SettingAuthHash)
	if err != nil {
		return err
	}
	if err := VerifyToken(secret, token); err != nil {
		return apierrors.ErrUnauthorized
	}
	return nil
}
