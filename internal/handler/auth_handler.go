package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unica-wb/backend/internal/auth"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
)

// AuthHandler serves the single-password auth endpoints.
type AuthHandler struct {
	svc *auth.Service
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(svc *auth.Service) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// Routes returns a chi router with auth routes.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/login", h.Login)
	r.Post("/password", h.SetPassword)
	return r
}

// Status handles GET /auth/status.
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.svc.Enabled(r.Context())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]bool{"enabled": enabled})
}

type loginRequest struct {
	Password string `json:"password"`
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	token, err := h.svc.Login(r.Context(), req.Password)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]string{"token": token})
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

// SetPassword handles POST /auth/password. An empty password disables
// auth. When auth is already enabled a valid token must accompany the
// request.
func (h *AuthHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	enabled, token, err := h.svc.SetPassword(r.Context(), req.Password, auth.TokenFromRequest(r))
	if err != nil {
		response.Error(w, err)
		return
	}
	if !enabled {
		response.OK(w, map[string]any{"enabled": false})
		return
	}
	response.OK(w, map[string]any{"enabled": true, "token": token})
}
