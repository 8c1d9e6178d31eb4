// Package handler provides HTTP handlers for the build backend API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"

	"github.com/unica-wb/backend/internal/database"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
)

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	db  *sqlx.DB
	rdb *database.Redis
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *sqlx.DB, rdb *database.Redis) *HealthHandler {
	return &HealthHandler{db: db, rdb: rdb}
}

// Routes returns a chi router with the probe routes.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	return r
}

// Healthz handles GET /healthz — the queue broker must answer.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.rdb.Ping(r.Context()); err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Redis is not reachable"))
		return
	}
	response.OK(w, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz — broker and store must both answer.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.rdb.Ping(r.Context()); err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Redis is not reachable"))
		return
	}
	var one int
	if err := h.db.GetContext(r.Context(), &one, "SELECT 1"); err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Database is not reachable"))
		return
	}
	response.OK(w, map[string]string{"status": "ready"})
}
