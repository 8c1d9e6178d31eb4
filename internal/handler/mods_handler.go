package handler

import (
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/unica-wb/backend/internal/archive"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
	"github.com/unica-wb/backend/internal/uploads"
	"github.com/unica-wb/backend/internal/workspace"
)

// uploadChunkSize bounds memory per in-flight upload copy.
const uploadChunkSize = 1024 * 1024

// maxUploadBytes caps the multipart form size (mod archives are small).
const maxUploadBytes = 512 << 20

// ModsHandler serves the mod, debloat, and floating feature catalogs plus
// the extra-mods archive upload.
type ModsHandler struct {
	ws      *workspace.Workspace
	uploads *uploads.Store
}

// NewModsHandler creates a mods handler.
func NewModsHandler(ws *workspace.Workspace, up *uploads.Store) *ModsHandler {
	return &ModsHandler{ws: ws, uploads: up}
}

// Routes returns a chi router with the mods routes.
func (h *ModsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/options", h.Options)
	r.Post("/upload", h.Upload)
	return r
}

// Options handles GET /mods/options.
func (h *ModsHandler) Options(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"entries": h.ws.ModEntries()})
}

// DebloatOptions handles GET /debloat/options.
func (h *ModsHandler) DebloatOptions(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{"entries": h.ws.DebloatEntries()})
}

// FloatingFeatures handles GET /floating/features?target=.
func (h *ModsHandler) FloatingFeatures(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if !containsString(h.ws.TargetCodenames(), target) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Unknown target"))
		return
	}
	defaults := h.ws.DefaultsFor(target)
	response.OK(w, h.ws.CollectFFDefaults(target, defaults.SourceFirmware, defaults.TargetFirmware))
}

// Upload handles POST /mods/upload: stream the archive to disk, validate
// it, and persist a sidecar the materializer checks at build submission.
func (h *ModsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Missing file field"))
		return
	}
	defer file.Close()

	uploadID := uploads.NewUploadID()
	archivePath := h.uploads.ArchivePath(uploadID, header.Filename)
	workDir := h.uploads.WorkDir(uploadID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		response.Error(w, err)
		return
	}

	out, err := os.Create(archivePath)
	if err != nil {
		response.Error(w, err)
		return
	}
	if _, err := io.CopyBuffer(out, file, make([]byte, uploadChunkSize)); err != nil {
		out.Close()
		os.Remove(archivePath)
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Upload interrupted"))
		return
	}
	out.Close()

	result, err := archive.Validate(archivePath, workDir)
	if err != nil {
		os.Remove(archivePath)
		if errors.Is(err, archive.ErrInvalidArchive) {
			response.Error(w, apierrors.ErrBadRequest.WithMessage(err.Error()))
			return
		}
		response.Error(w, err)
		return
	}

	if err := h.uploads.Save(uploadID, &uploads.Meta{
		Used:        false,
		ArchivePath: archivePath,
		Modules:     result.Modules,
	}); err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"upload_id": uploadID, "modules": result.Modules})
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
