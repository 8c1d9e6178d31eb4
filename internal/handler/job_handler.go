package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unica-wb/backend/internal/buildreq"
	"github.com/unica-wb/backend/internal/hints"
	"github.com/unica-wb/backend/internal/models"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/supervisor"
)

// StopQueue enqueues stop requests on the controls queue.
type StopQueue interface {
	EnqueueStop(ctx context.Context, jobID, signalType string) (string, error)
}

// JobHandler serves job lifecycle and artifact endpoints.
type JobHandler struct {
	jobs         repository.JobRepository
	materializer *buildreq.Materializer
	stopQueue    StopQueue
	cancelQueued func(queueJobID string)
	validate     *validator.Validate
}

// NewJobHandler creates a job handler. cancelQueued best-effort removes a
// pending task from the builds queue and may be nil.
func NewJobHandler(jobs repository.JobRepository, materializer *buildreq.Materializer, stopQueue StopQueue, cancelQueued func(queueJobID string)) *JobHandler {
	return &JobHandler{
		jobs:         jobs,
		materializer: materializer,
		stopQueue:    stopQueue,
		cancelQueued: cancelQueued,
		validate:     validator.New(),
	}
}

// Routes returns a chi router with job routes.
func (h *JobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/stop", h.Stop)
	r.Get("/{id}/artifact", h.Artifact)
	r.Get("/{id}/hints", h.Hints)
	return r
}

// ArtifactRoutes returns a chi router with the artifact listing routes.
func (h *JobHandler) ArtifactRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/latest/{target}", h.LatestArtifact)
	r.Get("/history", h.History)
	return r
}

// Create handles POST /jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req buildreq.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage(err.Error()))
		return
	}

	job, err := h.materializer.Materialize(r.Context(), &req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// List handles GET /jobs?limit=N.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	jobs, err := h.jobs.List(r.Context(), limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, jobs)
}

// Get handles GET /jobs/{id}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if job == nil {
		response.NotFound(w, "Job")
		return
	}
	response.OK(w, job)
}

type stopRequest struct {
	SignalType string `json:"signal_type"`
}

// Stop handles POST /jobs/{id}/stop. Queued jobs are canceled in place;
// running jobs get a stop task on the controls queue because only the
// worker shares a pid namespace with the build.
func (h *JobHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := h.jobs.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if job == nil {
		response.NotFound(w, "Job")
		return
	}
	if job.Status.Terminal() {
		response.OK(w, job)
		return
	}

	signalType := supervisor.SignalTerm
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.SignalType == supervisor.SignalKill {
		signalType = supervisor.SignalKill
	}

	if job.Status == models.StatusQueued {
		if job.QueueJobID != nil && h.cancelQueued != nil {
			h.cancelQueued(*job.QueueJobID)
		}
		msg := "Build canceled by user (queued job)"
		if _, err := h.jobs.Finish(ctx, job.ID, models.StatusCanceled, nil, &msg); err != nil {
			response.Error(w, err)
			return
		}
		job, err = h.jobs.GetByID(ctx, job.ID)
		if err != nil {
			response.Error(w, err)
			return
		}
		response.OK(w, job)
		return
	}

	if _, err := h.stopQueue.EnqueueStop(ctx, job.ID, signalType); err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Failed to enqueue stop"))
		return
	}
	note := "Stop requested by user (SIGTERM)"
	if signalType == supervisor.SignalKill {
		note = "Stop requested by user (SIGKILL)"
	}
	if err := h.jobs.SetErrorMessage(ctx, job.ID, note); err != nil {
		response.Error(w, err)
		return
	}
	job, err = h.jobs.GetByID(ctx, job.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// Artifact handles GET /jobs/{id}/artifact.
func (h *JobHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if job == nil || job.ArtifactPath == nil {
		response.NotFound(w, "Artifact")
		return
	}
	serveZip(w, r, *job.ArtifactPath)
}

// LatestArtifact handles GET /artifacts/latest/{target}.
func (h *JobHandler) LatestArtifact(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.LatestArtifactForTarget(r.Context(), chi.URLParam(r, "target"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if job == nil || job.ArtifactPath == nil {
		response.NotFound(w, "Artifact")
		return
	}
	serveZip(w, r, *job.ArtifactPath)
}

type artifactItem struct {
	JobID        string `json:"job_id"`
	Target       string `json:"target"`
	Status       string `json:"status"`
	ArtifactPath string `json:"artifact_path"`
	SizeBytes    int64  `json:"size_bytes"`
	FinishedAt   any    `json:"finished_at"`
}

// History handles GET /artifacts/history?target=&limit=.
func (h *JobHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	jobs, err := h.jobs.ListArtifacts(r.Context(), r.URL.Query().Get("target"), limit)
	if err != nil {
		response.Error(w, err)
		return
	}

	items := make([]artifactItem, 0, len(jobs))
	for _, job := range jobs {
		item := artifactItem{
			JobID:        job.ID,
			Target:       job.Target,
			Status:       string(job.Status),
			ArtifactPath: *job.ArtifactPath,
			FinishedAt:   job.FinishedAt,
		}
		if info, err := os.Stat(*job.ArtifactPath); err == nil {
			item.SizeBytes = info.Size()
		}
		items = append(items, item)
	}
	response.OK(w, map[string]any{"items": items})
}

// Hints handles GET /jobs/{id}/hints.
func (h *JobHandler) Hints(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if job == nil || job.LogPath == nil {
		response.NotFound(w, "Log file")
		return
	}
	detected, err := hints.DetectFromFile(*job.LogPath)
	if err != nil {
		response.NotFound(w, "Log file")
		return
	}
	response.OK(w, map[string]any{"hints": detected})
}

// serveZip streams a ROM artifact. http.ServeFile handles range requests
// for resumable downloads.
func serveZip(w http.ResponseWriter, r *http.Request, path string) {
	if _, err := os.Stat(path); err != nil {
		response.NotFound(w, "Artifact")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}
