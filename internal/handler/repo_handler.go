package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/gitrepo"
	"github.com/unica-wb/backend/internal/models"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/workspace"
)

var gitURLRe = regexp.MustCompile(`^(https://|git@|ssh://).+`)

// RepoQueue enqueues repository operation tasks.
type RepoQueue interface {
	EnqueueRepoClone(ctx context.Context, jobID, gitURL, gitRef string) (string, error)
	EnqueueRepoPull(ctx context.Context, jobID, gitRef string) (string, error)
	EnqueueRepoSubmodules(ctx context.Context, jobID string) (string, error)
	EnqueueRepoDelete(ctx context.Context, jobID, mode string) (string, error)
}

// RepoHandler serves the managed-checkout configuration and lifecycle
// endpoints. Every mutation spawns an operation job; the checkout itself
// is only touched by the worker.
type RepoHandler struct {
	jobs      repository.JobRepository
	settings  repository.SettingsRepository
	repoState *cache.RepoState
	ws        *workspace.Workspace
	queue     RepoQueue
	validate  *validator.Validate

	urlDefault string
	refDefault string
}

// NewRepoHandler creates a repo handler.
func NewRepoHandler(jobs repository.JobRepository, settings repository.SettingsRepository, repoState *cache.RepoState, ws *workspace.Workspace, queue RepoQueue, urlDefault, refDefault string) *RepoHandler {
	return &RepoHandler{
		jobs:       jobs,
		settings:   settings,
		repoState:  repoState,
		ws:         ws,
		queue:      queue,
		validate:   validator.New(),
		urlDefault: urlDefault,
		refDefault: refDefault,
	}
}

// Routes returns a chi router with the repo routes.
func (h *RepoHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/info", h.Info)
	r.Patch("/config", h.UpdateConfig)
	r.Post("/clone", h.Clone)
	r.Post("/pull", h.Pull)
	r.Post("/submodules", h.Submodules)
	r.Delete("/", h.Delete)
	return r
}

// Info handles GET /repo/info.
func (h *RepoHandler) Info(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.repoState.Info(r.Context()))
}

type repoConfigRequest struct {
	GitURL      string  `json:"git_url" validate:"required,min=8,max=512"`
	GitRef      *string `json:"git_ref" validate:"omitempty,max=128"`
	GitUsername *string `json:"git_username" validate:"omitempty,max=128"`
	// The token is stored as an opaque setting and never logged or echoed
	// back; repo info only reports whether one is set.
	GitToken *string `json:"git_token" validate:"omitempty,max=512"`
}

// UpdateConfig handles PATCH /repo/config. Nil pointer fields keep the
// stored value; a blank token clears it.
func (h *RepoHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req repoConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage(err.Error()))
		return
	}
	gitURL := strings.TrimSpace(req.GitURL)
	if !gitURLRe.MatchString(gitURL) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid git url"))
		return
	}

	if err := h.settings.Set(ctx, models.SettingGitURL, gitURL); err != nil {
		response.Error(w, err)
		return
	}
	if req.GitRef != nil {
		if err := h.settings.Set(ctx, models.SettingGitRef, strings.TrimSpace(*req.GitRef)); err != nil {
			response.Error(w, err)
			return
		}
	}
	if req.GitUsername != nil {
		if err := h.settings.Set(ctx, models.SettingGitUsername, strings.TrimSpace(*req.GitUsername)); err != nil {
			response.Error(w, err)
			return
		}
	}
	if req.GitToken != nil {
		token := strings.TrimSpace(*req.GitToken)
		var err error
		if token == "" {
			err = h.settings.Delete(ctx, models.SettingGitToken)
		} else {
			err = h.settings.Set(ctx, models.SettingGitToken, token)
		}
		if err != nil {
			response.Error(w, err)
			return
		}
	}

	h.repoState.Invalidate(ctx)
	response.OK(w, h.repoState.Info(ctx))
}

// Clone handles POST /repo/clone. Credentials are injected into the URL
// handed to the worker; the visible operation name carries the safe form.
func (h *RepoHandler) Clone(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	gitURL := h.setting(ctx, models.SettingGitURL, h.urlDefault)
	gitRef := h.setting(ctx, models.SettingGitRef, h.refDefault)
	username := h.setting(ctx, models.SettingGitUsername, "")
	token := h.setting(ctx, models.SettingGitToken, "")
	authURL := gitrepo.URLWithAuth(gitURL, username, token)

	h.runRepoOperation(w, r, "Repo clone: "+gitrepo.SafeURL(gitURL), func(jobID string) (string, error) {
		return h.queue.EnqueueRepoClone(ctx, jobID, authURL, gitRef)
	})
}

// Pull handles POST /repo/pull.
func (h *RepoHandler) Pull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gitRef := h.setting(ctx, models.SettingGitRef, h.refDefault)

	h.runRepoOperation(w, r, "Repo pull: "+gitRef, func(jobID string) (string, error) {
		return h.queue.EnqueueRepoPull(ctx, jobID, gitRef)
	})
}

// Submodules handles POST /repo/submodules.
func (h *RepoHandler) Submodules(w http.ResponseWriter, r *http.Request) {
	h.runRepoOperation(w, r, "Repo submodules update", func(jobID string) (string, error) {
		return h.queue.EnqueueRepoSubmodules(r.Context(), jobID)
	})
}

// Delete handles DELETE /repo?mode=repo_only|repo_with_out.
func (h *RepoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "repo_only"
	}
	if mode != "repo_only" && mode != "repo_with_out" {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("mode must be repo_only or repo_with_out"))
		return
	}
	opName := "Repo delete (keep out)"
	if mode == "repo_with_out" {
		opName = "Repo delete (with out)"
	}
	h.runRepoOperation(w, r, opName, func(jobID string) (string, error) {
		return h.queue.EnqueueRepoDelete(r.Context(), jobID, mode)
	})
}

// runRepoOperation creates the operation job, invalidates the repo caches,
// and enqueues via the supplied closure.
func (h *RepoHandler) runRepoOperation(w http.ResponseWriter, r *http.Request, opName string, enqueue func(jobID string) (string, error)) {
	ctx := r.Context()

	job, err := createOperationJob(ctx, h.jobs, "repo", h.ws.SourceCommit(), opName)
	if err != nil {
		response.Error(w, err)
		return
	}
	h.repoState.Invalidate(ctx)

	queueID, err := enqueue(job.ID)
	if err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Queue unavailable"))
		return
	}
	job, err = recordQueueID(ctx, h.jobs, job, queueID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

func (h *RepoHandler) setting(ctx context.Context, key, fallback string) string {
	value, err := h.settings.Get(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}
