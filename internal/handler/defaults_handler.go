package handler

import (
	"net/http"

	"github.com/unica-wb/backend/internal/cache"
	"github.com/unica-wb/backend/internal/firmware"
	"github.com/unica-wb/backend/internal/pkg/response"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/workspace"
)

// DefaultsHandler serves the fan-in endpoint that feeds most of the UI.
type DefaultsHandler struct {
	jobs      repository.JobRepository
	ws        *workspace.Workspace
	catalog   *firmware.Catalog
	repoState *cache.RepoState
}

// NewDefaultsHandler creates a defaults handler.
func NewDefaultsHandler(jobs repository.JobRepository, ws *workspace.Workspace, catalog *firmware.Catalog, repoState *cache.RepoState) *DefaultsHandler {
	return &DefaultsHandler{jobs: jobs, ws: ws, catalog: catalog, repoState: repoState}
}

// Get handles GET /defaults?target=. It combines the target list,
// per-target defaults, firmware statuses, and the repo commit snapshot.
func (h *DefaultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	targetOptions := h.ws.TargetOptions()
	targets := make([]string, 0, len(targetOptions))
	for _, opt := range targetOptions {
		targets = append(targets, opt.Code)
	}

	selected := r.URL.Query().Get("target")
	if selected == "" {
		selected = pickDefaultTarget(targets)
	}

	var defaults workspace.Defaults
	if selected != "" {
		defaults = h.ws.DefaultsFor(selected)
	}

	items := h.catalog.Collect(ctx)
	h.catalog.FillLatest(ctx, items)
	sourceStatus := h.catalog.StatusFor(ctx, defaults.SourceFirmware, items)
	targetStatus := h.catalog.StatusFor(ctx, defaults.TargetFirmware, items)

	repoInfo := h.repoState.Info(ctx)

	latestAvailable := false
	if selected != "" {
		if job, err := h.jobs.LatestArtifactForTarget(ctx, selected); err == nil && job != nil {
			latestAvailable = true
		}
	}

	currentCommit := repoInfo.Commit.ShortHash
	if currentCommit == "" {
		currentCommit = h.ws.SourceCommit()
	}

	response.OK(w, map[string]any{
		"targets":                   targets,
		"target_options":            targetOptions,
		"target":                    selected,
		"defaults":                  defaults,
		"current_commit":            currentCommit,
		"current_commit_subject":    repoInfo.Commit.Subject,
		"current_commit_details":    repoInfo.Commit,
		"latest_artifact_available": latestAvailable,
		"repo_sync":                 repoInfo.RepoSync,
		"repo_info":                 repoInfo,
		"firmware_status":           sourceStatus,
		"target_firmware_status":    targetStatus,
		"repo_root":                 h.ws.RepoRoot(),
	})
}

// pickDefaultTarget prefers b0s when present, matching the reference
// device the frontend assumes.
func pickDefaultTarget(targets []string) string {
	for _, t := range targets {
		if t == "b0s" {
			return t
		}
	}
	if len(targets) > 0 {
		return targets[0]
	}
	return ""
}
