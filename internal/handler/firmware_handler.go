package handler

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/unica-wb/backend/internal/firmware"
	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/pkg/response"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/workspace"
)

var fwKeyRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// FirmwareQueue enqueues firmware operation tasks.
type FirmwareQueue interface {
	EnqueueDeleteFw(ctx context.Context, jobID, fwType, fwKey string) (string, error)
	EnqueueExtractFw(ctx context.Context, jobID, fwKey, targetCodename string) (string, error)
}

// FirmwareHandler serves the Samsung firmware cache endpoints.
type FirmwareHandler struct {
	jobs    repository.JobRepository
	catalog *firmware.Catalog
	ws      *workspace.Workspace
	broker  *progress.Broker
	queue   FirmwareQueue
}

// NewFirmwareHandler creates a firmware handler.
func NewFirmwareHandler(jobs repository.JobRepository, catalog *firmware.Catalog, ws *workspace.Workspace, broker *progress.Broker, queue FirmwareQueue) *FirmwareHandler {
	return &FirmwareHandler{jobs: jobs, catalog: catalog, ws: ws, broker: broker, queue: queue}
}

// Routes returns a chi router with firmware routes.
func (h *FirmwareHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/samsung", h.List)
	r.Delete("/samsung/{fw_type}/{fw_key}", h.Delete)
	r.Post("/samsung/{fw_key}/extract", h.Extract)
	return r
}

type firmwareItem struct {
	firmware.Item
	UpdateAvailable bool              `json:"update_available"`
	Progress        progress.Snapshot `json:"progress,omitempty"`
}

// List handles GET /firmware/samsung: cached entries, latest versions,
// and any live download/extract progress attached per key.
func (h *FirmwareHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	items := h.catalog.Collect(ctx)
	h.catalog.FillLatest(ctx, items)
	live := h.broker.ListFirmware(ctx)

	out := make([]firmwareItem, 0, len(items))
	for _, item := range items {
		row := firmwareItem{Item: item}
		latest := item.LatestVersion
		downloaded := item.OdinVersion
		extracted := item.FwVersion
		row.UpdateAvailable = latest != "" && downloaded != "" && downloaded != latest && extracted != latest
		if snap, ok := live[item.Key]; ok {
			row.Progress = snap
		}
		out = append(out, row)
	}
	response.OK(w, map[string]any{"items": out})
}

// Delete handles DELETE /firmware/samsung/{fw_type}/{fw_key}. Deletion
// runs as a queued operation job so it is logged and cancelable.
func (h *FirmwareHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fwType := chi.URLParam(r, "fw_type")
	fwKey := chi.URLParam(r, "fw_key")

	if fwType != "odin" && fwType != "fw" {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("fw_type must be 'odin' or 'fw'"))
		return
	}
	if !fwKeyRe.MatchString(fwKey) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid fw key"))
		return
	}
	target, err := h.selectTarget(r.URL.Query().Get("target"))
	if err != nil {
		response.Error(w, err)
		return
	}

	fwPath := filepath.Join(h.ws.OutDir(), fwType, fwKey)
	info, statErr := os.Stat(fwPath)
	if statErr != nil {
		response.NotFound(w, "FW entry")
		return
	}
	if !info.IsDir() {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("FW entry is not a directory"))
		return
	}

	job, err := createOperationJob(ctx, h.jobs, target, h.ws.SourceCommit(),
		"Delete "+strings.ToUpper(fwType)+" FW entry: "+fwKey)
	if err != nil {
		response.Error(w, err)
		return
	}
	queueID, err := h.queue.EnqueueDeleteFw(ctx, job.ID, fwType, fwKey)
	if err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Failed to enqueue delete"))
		return
	}
	job, err = recordQueueID(ctx, h.jobs, job, queueID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// Extract handles POST /firmware/samsung/{fw_key}/extract.
func (h *FirmwareHandler) Extract(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fwKey := chi.URLParam(r, "fw_key")
	if !fwKeyRe.MatchString(fwKey) {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid fw key"))
		return
	}
	target, err := h.selectTarget(r.URL.Query().Get("target"))
	if err != nil {
		response.Error(w, err)
		return
	}

	odinDir := filepath.Join(h.ws.OutDir(), "odin", fwKey)
	if info, statErr := os.Stat(odinDir); statErr != nil || !info.IsDir() {
		response.NotFound(w, "ODIN FW entry")
		return
	}

	job, err := createOperationJob(ctx, h.jobs, target, h.ws.SourceCommit(), "Extract FW (-f): "+fwKey)
	if err != nil {
		response.Error(w, err)
		return
	}
	queueID, err := h.queue.EnqueueExtractFw(ctx, job.ID, fwKey, target)
	if err != nil {
		response.Error(w, apierrors.ErrServiceUnavailable.WithMessage("Failed to enqueue extract"))
		return
	}
	job, err = recordQueueID(ctx, h.jobs, job, queueID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// selectTarget picks an explicit target, or b0s, or the first available.
func (h *FirmwareHandler) selectTarget(requested string) (string, error) {
	targets := h.ws.TargetCodenames()
	if requested != "" {
		for _, t := range targets {
			if t == requested {
				return requested, nil
			}
		}
		return "", apierrors.ErrBadRequest.WithMessage("Unknown target")
	}
	if len(targets) == 0 {
		return "", apierrors.ErrBadRequest.WithMessage("No targets available")
	}
	for _, t := range targets {
		if t == "b0s" {
			return t, nil
		}
	}
	return targets[0], nil
}
