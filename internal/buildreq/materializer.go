// Package buildreq turns an incoming build request into a persisted job:
// defaults, validation, signature and artifact reuse.
package buildreq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	apierrors "github.com/unica-wb/backend/internal/pkg/errors"
	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/repository"
	"github.com/unica-wb/backend/internal/uploads"
	"github.com/unica-wb/backend/internal/workspace"
)

// Request is the payload of POST /jobs. Absent optional fields take
// file-system defaults.
type Request struct {
	Target            string            `json:"target" validate:"required,min=1,max=64"`
	SourceFirmware    *string           `json:"source_firmware" validate:"omitempty,min=3,max=128"`
	TargetFirmware    *string           `json:"target_firmware" validate:"omitempty,min=3,max=128"`
	VersionMajor      *int              `json:"version_major" validate:"omitempty,gte=0,lte=999"`
	VersionMinor      *int              `json:"version_minor" validate:"omitempty,gte=0,lte=999"`
	VersionPatch      *int              `json:"version_patch" validate:"omitempty,gte=0,lte=999"`
	VersionSuffix     *string           `json:"version_suffix" validate:"omitempty,max=64"`
	ExtraModsUploadID string            `json:"extra_mods_upload_id" validate:"omitempty,min=8,max=64"`
	ModsDisabled      []string          `json:"mods_disabled"`
	DebloatDisabled   []string          `json:"debloat_disabled"`
	DebloatAddSystem  []string          `json:"debloat_add_system"`
	DebloatAddProduct []string          `json:"debloat_add_product"`
	FFOverrides       map[string]string `json:"ff_overrides"`
	Force             bool              `json:"force"`
	NoRomZip          bool              `json:"no_rom_zip"`
}

// Enqueuer pushes a build job onto the builds queue and returns the opaque
// queue id.
type Enqueuer interface {
	EnqueueBuild(ctx context.Context, jobID string) (string, error)
}

// Materializer resolves a request into a job row, deciding between reuse
// and a fresh enqueue.
type Materializer struct {
	ws      *workspace.Workspace
	uploads *uploads.Store
	jobs    repository.JobRepository
	queue   Enqueuer
	logger  *slog.Logger
}

// NewMaterializer wires the materializer's dependencies.
func NewMaterializer(ws *workspace.Workspace, up *uploads.Store, jobs repository.JobRepository, queue Enqueuer, logger *slog.Logger) *Materializer {
	return &Materializer{ws: ws, uploads: up, jobs: jobs, queue: queue, logger: logger}
}

// Materialize validates the request, computes the build signature and
// either reuses an existing artifact or inserts and enqueues a new build.
func (m *Materializer) Materialize(ctx context.Context, req *Request) (*models.Job, error) {
	sourceCommit := m.ws.SourceCommit()

	if !contains(m.ws.TargetCodenames(), req.Target) {
		return nil, apierrors.ErrBadRequest.WithMessage("Unknown target")
	}
	defaults := m.ws.DefaultsFor(req.Target)

	sourceFirmware := orDefault(req.SourceFirmware, defaults.SourceFirmware)
	targetFirmware := orDefault(req.TargetFirmware, defaults.TargetFirmware)
	versionMajor := orDefaultInt(req.VersionMajor, defaults.VersionMajor)
	versionMinor := orDefaultInt(req.VersionMinor, defaults.VersionMinor)
	versionPatch := orDefaultInt(req.VersionPatch, defaults.VersionPatch)
	versionSuffix := strings.TrimSpace(orDefault(req.VersionSuffix, defaults.VersionSuffix))

	var (
		extraModsSignature   string
		extraModsArchivePath *string
		extraModsModulesJSON *string
	)
	if req.ExtraModsUploadID != "" {
		meta, err := m.uploads.Load(req.ExtraModsUploadID)
		if err != nil || meta == nil {
			return nil, apierrors.ErrBadRequest.WithMessage("Invalid extra_mods_upload_id")
		}
		if meta.Used {
			return nil, apierrors.ErrBadRequest.WithMessage("This uploaded mods archive has already been used")
		}
		if meta.ArchivePath == "" || !fileExists(meta.ArchivePath) {
			return nil, apierrors.ErrBadRequest.WithMessage("Uploaded mods archive file is missing")
		}
		meta.Used = true
		if err := m.uploads.Save(req.ExtraModsUploadID, meta); err != nil {
			return nil, err
		}
		extraModsArchivePath = &meta.ArchivePath
		modulesJSON, err := json.Marshal(meta.Modules)
		if err != nil {
			return nil, err
		}
		s := string(modulesJSON)
		extraModsModulesJSON = &s
		extraModsSignature = shortDigest(s)
	}

	var (
		modsDisabledJSON *string
		modsSignature    string
	)
	if req.ModsDisabled != nil {
		validIDs := map[string]bool{}
		for _, entry := range m.ws.ModEntries() {
			validIDs[entry.ID] = true
		}
		var unknown []string
		for _, id := range req.ModsDisabled {
			if !validIDs[id] {
				unknown = append(unknown, id)
			}
		}
		if len(unknown) > 0 {
			return nil, apierrors.ErrBadRequest.WithMessage(
				fmt.Sprintf("Unknown mod ids: %s", strings.Join(head(unknown, 5), ", ")))
		}
		s := sortedUniqueJSON(req.ModsDisabled)
		modsDisabledJSON = &s
		modsSignature = shortDigest(s)
	}

	if len(req.DebloatDisabled) > 0 {
		validIDs := map[string]bool{}
		for _, entry := range m.ws.DebloatEntries() {
			validIDs[entry.ID] = true
		}
		var unknown []string
		for _, id := range req.DebloatDisabled {
			if !validIDs[id] {
				unknown = append(unknown, id)
			}
		}
		if len(unknown) > 0 {
			return nil, apierrors.ErrBadRequest.WithMessage(
				fmt.Sprintf("Unknown debloat ids: %s", strings.Join(head(unknown, 5), ", ")))
		}
	}
	debloatAddSystem, err := workspace.NormalizePathList(req.DebloatAddSystem)
	if err != nil {
		return nil, apierrors.ErrBadRequest.WithMessage(err.Error())
	}
	debloatAddProduct, err := workspace.NormalizePathList(req.DebloatAddProduct)
	if err != nil {
		return nil, apierrors.ErrBadRequest.WithMessage(err.Error())
	}
	debloatDisabledJSON := sortedUniqueJSON(req.DebloatDisabled)
	debloatAddSystemJSON := mustJSON(emptyIfNil(debloatAddSystem))
	debloatAddProductJSON := mustJSON(emptyIfNil(debloatAddProduct))

	var (
		ffOverridesJSON *string
		ffSignature     string
	)
	if len(req.FFOverrides) > 0 {
		ffData := m.ws.CollectFFDefaults(req.Target, sourceFirmware, targetFirmware)
		validKeys := map[string]bool{}
		for _, entry := range ffData.Entries {
			validKeys[entry.Key] = true
		}
		var invalid []string
		for key := range req.FFOverrides {
			if !validKeys[key] {
				invalid = append(invalid, key)
			}
		}
		if len(invalid) > 0 {
			sort.Strings(invalid)
			return nil, apierrors.ErrBadRequest.WithMessage(
				fmt.Sprintf("Unknown floating feature keys: %s", strings.Join(head(invalid, 5), ", ")))
		}
		normalized := map[string]string{}
		for key, value := range req.FFOverrides {
			normalized[key] = strings.TrimSpace(value)
		}
		s := mustJSON(normalized)
		ffOverridesJSON = &s
		ffSignature = shortDigest(s)
	}

	signature := computeSignature(signatureFields{
		Target:            req.Target,
		SourceCommit:      sourceCommit,
		SourceFirmware:    sourceFirmware,
		TargetFirmware:    targetFirmware,
		VersionMajor:      versionMajor,
		VersionMinor:      versionMinor,
		VersionPatch:      versionPatch,
		VersionSuffix:     versionSuffix,
		ExtraMods:         extraModsSignature,
		Debloat:           shortDigest(debloatDisabledJSON),
		DebloatAddSystem:  shortDigest(debloatAddSystemJSON),
		DebloatAddProduct: shortDigest(debloatAddProductJSON),
		Mods:              modsSignature,
		FF:                ffSignature,
	})

	job := &models.Job{
		Kind:                  models.KindBuild,
		Target:                req.Target,
		SourceCommit:          sourceCommit,
		SourceFirmware:        &sourceFirmware,
		TargetFirmware:        &targetFirmware,
		VersionMajor:          &versionMajor,
		VersionMinor:          &versionMinor,
		VersionPatch:          &versionPatch,
		VersionSuffix:         &versionSuffix,
		BuildSignature:        &signature,
		Force:                 req.Force,
		NoRomZip:              req.NoRomZip,
		ExtraModsArchivePath:  extraModsArchivePath,
		ExtraModsModulesJSON:  extraModsModulesJSON,
		DebloatDisabledJSON:   &debloatDisabledJSON,
		DebloatAddSystemJSON:  &debloatAddSystemJSON,
		DebloatAddProductJSON: &debloatAddProductJSON,
		ModsDisabledJSON:      modsDisabledJSON,
		FFOverridesJSON:       ffOverridesJSON,
	}

	if !req.Force && !req.NoRomZip {
		if reused, err := m.tryReuse(ctx, job, signature); err != nil {
			return nil, err
		} else if reused != nil {
			return reused, nil
		}
	}

	job.Status = models.StatusQueued
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	queueID, err := m.queue.EnqueueBuild(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if err := m.jobs.SetQueueJobID(ctx, job.ID, queueID); err != nil {
		return nil, err
	}
	job.QueueJobID = &queueID

	m.logger.Info("build job queued",
		"job_id", job.ID,
		"target", job.Target,
		"signature", signature,
		"queue_job_id", queueID)
	return job, nil
}

// tryReuse inserts a reused job row pointing at an existing artifact when
// the same signature already produced one that is still on disk.
func (m *Materializer) tryReuse(ctx context.Context, job *models.Job, signature string) (*models.Job, error) {
	existing, err := m.jobs.FindReusable(ctx, signature)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.ArtifactPath == nil || !fileExists(*existing.ArtifactPath) {
		return nil, nil
	}

	// the staged upload archive will never be consumed
	if job.ExtraModsArchivePath != nil {
		os.Remove(*job.ExtraModsArchivePath)
	}

	now := time.Now().UTC()
	zero := 0
	reused := *job
	reused.Status = models.StatusReused
	reused.ReturnCode = &zero
	reused.ArtifactPath = existing.ArtifactPath
	reused.ReusedFromJobID = &existing.ID
	reused.ExtraModsArchivePath = nil
	reused.StartedAt = &now
	reused.FinishedAt = &now
	if err := m.jobs.Create(ctx, &reused); err != nil {
		return nil, err
	}
	m.logger.Info("build job reused",
		"job_id", reused.ID,
		"reused_from", existing.ID,
		"signature", signature)
	return &reused, nil
}

func sortedUniqueJSON(values []string) string {
	seen := map[string]bool{}
	out := []string{}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return mustJSON(out)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func orDefault(value *string, fallback string) string {
	if value != nil && *value != "" {
		return *value
	}
	return fallback
}

func orDefaultInt(value *int, fallback int) int {
	if value != nil {
		return *value
	}
	return fallback
}

func head(values []string, n int) []string {
	if len(values) > n {
		return values[:n]
	}
	return values
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
