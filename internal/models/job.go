// Package models defines the persisted domain types.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind discriminates builds from auxiliary operations.
type JobKind string

const (
	KindBuild     JobKind = "build"
	KindOperation JobKind = "operation"
)

// JobStatus is the lifecycle state of a job. Exactly one terminal status is
// entered from a non-terminal one and never left.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
	StatusReused    JobStatus = "reused"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusReused:
		return true
	}
	return false
}

// Job is one row in build_jobs. Operation jobs (extract, delete, repo ops,
// stop targets) share the table so the UI renders a single history.
type Job struct {
	ID            string  `db:"id" json:"id"`
	Kind          JobKind `db:"job_kind" json:"job_kind"`
	OperationName *string `db:"operation_name" json:"operation_name"`
	Target        string  `db:"target" json:"target"`
	SourceCommit  string  `db:"source_commit" json:"source_commit"`

	SourceFirmware *string `db:"source_firmware" json:"source_firmware"`
	TargetFirmware *string `db:"target_firmware" json:"target_firmware"`
	VersionMajor   *int    `db:"version_major" json:"version_major"`
	VersionMinor   *int    `db:"version_minor" json:"version_minor"`
	VersionPatch   *int    `db:"version_patch" json:"version_patch"`
	VersionSuffix  *string `db:"version_suffix" json:"version_suffix"`

	BuildSignature *string `db:"build_signature" json:"build_signature"`
	Force          bool    `db:"force_build" json:"force"`
	NoRomZip       bool    `db:"no_rom_zip" json:"no_rom_zip"`

	Status     JobStatus `db:"status" json:"status"`
	QueueJobID *string   `db:"queue_job_id" json:"queue_job_id"`
	ProcessPID *int      `db:"process_pid" json:"process_pid"`

	ReturnCode *int    `db:"return_code" json:"return_code"`
	Error      *string `db:"error" json:"error"`

	LogPath         *string `db:"log_path" json:"log_path"`
	ArtifactPath    *string `db:"artifact_path" json:"artifact_path"`
	ReusedFromJobID *string `db:"reused_from_job_id" json:"reused_from_job_id"`

	ExtraModsArchivePath  *string `db:"extra_mods_archive_path" json:"-"`
	ExtraModsModulesJSON  *string `db:"extra_mods_modules_json" json:"extra_mods_modules_json"`
	DebloatDisabledJSON   *string `db:"debloat_disabled_json" json:"debloat_disabled_json"`
	DebloatAddSystemJSON  *string `db:"debloat_add_system_json" json:"debloat_add_system_json"`
	DebloatAddProductJSON *string `db:"debloat_add_product_json" json:"debloat_add_product_json"`
	ModsDisabledJSON      *string `db:"mods_disabled_json" json:"mods_disabled_json"`
	FFOverridesJSON       *string `db:"ff_overrides_json" json:"ff_overrides_json"`

	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
	StartedAt  *time.Time `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at"`
}

// NewJobID returns a fresh random job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Setting is one row of the app_settings key/value table.
type Setting struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// Well-known settings keys. The git token is opaque and never logged.
const (
	SettingAuthHash    = "auth.hash"
	SettingAuthSalt    = "auth.salt"
	SettingGitURL      = "repo.git_url"
	SettingGitRef      = "repo.git_ref"
	SettingGitUsername = "repo.git_username"
	SettingGitToken    = "repo.git_token"
)
