// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unica-wb/backend/internal/models"
)

// JobRepository defines the interface for job row operations. The store is
// the sole authority for job state; every mutation runs in its own statement
// so status transitions are linearized by the database.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, limit int) ([]*models.Job, error)
	ListArtifacts(ctx context.Context, target string, limit int) ([]*models.Job, error)

	SetQueueJobID(ctx context.Context, id, queueJobID string) error
	MarkRunning(ctx context.Context, id, logPath string) error
	SetProcessPID(ctx context.Context, id string, pid *int) error
	SetErrorMessage(ctx context.Context, id, message string) error
	SetArtifactPath(ctx context.Context, id, artifactPath string) error

	// Finish moves a job to a terminal status. It refuses to overwrite a
	// status that is already terminal and reports whether a row changed.
	Finish(ctx context.Context, id string, status models.JobStatus, returnCode *int, errMsg *string) (bool, error)

	FindReusable(ctx context.Context, signature string) (*models.Job, error)
	LatestArtifactForTarget(ctx context.Context, target string) (*models.Job, error)
}

type jobRepo struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sqlx.DB) JobRepository {
	return &jobRepo{db: db}
}

const jobColumns = `id, job_kind, operation_name, target, source_commit,
	source_firmware, target_firmware, version_major, version_minor, version_patch, version_suffix,
	build_signature, force_build, no_rom_zip, status, queue_job_id, process_pid,
	return_code, error, log_path, artifact_path, reused_from_job_id,
	extra_mods_archive_path, extra_mods_modules_json, debloat_disabled_json,
	debloat_add_system_json, debloat_add_product_json, mods_disabled_json, ff_overrides_json,
	created_at, updated_at, started_at, finished_at`

// Create inserts a new job row, assigning id and timestamps when unset.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = models.NewJobID()
	}
	if job.Kind == "" {
		job.Kind = models.KindBuild
	}
	if job.Status == "" {
		job.Status = models.StatusQueued
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `INSERT INTO build_jobs (` + jobColumns + `) VALUES (
		:id, :job_kind, :operation_name, :target, :source_commit,
		:source_firmware, :target_firmware, :version_major, :version_minor, :version_patch, :version_suffix,
		:build_signature, :force_build, :no_rom_zip, :status, :queue_job_id, :process_pid,
		:return_code, :error, :log_path, :artifact_path, :reused_from_job_id,
		:extra_mods_archive_path, :extra_mods_modules_json, :debloat_disabled_json,
		:debloat_add_system_json, :debloat_add_product_json, :mods_disabled_json, :ff_overrides_json,
		:created_at, :updated_at, :started_at, :finished_at)`
	_, err := r.db.NamedExecContext(ctx, query, job)
	return err
}

// GetByID retrieves a job by id. Returns nil when the job does not exist.
func (r *jobRepo) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job,
		"SELECT "+jobColumns+" FROM build_jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns recent jobs, newest first.
func (r *jobRepo) List(ctx context.Context, limit int) ([]*models.Job, error) {
	limit = clampLimit(limit)
	var jobs []*models.Job
	err := r.db.SelectContext(ctx, &jobs,
		"SELECT "+jobColumns+" FROM build_jobs ORDER BY created_at DESC LIMIT ?", limit)
	return jobs, err
}

// ListArtifacts returns finished jobs that still reference an artifact,
// newest first, optionally filtered by target.
func (r *jobRepo) ListArtifacts(ctx context.Context, target string, limit int) ([]*models.Job, error) {
	limit = clampLimit(limit)
	query := "SELECT " + jobColumns + ` FROM build_jobs
		WHERE artifact_path IS NOT NULL AND status IN ('succeeded', 'reused')`
	args := []any{}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	query += " ORDER BY finished_at DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	var jobs []*models.Job
	err := r.db.SelectContext(ctx, &jobs, query, args...)
	return jobs, err
}

func (r *jobRepo) SetQueueJobID(ctx context.Context, id, queueJobID string) error {
	return r.exec(ctx,
		"UPDATE build_jobs SET queue_job_id = ?, updated_at = ? WHERE id = ?",
		queueJobID, time.Now().UTC(), id)
}

// MarkRunning transitions a job into the running state and records where its
// merged output is being written.
func (r *jobRepo) MarkRunning(ctx context.Context, id, logPath string) error {
	now := time.Now().UTC()
	return r.exec(ctx,
		"UPDATE build_jobs SET status = 'running', started_at = ?, log_path = ?, updated_at = ? WHERE id = ?",
		now, logPath, now, id)
}

// SetProcessPID records (or clears, with nil) the process-group leader pid.
func (r *jobRepo) SetProcessPID(ctx context.Context, id string, pid *int) error {
	return r.exec(ctx,
		"UPDATE build_jobs SET process_pid = ?, updated_at = ? WHERE id = ?",
		pid, time.Now().UTC(), id)
}

func (r *jobRepo) SetErrorMessage(ctx context.Context, id, message string) error {
	return r.exec(ctx,
		"UPDATE build_jobs SET error = ?, updated_at = ? WHERE id = ?",
		message, time.Now().UTC(), id)
}

func (r *jobRepo) SetArtifactPath(ctx context.Context, id, artifactPath string) error {
	return r.exec(ctx,
		"UPDATE build_jobs SET artifact_path = ?, updated_at = ? WHERE id = ?",
		artifactPath, time.Now().UTC(), id)
}

// Finish moves a job into a terminal status. The guard keeps a job that was
// already canceled by the stopper from flipping to succeeded/failed when the
// supervisor returns.
func (r *jobRepo) Finish(ctx context.Context, id string, status models.JobStatus, returnCode *int, errMsg *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish with non-terminal status %q", status)
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE build_jobs SET status = ?, return_code = ?, error = COALESCE(?, error),
			process_pid = NULL, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('succeeded', 'failed', 'canceled', 'reused')`,
		status, returnCode, errMsg, now, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FindReusable returns the most recent succeeded/reused job with the given
// build signature that still references an artifact path. The caller must
// verify the file still exists on disk.
func (r *jobRepo) FindReusable(ctx context.Context, signature string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job,
		"SELECT "+jobColumns+` FROM build_jobs
		 WHERE build_signature = ? AND status IN ('succeeded', 'reused') AND artifact_path IS NOT NULL
		 ORDER BY finished_at DESC, created_at DESC LIMIT 1`, signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// LatestArtifactForTarget returns the newest finished job with an artifact
// for the target, or nil.
func (r *jobRepo) LatestArtifactForTarget(ctx context.Context, target string) (*models.Job, error) {
	var job models.Job
	err := r.db.GetContext(ctx, &job,
		"SELECT "+jobColumns+` FROM build_jobs
		 WHERE target = ? AND status IN ('succeeded', 'reused') AND artifact_path IS NOT NULL
		 ORDER BY finished_at DESC, created_at DESC LIMIT 1`, target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) exec(ctx context.Context, query string, args ...any) error {
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 200 {
		return 200
	}
	return limit
}
