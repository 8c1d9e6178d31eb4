// Package database provides database connection utilities.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/unica-wb/backend/internal/config"
)

// SQLite wraps the job/settings store.
type SQLite struct {
	db *sqlx.DB
}

// NewSQLite opens the SQLite store and verifies the connection.
func NewSQLite(cfg config.DatabaseConfig) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLite{db: db}, nil
}

// DB returns the underlying sqlx handle.
func (s *SQLite) DB() *sqlx.DB {
	return s.db
}

// Close closes the store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the store connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	var one int
	return s.db.GetContext(ctx, &one, "SELECT 1")
}

const createJobsTable = `
CREATE TABLE IF NOT EXISTS build_jobs (
	id VARCHAR(36) PRIMARY KEY,
	target VARCHAR(64) NOT NULL,
	status VARCHAR(24) NOT NULL DEFAULT 'queued',
	force_build BOOLEAN NOT NULL DEFAULT 0,
	no_rom_zip BOOLEAN NOT NULL DEFAULT 0,
	queue_job_id VARCHAR(64),
	return_code INTEGER,
	error TEXT,
	log_path TEXT,
	artifact_path TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
)`

const createSettingsTable = `
CREATE TABLE IF NOT EXISTS app_settings (
	key VARCHAR(64) PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
)`

// migration is one forward-only column addition.
type migration struct {
	column string
	ddl    string
}

// Columns are only ever appended, never dropped or renamed. Each entry is
// applied when the column is missing from an existing deployment.
var jobColumnMigrations = []migration{
	{"source_commit", "ALTER TABLE build_jobs ADD COLUMN source_commit VARCHAR(64) DEFAULT 'unknown'"},
	{"reused_from_job_id", "ALTER TABLE build_jobs ADD COLUMN reused_from_job_id VARCHAR(36)"},
	{"source_firmware", "ALTER TABLE build_jobs ADD COLUMN source_firmware VARCHAR(128)"},
	{"target_firmware", "ALTER TABLE build_jobs ADD COLUMN target_firmware VARCHAR(128)"},
	{"version_major", "ALTER TABLE build_jobs ADD COLUMN version_major INTEGER"},
	{"version_minor", "ALTER TABLE build_jobs ADD COLUMN version_minor INTEGER"},
	{"version_patch", "ALTER TABLE build_jobs ADD COLUMN version_patch INTEGER"},
	{"version_suffix", "ALTER TABLE build_jobs ADD COLUMN version_suffix VARCHAR(64)"},
	{"build_signature", "ALTER TABLE build_jobs ADD COLUMN build_signature VARCHAR(128)"},
	{"process_pid", "ALTER TABLE build_jobs ADD COLUMN process_pid INTEGER"},
	{"job_kind", "ALTER TABLE build_jobs ADD COLUMN job_kind VARCHAR(32) DEFAULT 'build'"},
	{"operation_name", "ALTER TABLE build_jobs ADD COLUMN operation_name VARCHAR(128)"},
	{"extra_mods_archive_path", "ALTER TABLE build_jobs ADD COLUMN extra_mods_archive_path TEXT"},
	{"extra_mods_modules_json", "ALTER TABLE build_jobs ADD COLUMN extra_mods_modules_json TEXT"},
	{"debloat_disabled_json", "ALTER TABLE build_jobs ADD COLUMN debloat_disabled_json TEXT"},
	{"debloat_add_system_json", "ALTER TABLE build_jobs ADD COLUMN debloat_add_system_json TEXT"},
	{"debloat_add_product_json", "ALTER TABLE build_jobs ADD COLUMN debloat_add_product_json TEXT"},
	{"mods_disabled_json", "ALTER TABLE build_jobs ADD COLUMN mods_disabled_json TEXT"},
	{"ff_overrides_json", "ALTER TABLE build_jobs ADD COLUMN ff_overrides_json TEXT"},
}

// RunMigrations creates the tables and applies forward-only column additions.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create build_jobs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createSettingsTable); err != nil {
		return fmt.Errorf("create app_settings: %w", err)
	}

	existing, err := s.tableColumns(ctx, "build_jobs")
	if err != nil {
		return err
	}

	addedSignature := false
	for _, m := range jobColumnMigrations {
		if existing[m.column] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", m.column, err)
		}
		if m.column == "build_signature" {
			addedSignature = true
		}
	}

	if addedSignature || !existing["build_signature"] {
		if _, err := s.db.ExecContext(ctx,
			"CREATE INDEX IF NOT EXISTS ix_build_jobs_build_signature ON build_jobs (build_signature)"); err != nil {
			return fmt.Errorf("create build_signature index: %w", err)
		}
	}
	return nil
}

func (s *SQLite) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
