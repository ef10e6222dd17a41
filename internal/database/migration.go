package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// migration is one forward-only schema step
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "workflows and versions",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS workflows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				latest_version INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_versions (
				workflow_id TEXT NOT NULL,
				version INTEGER NOT NULL,
				payload TEXT NOT NULL,
				api_payload TEXT,
				comment TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				PRIMARY KEY (workflow_id, version),
				FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_workflows_updated ON workflows(updated_at)`,
		},
	},
	{
		version:     2,
		description: "machines",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS machines (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL DEFAULT '',
				config TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version:     3,
		description: "file hashes and job history",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS file_hashes (
				filename TEXT PRIMARY KEY,
				hash TEXT NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS job_executions (
				job_id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL DEFAULT '',
				prompt_id TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				completed_at INTEGER
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_executions_created ON job_executions(created_at)`,
		},
	},
	{
		version:     4,
		description: "application settings",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS app_settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
			)`,
		},
	},
}

// MigrationManager handles database schema migrations
type MigrationManager struct {
	db     *sql.DB
	logger *utils.LogsManager
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(db *sql.DB, logger *utils.LogsManager) *MigrationManager {
	return &MigrationManager{
		db:     db,
		logger: logger,
	}
}

// Migrate applies every migration newer than the recorded schema version, each in its own transaction
func (mm *MigrationManager) Migrate(ctx context.Context) error {
	if _, err := mm.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %v", err)
	}

	current, err := mm.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := mm.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %v", m.version, m.description, err)
		}
		mm.logger.Info(fmt.Sprintf("Applied migration %d: %s", m.version, m.description), "database")
	}

	return nil
}

// CurrentVersion returns the highest applied migration, 0 for a fresh database
func (mm *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := mm.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %v", err)
	}
	return int(version.Int64), nil
}

func (mm *MigrationManager) apply(ctx context.Context, m migration) error {
	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	for _, statement := range m.statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.version, m.description); err != nil {
		return err
	}

	return tx.Commit()
}
