package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/google/uuid"
)

// WorkflowContent is the body of a new workflow version
type WorkflowContent struct {
	Payload    json.RawMessage
	APIPayload json.RawMessage
	Comment    string
}

const workflowColumns = "id, name, description, latest_version, created_at, updated_at"

const versionColumns = "workflow_id, version, payload, api_payload, comment, created_at"

func scanWorkflow(scan func(dest ...interface{}) error) (*types.WorkflowRecord, error) {
	var record types.WorkflowRecord
	var createdAt, updatedAt int64
	if err := scan(&record.ID, &record.Name, &record.Description, &record.LatestVersion, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return &record, nil
}

func scanVersion(scan func(dest ...interface{}) error) (*types.WorkflowVersion, error) {
	var version types.WorkflowVersion
	var payload string
	var apiPayload sql.NullString
	var createdAt int64
	if err := scan(&version.WorkflowID, &version.Version, &payload, &apiPayload, &version.Comment, &createdAt); err != nil {
		return nil, err
	}
	version.Payload = json.RawMessage(payload)
	if apiPayload.Valid && apiPayload.String != "" {
		version.APIPayload = json.RawMessage(apiPayload.String)
	}
	version.CreatedAt = fromMillis(createdAt)
	return &version, nil
}

// CreateWorkflow stores a new workflow together with its first version.
// An empty id gets a generated UUID.
func (sqlm *SQLiteManager) CreateWorkflow(ctx context.Context, id, name, description string, content WorkflowContent) (*types.WorkflowWithVersion, error) {
	if len(content.Payload) == 0 {
		return nil, types.InvalidInput("workflow payload is required")
	}
	if id == "" {
		id = uuid.New().String()
	}
	if name == "" {
		name = id
	}

	tx, err := sqlm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM workflows WHERE id = ?", id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check workflow %s: %v", id, err)
	}
	if exists > 0 {
		return nil, types.Conflict("workflow %s already exists", id)
	}

	now := time.Now()
	if _, err := ExecWithLogging(ctx, tx,
		"INSERT INTO workflows (id, name, description, latest_version, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)",
		sqlm.logger, "database", id, name, description, toMillis(now), toMillis(now)); err != nil {
		return nil, fmt.Errorf("failed to insert workflow: %v", err)
	}

	version, err := sqlm.appendVersion(ctx, tx, id, content, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit workflow: %v", err)
	}

	sqlm.logger.Info(fmt.Sprintf("Workflow created: %s (%s)", name, id), "database")

	return &types.WorkflowWithVersion{
		WorkflowRecord: types.WorkflowRecord{
			ID:            id,
			Name:          name,
			Description:   description,
			LatestVersion: version.Version,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Version: version,
	}, nil
}

// UpdateWorkflow renames the workflow and, when content is given, appends a new version.
// Existing versions are never modified.
func (sqlm *SQLiteManager) UpdateWorkflow(ctx context.Context, id, name, description string, content *WorkflowContent) (*types.WorkflowWithVersion, error) {
	tx, err := sqlm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := ExecWithAffectedRowsCheck(ctx, tx, `
		UPDATE workflows SET
			name = CASE WHEN ? = '' THEN name ELSE ? END,
			description = CASE WHEN ? = '' THEN description ELSE ? END,
			updated_at = ?
		WHERE id = ?`,
		sqlm.logger, "database", name, name, description, description, toMillis(now), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFound("workflow %s not found", id)
		}
		return nil, fmt.Errorf("failed to update workflow %s: %v", id, err)
	}

	var version *types.WorkflowVersion
	if content != nil {
		version, err = sqlm.appendVersion(ctx, tx, id, *content, now)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit workflow update: %v", err)
	}

	return sqlm.getWorkflowWithVersion(ctx, id, version)
}

// AddWorkflowVersion appends a version to an existing workflow
func (sqlm *SQLiteManager) AddWorkflowVersion(ctx context.Context, id string, content WorkflowContent) (*types.WorkflowVersion, error) {
	tx, err := sqlm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	version, err := sqlm.appendVersion(ctx, tx, id, content, time.Now())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit workflow version: %v", err)
	}

	sqlm.logger.Info(fmt.Sprintf("Workflow %s version %d created", id, version.Version), "database")
	return version, nil
}

// appendVersion bumps latest_version first so concurrent writers serialize on the row lock
func (sqlm *SQLiteManager) appendVersion(ctx context.Context, tx *sql.Tx, id string, content WorkflowContent, now time.Time) (*types.WorkflowVersion, error) {
	if len(content.Payload) == 0 {
		return nil, types.InvalidInput("workflow payload is required")
	}
	if !json.Valid(content.Payload) {
		return nil, types.InvalidInput("workflow payload is not valid JSON")
	}
	if len(content.APIPayload) > 0 && !json.Valid(content.APIPayload) {
		return nil, types.InvalidInput("workflow_api payload is not valid JSON")
	}

	if _, err := ExecWithAffectedRowsCheck(ctx, tx,
		"UPDATE workflows SET latest_version = latest_version + 1, updated_at = ? WHERE id = ?",
		sqlm.logger, "database", toMillis(now), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFound("workflow %s not found", id)
		}
		return nil, fmt.Errorf("failed to bump workflow version: %v", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx, "SELECT latest_version FROM workflows WHERE id = ?", id).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to read workflow version: %v", err)
	}

	var apiPayload sql.NullString
	if len(content.APIPayload) > 0 {
		apiPayload = sql.NullString{String: string(content.APIPayload), Valid: true}
	}

	if _, err := ExecWithLogging(ctx, tx,
		"INSERT INTO workflow_versions ("+versionColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		sqlm.logger, "database", id, next, string(content.Payload), apiPayload, content.Comment, toMillis(now)); err != nil {
		return nil, fmt.Errorf("failed to insert workflow version: %v", err)
	}

	return &types.WorkflowVersion{
		WorkflowID: id,
		Version:    next,
		Payload:    content.Payload,
		APIPayload: content.APIPayload,
		Comment:    content.Comment,
		CreatedAt:  now,
	}, nil
}

// ListWorkflows returns all workflows, most recently updated first
func (sqlm *SQLiteManager) ListWorkflows(ctx context.Context) ([]*types.WorkflowRecord, error) {
	return QueryRows(ctx, sqlm.db,
		"SELECT "+workflowColumns+" FROM workflows ORDER BY updated_at DESC, id",
		func(rows *sql.Rows) (*types.WorkflowRecord, error) { return scanWorkflow(rows.Scan) },
		sqlm.logger, "database")
}

// GetWorkflow returns a workflow with its latest version
func (sqlm *SQLiteManager) GetWorkflow(ctx context.Context, id string) (*types.WorkflowWithVersion, error) {
	return sqlm.getWorkflowWithVersion(ctx, id, nil)
}

func (sqlm *SQLiteManager) getWorkflowWithVersion(ctx context.Context, id string, version *types.WorkflowVersion) (*types.WorkflowWithVersion, error) {
	record, err := QueryRowSingle(ctx, sqlm.db,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?",
		func(row *sql.Row) (*types.WorkflowRecord, error) { return scanWorkflow(row.Scan) },
		sqlm.logger, "database", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %v", id, err)
	}
	if record == nil {
		return nil, types.NotFound("workflow %s not found", id)
	}

	if version == nil {
		version, err = sqlm.GetWorkflowVersion(ctx, id, record.LatestVersion)
		if err != nil {
			return nil, err
		}
	}

	return &types.WorkflowWithVersion{WorkflowRecord: *record, Version: version}, nil
}

// ListWorkflowVersions returns every version of a workflow, oldest first
func (sqlm *SQLiteManager) ListWorkflowVersions(ctx context.Context, id string) ([]*types.WorkflowVersion, error) {
	versions, err := QueryRows(ctx, sqlm.db,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = ? ORDER BY version",
		func(rows *sql.Rows) (*types.WorkflowVersion, error) { return scanVersion(rows.Scan) },
		sqlm.logger, "database", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of workflow %s: %v", id, err)
	}
	if len(versions) == 0 {
		return nil, types.NotFound("workflow %s not found", id)
	}
	return versions, nil
}

// GetWorkflowVersion returns one specific version
func (sqlm *SQLiteManager) GetWorkflowVersion(ctx context.Context, id string, version int) (*types.WorkflowVersion, error) {
	result, err := QueryRowSingle(ctx, sqlm.db,
		"SELECT "+versionColumns+" FROM workflow_versions WHERE workflow_id = ? AND version = ?",
		func(row *sql.Row) (*types.WorkflowVersion, error) { return scanVersion(row.Scan) },
		sqlm.logger, "database", id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s version %d: %v", id, version, err)
	}
	if result == nil {
		return nil, types.NotFound("workflow %s version %d not found", id, version)
	}
	return result, nil
}
