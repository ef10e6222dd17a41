package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

func scanJobExecution(scan func(dest ...interface{}) error) (*types.JobExecution, error) {
	var execution types.JobExecution
	var state string
	var createdAt int64
	var completedAt sql.NullInt64
	if err := scan(&execution.JobID, &execution.WorkflowID, &execution.PromptID, &state,
		&execution.Error, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	execution.State = types.JobState(state)
	execution.CreatedAt = fromMillis(createdAt)
	execution.CompletedAt = ScanNullableTime(completedAt)
	return &execution, nil
}

// SaveJobExecution inserts or updates the history row of a job
func (sqlm *SQLiteManager) SaveJobExecution(ctx context.Context, execution *types.JobExecution) error {
	_, err := ExecWithLogging(ctx, sqlm.db, `
		INSERT INTO job_executions (job_id, workflow_id, prompt_id, state, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			prompt_id = excluded.prompt_id,
			state = excluded.state,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		sqlm.logger, "database",
		execution.JobID, execution.WorkflowID, execution.PromptID, string(execution.State),
		execution.Error, toMillis(execution.CreatedAt), nullableMillis(execution.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save job execution %s: %v", execution.JobID, err)
	}
	return nil
}

// GetJobExecution returns the history row of a job
func (sqlm *SQLiteManager) GetJobExecution(ctx context.Context, jobID string) (*types.JobExecution, error) {
	execution, err := QueryRowSingle(ctx, sqlm.db,
		"SELECT job_id, workflow_id, prompt_id, state, error, created_at, completed_at FROM job_executions WHERE job_id = ?",
		func(row *sql.Row) (*types.JobExecution, error) { return scanJobExecution(row.Scan) },
		sqlm.logger, "database", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job execution %s: %v", jobID, err)
	}
	if execution == nil {
		return nil, types.NotFound("job %s not found", jobID)
	}
	return execution, nil
}

// ListJobExecutions returns the most recent jobs first
func (sqlm *SQLiteManager) ListJobExecutions(ctx context.Context, limit int) ([]*types.JobExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	return QueryRows(ctx, sqlm.db,
		"SELECT job_id, workflow_id, prompt_id, state, error, created_at, completed_at FROM job_executions ORDER BY created_at DESC LIMIT ?",
		func(rows *sql.Rows) (*types.JobExecution, error) { return scanJobExecution(rows.Scan) },
		sqlm.logger, "database", limit)
}
