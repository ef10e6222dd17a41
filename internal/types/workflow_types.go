package types

import (
	"encoding/json"
	"time"
)

// WorkflowRecord is the mutable header of a stored workflow. Content lives in versions.
type WorkflowRecord struct {
	ID            string    `json:"workflow_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	LatestVersion int       `json:"latest_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WorkflowVersion is an immutable snapshot of a workflow's content
type WorkflowVersion struct {
	WorkflowID string          `json:"workflow_id"`
	Version    int             `json:"version"`
	Payload    json.RawMessage `json:"workflow"`
	APIPayload json.RawMessage `json:"workflow_api,omitempty"`
	Comment    string          `json:"comment,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// WorkflowWithVersion bundles a record with one of its versions
type WorkflowWithVersion struct {
	WorkflowRecord
	Version *WorkflowVersion `json:"version"`
}

// MachineConfig is the single configuration record of this machine
type MachineConfig struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Fields    map[string]json.RawMessage `json:"config"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// JobExecution is the persisted history row of a job
type JobExecution struct {
	JobID       string     `json:"job_id"`
	WorkflowID  string     `json:"workflow_id,omitempty"`
	PromptID    string     `json:"prompt_id,omitempty"`
	State       JobState   `json:"state"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
