package types

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a workflow execution
type JobState string

const (
	JobStateQueued      JobState = "queued"
	JobStateRunning     JobState = "running"
	JobStateStreaming   JobState = "streaming"
	JobStateCompleted   JobState = "completed"
	JobStateInterrupted JobState = "interrupted"
	JobStateFailed      JobState = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateInterrupted || s == JobStateFailed
}

// EventType names an execution milestone
type EventType string

const (
	EventQueued        EventType = "queued"
	EventNodeStarted   EventType = "node-started"
	EventNodeCompleted EventType = "node-completed"
	EventProgress      EventType = "progress"
	EventCompleted     EventType = "completed"
	EventInterrupted   EventType = "interrupted"
	EventError         EventType = "error"
)

// IsTerminal reports whether the event closes a job's event sequence
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventInterrupted || t == EventError
}

// ProgressEvent is one milestone in a job's ordered event sequence
type ProgressEvent struct {
	JobID     string          `json:"job_id"`
	Seq       int             `json:"seq"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	NodeType  string          `json:"node_type,omitempty"`
	Value     int             `json:"value,omitempty"`
	Max       int             `json:"max,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// JobResult is what a finished job hands back to blocking callers
type JobResult struct {
	JobID    string                     `json:"job_id"`
	PromptID string                     `json:"prompt_id,omitempty"`
	Status   JobState                   `json:"status"`
	Outputs  map[string]json.RawMessage `json:"outputs,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Duration float64                    `json:"duration_seconds"`
}

// JobSnapshot is a point-in-time view of a job for status endpoints
type JobSnapshot struct {
	ID          string     `json:"id"`
	State       JobState   `json:"state"`
	PromptID    string     `json:"prompt_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	EventCount  int        `json:"event_count"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionSink receives what an executor observes while running a job. The gateway
// stamps job id, sequence number and timestamp on emitted events.
type ExecutionSink interface {
	Started(promptID string)
	Emit(event ProgressEvent)
}

// ExecutionOutcome is what an executor hands back once a prompt finished
type ExecutionOutcome struct {
	PromptID string
	Outputs  map[string]json.RawMessage
}
