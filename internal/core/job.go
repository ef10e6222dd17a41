package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

// Job is one workflow execution. Its events form an append-only log that ends with
// exactly one terminal event; subscribers replay the log from the start.
type Job struct {
	id         string
	workflowID string
	prompt     workflow.Prompt
	streaming  bool

	mu          sync.Mutex
	state       types.JobState
	promptID    string
	err         error
	outputs     map[string]json.RawMessage
	events      []types.ProgressEvent
	changed     chan struct{}
	done        chan struct{}
	cancel      context.CancelFunc
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
}

func newJob(id, workflowID string, prompt workflow.Prompt, streaming bool) *Job {
	return &Job{
		id:         id,
		workflowID: workflowID,
		prompt:     prompt,
		streaming:  streaming,
		state:      types.JobStateQueued,
		changed:    make(chan struct{}),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
	}
}

func (j *Job) ID() string {
	return j.id
}

// Done is closed once the job reached a terminal state
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) State() types.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// appendLocked stamps and records an event. Events after the terminal one are dropped.
func (j *Job) appendLocked(event types.ProgressEvent) {
	if n := len(j.events); n > 0 && j.events[n-1].Type.IsTerminal() {
		return
	}

	event.JobID = j.id
	event.Seq = len(j.events)
	event.Timestamp = time.Now().UnixMilli()
	j.events = append(j.events, event)

	close(j.changed)
	j.changed = make(chan struct{})
}

func (j *Job) queued() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.appendLocked(types.ProgressEvent{Type: types.EventQueued})
}

// Started implements types.ExecutionSink
func (j *Job) Started(promptID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.promptID = promptID
}

// Emit implements types.ExecutionSink
func (j *Job) Emit(event types.ProgressEvent) {
	// terminal events are owned by the job itself
	if event.Type.IsTerminal() || event.Type == types.EventQueued {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return
	}
	j.appendLocked(event)
}

// begin claims the execution slot. Returns false when the job was interrupted while queued.
func (j *Job) begin(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.IsTerminal() {
		return false
	}

	now := time.Now()
	j.startedAt = &now
	j.cancel = cancel
	if j.streaming {
		j.state = types.JobStateStreaming
	} else {
		j.state = types.JobStateRunning
	}
	return true
}

// finish records the executor's result. A job already terminal (interrupted) keeps its state.
func (j *Job) finish(outcome *types.ExecutionOutcome, execErr error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.IsTerminal() {
		return false
	}

	if outcome != nil {
		if outcome.PromptID != "" {
			j.promptID = outcome.PromptID
		}
		j.outputs = outcome.Outputs
	}

	switch {
	case execErr == nil:
		output, _ := json.Marshal(j.outputs)
		j.terminateLocked(types.JobStateCompleted, nil, types.ProgressEvent{Type: types.EventCompleted, Output: output})
	case errors.Is(execErr, types.ErrInterrupted) || errors.Is(execErr, context.Canceled):
		j.terminateLocked(types.JobStateInterrupted, nil, types.ProgressEvent{Type: types.EventInterrupted})
	default:
		j.terminateLocked(types.JobStateFailed, execErr, types.ProgressEvent{Type: types.EventError, Error: execErr.Error()})
	}
	return true
}

// interrupt moves a live job to Interrupted and signals the executor
func (j *Job) interrupt() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.IsTerminal() {
		return types.ErrAlreadyTerminal
	}

	j.terminateLocked(types.JobStateInterrupted, nil, types.ProgressEvent{Type: types.EventInterrupted})
	if j.cancel != nil {
		j.cancel()
	}
	return nil
}

func (j *Job) terminateLocked(state types.JobState, err error, event types.ProgressEvent) {
	now := time.Now()
	j.state = state
	j.err = err
	j.completedAt = &now
	j.appendLocked(event)
	close(j.done)
}

// Events streams the job's event log from the first event. The channel closes after the
// terminal event or when ctx ends; ending ctx never affects the job.
func (j *Job) Events(ctx context.Context) <-chan types.ProgressEvent {
	out := make(chan types.ProgressEvent)

	go func() {
		defer close(out)
		next := 0
		for {
			j.mu.Lock()
			pending := append([]types.ProgressEvent(nil), j.events[next:]...)
			changed := j.changed
			j.mu.Unlock()

			for _, event := range pending {
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				next++
				if event.Type.IsTerminal() {
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Result is the job outcome handed to blocking callers
func (j *Job) Result() *types.JobResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	result := &types.JobResult{
		JobID:    j.id,
		PromptID: j.promptID,
		Status:   j.state,
		Outputs:  j.outputs,
	}
	if j.err != nil {
		result.Error = j.err.Error()
	}
	if j.startedAt != nil {
		end := time.Now()
		if j.completedAt != nil {
			end = *j.completedAt
		}
		result.Duration = end.Sub(*j.startedAt).Seconds()
	}
	return result
}

// Err is the failure of a Failed job
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *Job) Snapshot() types.JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snapshot := types.JobSnapshot{
		ID:          j.id,
		State:       j.state,
		PromptID:    j.promptID,
		EventCount:  len(j.events),
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
	if j.err != nil {
		snapshot.Error = j.err.Error()
	}
	return snapshot
}

func (j *Job) execution() *types.JobExecution {
	j.mu.Lock()
	defer j.mu.Unlock()

	execution := &types.JobExecution{
		JobID:       j.id,
		WorkflowID:  j.workflowID,
		PromptID:    j.promptID,
		State:       j.state,
		CreatedAt:   j.createdAt,
		CompletedAt: j.completedAt,
	}
	if j.err != nil {
		execution.Error = j.err.Error()
	}
	return execution
}
