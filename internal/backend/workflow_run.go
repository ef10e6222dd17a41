package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/core"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const pendingRunsPath = "api/machine/workflow-run"

// Submitter enqueues jobs without waiting for them
type Submitter interface {
	Submit(ctx context.Context, req core.RunRequest, streaming bool) (*core.Job, error)
}

// WorkflowRunItem is one pending run handed out by the backend
type WorkflowRunItem struct {
	ID     string          `json:"id"`
	Prompt json.RawMessage `json:"prompt"`
}

// RunSummary reports what happened to a batch of pending runs
type RunSummary struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Queued    int      `json:"queued"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	JobIDs    []string `json:"job_ids"`
	Errors    []string `json:"errors"`
}

// WorkflowRunner pulls pending workflow runs from the backend and feeds them to the gateway,
// reporting queueing and failures back per run
type WorkflowRunner struct {
	client    *Client
	gateway   Submitter
	logger    *utils.LogsManager
	reportTTL time.Duration
}

func NewWorkflowRunner(client *Client, gateway Submitter, logger *utils.LogsManager) *WorkflowRunner {
	return &WorkflowRunner{
		client:    client,
		gateway:   gateway,
		logger:    logger,
		reportTTL: 30 * time.Second,
	}
}

// FetchPending asks the backend for the runs assigned to this machine
func (wr *WorkflowRunner) FetchPending(ctx context.Context) ([]WorkflowRunItem, error) {
	var items []WorkflowRunItem
	if err := wr.client.Get(ctx, pendingRunsPath, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// ProcessPending fetches pending runs and submits each, in the order the backend listed them
func (wr *WorkflowRunner) ProcessPending(ctx context.Context) (*RunSummary, error) {
	items, err := wr.FetchPending(ctx)
	if err != nil {
		return nil, err
	}
	wr.logger.Info(fmt.Sprintf("Fetched %d workflow runs from backend", len(items)), "backend")
	return wr.Process(ctx, items), nil
}

// Process submits items to the gateway. Invalid items are counted as failed and do not stop
// the batch.
func (wr *WorkflowRunner) Process(ctx context.Context, items []WorkflowRunItem) *RunSummary {
	summary := &RunSummary{Total: len(items), JobIDs: []string{}, Errors: []string{}}

	for _, item := range items {
		if item.ID == "" {
			summary.Failed++
			summary.Errors = append(summary.Errors, "missing item id")
			continue
		}
		payload := unwrapPrompt(item.Prompt)
		if len(payload) == 0 {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("missing prompt for item %s", item.ID))
			continue
		}

		summary.Processed++
		job, err := wr.gateway.Submit(ctx, core.RunRequest{Payload: payload}, false)
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("failed to queue item %s: %v", item.ID, err))
			wr.reportFailure(item.ID, err.Error())
			continue
		}

		summary.Queued++
		summary.JobIDs = append(summary.JobIDs, job.ID())
		wr.reportQueued(item.ID, job.ID())
		go wr.watch(item.ID, job)
	}

	wr.logger.Info(fmt.Sprintf("Workflow runs processed: %d queued, %d failed of %d", summary.Queued, summary.Failed, summary.Total), "backend")
	return summary
}

// unwrapPrompt accepts a prompt given as an object or as a JSON-encoded string
func unwrapPrompt(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil || s == "" {
			return nil
		}
		return json.RawMessage(s)
	}
	return trimmed
}

// watch reports a job that fails after it was queued
func (wr *WorkflowRunner) watch(runID string, job *core.Job) {
	<-job.Done()
	result := job.Result()
	if result.Status == types.JobStateFailed {
		wr.reportFailure(runID, result.Error)
	}
}

func (wr *WorkflowRunner) reportQueued(runID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), wr.reportTTL)
	defer cancel()

	body := map[string]string{"prompt_id": jobID}
	if err := wr.client.Post(ctx, fmt.Sprintf("api/workflow-run/%s/queue", runID), body, nil); err != nil {
		wr.logger.Warn(fmt.Sprintf("Failed to report queued run %s: %v", runID, err), "backend")
	}
}

func (wr *WorkflowRunner) reportFailure(runID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), wr.reportTTL)
	defer cancel()

	body := map[string]string{"status": "failed", "error": message}
	if err := wr.client.Post(ctx, fmt.Sprintf("api/workflow-run/%s", runID), body, nil); err != nil {
		wr.logger.Warn(fmt.Sprintf("Failed to report failed run %s: %v", runID, err), "backend")
	}
}
