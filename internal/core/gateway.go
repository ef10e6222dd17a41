package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workers"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

// Executor runs one prompt to completion, reporting milestones to sink. Cancelling ctx
// must stop the execution as soon as practical.
type Executor interface {
	Execute(ctx context.Context, jobID string, prompt workflow.Prompt, sink types.ExecutionSink) (*types.ExecutionOutcome, error)
}

// ObjectInfoSource provides node definitions for conversion and validation
type ObjectInfoSource interface {
	ObjectInfo(ctx context.Context) (workflow.ObjectInfo, error)
}

// JobStore persists job history
type JobStore interface {
	SaveJobExecution(ctx context.Context, execution *types.JobExecution) error
}

// RunRequest is a workflow execution request. Payload is a UI graph or an API prompt.
type RunRequest struct {
	Payload    json.RawMessage
	Params     map[string]json.RawMessage
	WorkflowID string
}

// Gateway accepts execution requests and serves them in arrival order on a fixed
// number of execution slots.
type Gateway struct {
	ctx        context.Context
	cancel     context.CancelFunc
	executor   Executor
	objectInfo ObjectInfoSource
	store      JobStore
	pool       *workers.WorkerPool
	retention  time.Duration
	logger     *utils.LogsManager

	mu        sync.RWMutex
	jobs      map[string]*Job
	listeners []func(types.JobSnapshot)
}

func NewGateway(ctx context.Context, executor Executor, objectInfo ObjectInfoSource, store JobStore, cm *utils.ConfigManager, logger *utils.LogsManager) *Gateway {
	gctx, cancel := context.WithCancel(ctx)
	slots := cm.GetConfigInt("execution_slots", 1, 1, 64)

	return &Gateway{
		ctx:        gctx,
		cancel:     cancel,
		executor:   executor,
		objectInfo: objectInfo,
		store:      store,
		pool:       workers.NewWorkerPool(gctx, "execution", slots, logger),
		retention:  cm.GetConfigDuration("job_retention", time.Hour),
		logger:     logger,
		jobs:       make(map[string]*Job),
	}
}

// Start launches the execution slots
func (g *Gateway) Start() {
	g.logger.Info("Starting job execution gateway", "gateway")
	g.pool.Start()
}

// Stop cancels running jobs and interrupts queued ones
func (g *Gateway) Stop() {
	g.logger.Info("Stopping job execution gateway", "gateway")
	g.pool.Stop()
	g.cancel()

	g.mu.RLock()
	pending := make([]*Job, 0, len(g.jobs))
	for _, job := range g.jobs {
		pending = append(pending, job)
	}
	g.mu.RUnlock()

	for _, job := range pending {
		if err := job.interrupt(); err == nil {
			g.persist(job)
		}
	}
}

// OnJobChange registers fn to receive a snapshot on every job state change
func (g *Gateway) OnJobChange(fn func(types.JobSnapshot)) {
	g.mu.Lock()
	g.listeners = append(g.listeners, fn)
	g.mu.Unlock()
}

func (g *Gateway) notify(job *Job) {
	g.mu.RLock()
	listeners := append([]func(types.JobSnapshot){}, g.listeners...)
	g.mu.RUnlock()

	snapshot := job.Snapshot()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Prepare turns a request payload into a validated API prompt with params applied
func (g *Gateway) Prepare(ctx context.Context, req RunRequest) (workflow.Prompt, error) {
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return nil, types.InvalidInput("workflow payload is required")
	}

	var info workflow.ObjectInfo
	if g.objectInfo != nil {
		var err error
		if info, err = g.objectInfo.ObjectInfo(ctx); err != nil {
			g.logger.Debug(fmt.Sprintf("Object info unavailable, converting without node definitions: %v", err), "gateway")
		}
	}

	prompt, err := workflow.NewConverter(info, g.logger).Normalize(req.Payload)
	if err != nil {
		return nil, err
	}

	unmatched, err := workflow.ApplyParams(prompt, req.Params)
	if err != nil {
		return nil, err
	}
	if len(unmatched) > 0 {
		g.logger.Warn(fmt.Sprintf("Run params without a matching input: %s", strings.Join(unmatched, ", ")), "gateway")
	}

	if result := workflow.Validate(prompt, info); !result.Valid {
		return nil, types.InvalidInput("%s", result.Error())
	}
	return prompt, nil
}

// Submit validates and enqueues a job without waiting for it
func (g *Gateway) Submit(ctx context.Context, req RunRequest, streaming bool) (*Job, error) {
	prompt, err := g.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	job := newJob(uuid.New().String(), req.WorkflowID, prompt, streaming)

	g.mu.Lock()
	g.jobs[job.id] = job
	g.mu.Unlock()

	job.queued()
	g.persist(job)
	g.notify(job)

	if err := g.pool.Submit(func(poolCtx context.Context) { g.execute(poolCtx, job) }); err != nil {
		job.finish(nil, types.Unavailable("job execution gateway is shutting down"))
		g.persist(job)
		g.notify(job)
		// the caller never receives the id, so nothing can look the job up
		g.mu.Lock()
		delete(g.jobs, job.id)
		g.mu.Unlock()
		return nil, types.Wrap(types.ErrorKindUnavailable, err, "failed to enqueue job")
	}

	g.logger.Info(fmt.Sprintf("Job %s queued (%d nodes, %d waiting)", job.id, len(prompt), g.pool.QueueLength()), "gateway")
	return job, nil
}

// Run executes a workflow and blocks until it finishes. The job keeps running when ctx
// ends before that.
func (g *Gateway) Run(ctx context.Context, req RunRequest) (*types.JobResult, error) {
	job, err := g.Submit(ctx, req, false)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		return job.Result(), ctx.Err()
	}

	result := job.Result()
	if result.Status == types.JobStateFailed {
		err := job.Err()
		if types.KindOf(err) == types.ErrorKindInternal {
			err = types.Wrap(types.ErrorKindExecution, err, "workflow execution failed")
		}
		return result, err
	}
	return result, nil
}

// RunStreaming enqueues a workflow and returns its event stream. The stream ends with
// the terminal event or when ctx ends; ending ctx does not affect the job.
func (g *Gateway) RunStreaming(ctx context.Context, req RunRequest) (*Job, <-chan types.ProgressEvent, error) {
	job, err := g.Submit(ctx, req, true)
	if err != nil {
		return nil, nil, err
	}
	return job, job.Events(ctx), nil
}

// Interrupt stops a queued or running job
func (g *Gateway) Interrupt(jobID string) error {
	job, err := g.Get(jobID)
	if err != nil {
		return err
	}
	if err := job.interrupt(); err != nil {
		return err
	}

	g.logger.Info(fmt.Sprintf("Job %s interrupted", jobID), "gateway")
	g.persist(job)
	g.notify(job)
	g.scheduleEviction(job)
	return nil
}

func (g *Gateway) execute(poolCtx context.Context, job *Job) {
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()

	if !job.begin(cancel) {
		g.logger.Debug(fmt.Sprintf("Skipping job %s, it was interrupted while queued", job.id), "gateway")
		return
	}
	g.notify(job)
	g.logger.Info(fmt.Sprintf("Job %s started", job.id), "gateway")

	outcome, err := g.executor.Execute(ctx, job.id, job.prompt, job)
	if !job.finish(outcome, err) {
		return
	}

	if err != nil && job.State() == types.JobStateFailed {
		g.logger.Error(fmt.Sprintf("Job %s failed: %v", job.id, err), "gateway")
	} else {
		g.logger.Info(fmt.Sprintf("Job %s finished: %s", job.id, job.State()), "gateway")
	}
	g.persist(job)
	g.notify(job)
	g.scheduleEviction(job)
}

func (g *Gateway) persist(job *Job) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := g.store.SaveJobExecution(ctx, job.execution()); err != nil {
		g.logger.Warn(fmt.Sprintf("Failed to persist job %s: %v", job.id, err), "gateway")
	}
}

// scheduleEviction forgets a terminal job after the retention period
func (g *Gateway) scheduleEviction(job *Job) {
	time.AfterFunc(g.retention, func() {
		g.mu.Lock()
		delete(g.jobs, job.id)
		g.mu.Unlock()
	})
}

// Get returns a job known to the gateway
func (g *Gateway) Get(jobID string) (*Job, error) {
	g.mu.RLock()
	job, ok := g.jobs[jobID]
	g.mu.RUnlock()

	if !ok {
		return nil, types.NotFound("job %s not found", jobID)
	}
	return job, nil
}

// List returns snapshots of all retained jobs, oldest first
func (g *Gateway) List() []types.JobSnapshot {
	g.mu.RLock()
	snapshots := make([]types.JobSnapshot, 0, len(g.jobs))
	for _, job := range g.jobs {
		snapshots = append(snapshots, job.Snapshot())
	}
	g.mu.RUnlock()

	sort.Slice(snapshots, func(i, k int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[k].CreatedAt)
	})
	return snapshots
}

// QueueLength is the number of jobs waiting for a slot
func (g *Gateway) QueueLength() int {
	return g.pool.QueueLength()
}

// ActiveJobs is the number of occupied execution slots
func (g *Gateway) ActiveJobs() int {
	return g.pool.ActiveWorkers()
}
