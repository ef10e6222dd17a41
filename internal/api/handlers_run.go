package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/comfy"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/core"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

const sseKeepAlive = 15 * time.Second

// RunBody is the body of run, run/streaming and queue-prompt. The payload is taken from
// workflow_api, prompt or workflow, in that order; with none of them the latest stored
// version of workflow_id runs.
type RunBody struct {
	Workflow    json.RawMessage            `json:"workflow,omitempty"`
	WorkflowAPI json.RawMessage            `json:"workflow_api,omitempty"`
	Prompt      json.RawMessage            `json:"prompt,omitempty"`
	WorkflowID  string                     `json:"workflow_id,omitempty"`
	Params      map[string]json.RawMessage `json:"params,omitempty"`
	Inputs      map[string]json.RawMessage `json:"inputs,omitempty"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// runRequest resolves a RunBody into a gateway request
func (s *APIServer) runRequest(ctx context.Context, body *RunBody) (core.RunRequest, error) {
	req := core.RunRequest{WorkflowID: body.WorkflowID, Params: body.Params}
	if len(body.Inputs) > 0 {
		if req.Params == nil {
			req.Params = make(map[string]json.RawMessage, len(body.Inputs))
		}
		for k, v := range body.Inputs {
			if _, ok := req.Params[k]; !ok {
				req.Params[k] = v
			}
		}
	}

	switch {
	case present(body.WorkflowAPI):
		req.Payload = body.WorkflowAPI
	case present(body.Prompt):
		req.Payload = body.Prompt
	case present(body.Workflow):
		req.Payload = body.Workflow
	case body.WorkflowID != "" && s.deps.DB != nil:
		stored, err := s.deps.DB.GetWorkflow(ctx, body.WorkflowID)
		if err != nil {
			return req, err
		}
		if stored.Version == nil {
			return req, types.NotFound("workflow %s has no versions", body.WorkflowID)
		}
		req.Payload = stored.Version.Payload
		if present(stored.Version.APIPayload) {
			req.Payload = stored.Version.APIPayload
		}
	default:
		return req, types.InvalidInput("workflow payload is required")
	}
	return req, nil
}

func (s *APIServer) gateway(w http.ResponseWriter) (*core.Gateway, bool) {
	if s.deps.Gateway == nil {
		s.sendError(w, types.Unavailable("job execution gateway is not running"))
		return nil, false
	}
	return s.deps.Gateway, true
}

// handleRun executes a workflow and answers once it reached a terminal state
func (s *APIServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	gw, ok := s.gateway(w)
	if !ok {
		return
	}

	var body RunBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}
	req, err := s.runRequest(r.Context(), &body)
	if err != nil {
		s.sendError(w, err)
		return
	}

	result, err := gw.Run(r.Context(), req)
	if err != nil {
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			if result != nil {
				s.logger.Info(fmt.Sprintf("Client left while job %s was %s, it keeps running", result.JobID, result.Status), "api")
			}
			return
		}
		extra := map[string]interface{}{}
		if result != nil {
			extra["job_id"] = result.JobID
			extra["status"] = result.Status
		}
		s.sendErrorWith(w, err, extra)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"job_id":           result.JobID,
		"prompt_id":        result.PromptID,
		"status":           result.Status,
		"outputs":          result.Outputs,
		"duration_seconds": result.Duration,
	})
}

// handleRunStreaming executes a workflow and streams its events as server-sent events.
// Failures before the first event are ordinary JSON errors; afterwards the stream always
// ends with a terminal event.
func (s *APIServer) handleRunStreaming(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	gw, ok := s.gateway(w)
	if !ok {
		return
	}

	var body RunBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}
	req, err := s.runRequest(r.Context(), &body)
	if err != nil {
		s.sendError(w, err)
		return
	}

	job, stream, err := gw.RunStreaming(r.Context(), req)
	if err != nil {
		s.sendError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Job-ID", job.ID())
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case event, open := <-stream:
			if !open {
				if r.Context().Err() == nil {
					s.writeEvent(w, rc, types.ProgressEvent{
						JobID:     job.ID(),
						Type:      types.EventError,
						Error:     "event stream ended unexpectedly",
						Timestamp: time.Now().UnixMilli(),
					})
				} else {
					s.logger.Debug(fmt.Sprintf("Stream consumer for job %s disconnected", job.ID()), "api")
				}
				return
			}
			if err := s.writeEvent(w, rc, event); err != nil {
				s.logger.Debug(fmt.Sprintf("Stream write for job %s failed: %v", job.ID(), err), "api")
				return
			}
			if event.Type.IsTerminal() {
				return
			}

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			rc.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (s *APIServer) writeEvent(w http.ResponseWriter, rc *http.ResponseController, event types.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return err
	}
	return rc.Flush()
}

// jobIDFrom reads a job id from the query or a JSON body
func jobIDFrom(w http.ResponseWriter, r *http.Request) (string, error) {
	if id := r.URL.Query().Get("job_id"); id != "" {
		return id, nil
	}
	var body struct {
		JobID string `json:"job_id"`
		ID    string `json:"id"`
	}
	if r.Method != http.MethodGet {
		if err := decodeJSON(w, r, &body, true); err != nil {
			return "", err
		}
	}
	if body.JobID == "" {
		body.JobID = body.ID
	}
	if body.JobID == "" {
		return "", types.InvalidInput("job_id is required")
	}
	return body.JobID, nil
}

func (s *APIServer) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	gw, ok := s.gateway(w)
	if !ok {
		return
	}

	jobID, err := jobIDFrom(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	if err := gw.Interrupt(jobID); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job_id":  jobID,
	})
}

// handleQueuePrompt enqueues a workflow and answers immediately with the job id
func (s *APIServer) handleQueuePrompt(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	gw, ok := s.gateway(w)
	if !ok {
		return
	}

	var body RunBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}
	req, err := s.runRequest(r.Context(), &body)
	if err != nil {
		s.sendError(w, err)
		return
	}

	job, err := gw.Submit(r.Context(), req, false)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"job_id":       job.ID(),
		"status":       job.State(),
		"queue_length": gw.QueueLength(),
		"message":      "Workflow processed and queued successfully",
	})
}

// handleJobs lists retained jobs and, with ?history=N, the most recent persisted ones
func (s *APIServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	gw, ok := s.gateway(w)
	if !ok {
		return
	}

	response := map[string]interface{}{
		"success":      true,
		"jobs":         gw.List(),
		"queue_length": gw.QueueLength(),
		"active_jobs":  gw.ActiveJobs(),
	}

	if raw := r.URL.Query().Get("history"); raw != "" && s.deps.DB != nil {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.sendError(w, types.InvalidInput("history must be a positive integer"))
			return
		}
		history, err := s.deps.DB.ListJobExecutions(r.Context(), limit)
		if err != nil {
			s.sendError(w, err)
			return
		}
		response["history"] = history
	}

	s.writeJSON(w, http.StatusOK, response)
}

// handleJob returns one job, falling back to persisted history for evicted jobs
func (s *APIServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	gw, ok := s.gateway(w)
	if !ok {
		return
	}

	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		jobID = r.URL.Query().Get("job_id")
	}
	if jobID == "" {
		s.sendError(w, types.InvalidInput("id is required"))
		return
	}

	job, err := gw.Get(jobID)
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"job":     job.Snapshot(),
			"result":  job.Result(),
		})
		return
	}
	if s.deps.DB == nil {
		s.sendError(w, err)
		return
	}

	execution, dbErr := s.deps.DB.GetJobExecution(r.Context(), jobID)
	if dbErr != nil {
		s.sendError(w, dbErr)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     execution,
	})
}

// connectedListener answers 503 unless the ComfyUI event stream is up
func (s *APIServer) connectedListener(w http.ResponseWriter) (*comfy.Listener, bool) {
	if s.deps.Listener == nil || !s.deps.Listener.Connected() {
		s.sendErrorWith(w, types.Unavailable("ComfyUI WebSocket service is not connected"),
			map[string]interface{}{"service_status": "disconnected"})
		return nil, false
	}
	return s.deps.Listener, true
}

// handlePromptStatus returns progress for one prompt. Gateway job ids are accepted too.
func (s *APIServer) handlePromptStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	listener, ok := s.connectedListener(w)
	if !ok {
		return
	}

	promptID := r.URL.Query().Get("id")
	if promptID == "" {
		s.sendError(w, types.InvalidInput("Missing required query parameter: id (prompt_id)"))
		return
	}

	progress, found := listener.Progress(promptID)
	if !found && s.deps.Gateway != nil {
		if job, err := s.deps.Gateway.Get(promptID); err == nil {
			if mapped := job.Snapshot().PromptID; mapped != "" {
				progress, found = listener.Progress(mapped)
				promptID = mapped
			}
		}
	}
	if !found {
		s.sendErrorWith(w, types.NotFound("No progress data found for prompt_id: %s", promptID),
			map[string]interface{}{"prompt_id": promptID})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"prompt_id":      promptID,
		"data":           progress,
		"service_status": "connected",
	})
}

func (s *APIServer) handleAllPromptStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	listener, ok := s.connectedListener(w)
	if !ok {
		return
	}

	all := listener.AllProgress()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"data":           all,
		"count":          len(all),
		"service_status": "connected",
	})
}

func (s *APIServer) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	connected := s.deps.Listener != nil && s.deps.Listener.Connected()
	status := "disconnected"
	if connected {
		status = "connected"
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"service_status": status,
		"connected":      connected,
	})
}
