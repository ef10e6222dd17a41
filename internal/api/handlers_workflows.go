package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/database"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

// WorkflowBody creates or updates a stored workflow. A workflow payload on an existing
// workflow appends a version; versions are never rewritten.
type WorkflowBody struct {
	WorkflowID  string          `json:"workflow_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Workflow    json.RawMessage `json:"workflow"`
	WorkflowAPI json.RawMessage `json:"workflow_api"`
	Comment     string          `json:"comment"`
}

func (b *WorkflowBody) content() *database.WorkflowContent {
	if !present(b.Workflow) {
		return nil
	}
	content := &database.WorkflowContent{Payload: b.Workflow, Comment: b.Comment}
	if present(b.WorkflowAPI) {
		content.APIPayload = b.WorkflowAPI
	}
	return content
}

func (s *APIServer) store(w http.ResponseWriter) (*database.SQLiteManager, bool) {
	if s.deps.DB == nil {
		s.sendError(w, types.Unavailable("database is not available"))
		return nil, false
	}
	return s.deps.DB, true
}

func workflowIDFrom(r *http.Request) (string, error) {
	query := r.URL.Query()
	id := query.Get("workflow_id")
	if id == "" {
		id = query.Get("id")
	}
	if id == "" {
		return "", types.InvalidInput("workflow_id is required")
	}
	return id, nil
}

func (s *APIServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}

	records, err := db.ListWorkflows(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	if records == nil {
		records = []*types.WorkflowRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleWorkflow reads the latest version on GET and creates or updates on POST
func (s *APIServer) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}

	if r.Method == http.MethodGet {
		id, err := workflowIDFrom(r)
		if err != nil {
			s.sendError(w, err)
			return
		}
		record, err := db.GetWorkflow(r.Context(), id)
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, record)
		return
	}

	var body WorkflowBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}

	record, created, err := s.saveWorkflow(r.Context(), db, &body)
	if err != nil {
		s.sendError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response := map[string]interface{}{
		"success":     true,
		"created":     created,
		"workflow_id": record.ID,
		"workflow":    record,
	}
	if record.Version != nil {
		response["version"] = record.Version.Version
	}
	s.writeJSON(w, status, response)
}

func (s *APIServer) saveWorkflow(ctx context.Context, db *database.SQLiteManager, body *WorkflowBody) (*types.WorkflowWithVersion, bool, error) {
	content := body.content()
	if body.WorkflowID == "" {
		if content == nil {
			return nil, false, types.InvalidInput("workflow payload is required")
		}
		record, err := db.CreateWorkflow(ctx, "", body.Name, body.Description, *content)
		return record, err == nil, err
	}

	record, err := db.UpdateWorkflow(ctx, body.WorkflowID, body.Name, body.Description, content)
	if errors.Is(err, types.ErrNotFound) && content != nil {
		record, err = db.CreateWorkflow(ctx, body.WorkflowID, body.Name, body.Description, *content)
		return record, err == nil, err
	}
	return record, false, err
}

// handleWorkflowVersion reads one version on GET and appends a version on POST
func (s *APIServer) handleWorkflowVersion(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}

	if r.Method == http.MethodGet {
		id, err := workflowIDFrom(r)
		if err != nil {
			s.sendError(w, err)
			return
		}
		version, err := strconv.Atoi(r.URL.Query().Get("version"))
		if err != nil || version < 1 {
			s.sendError(w, types.InvalidInput("version must be a positive integer"))
			return
		}
		result, err := db.GetWorkflowVersion(r.Context(), id, version)
		if err != nil {
			s.sendError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
		return
	}

	var body WorkflowBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}
	if body.WorkflowID == "" {
		s.sendError(w, types.InvalidInput("workflow_id is required"))
		return
	}
	content := body.content()
	if content == nil {
		s.sendError(w, types.InvalidInput("workflow payload is required"))
		return
	}

	version, err := db.AddWorkflowVersion(r.Context(), body.WorkflowID, *content)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":     true,
		"workflow_id": version.WorkflowID,
		"version":     version.Version,
		"created_at":  version.CreatedAt,
	})
}

func (s *APIServer) handleWorkflowVersions(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	db, ok := s.store(w)
	if !ok {
		return
	}

	id, err := workflowIDFrom(r)
	if err != nil {
		s.sendError(w, err)
		return
	}
	versions, err := db.ListWorkflowVersions(r.Context(), id)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, versions)
}

// objectInfo fetches node definitions, converting without them when ComfyUI is down
func (s *APIServer) objectInfo(ctx context.Context) workflow.ObjectInfo {
	if s.deps.Comfy == nil {
		return nil
	}
	info, err := s.deps.Comfy.ObjectInfo(ctx)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("Object info unavailable: %v", err), "api")
		return nil
	}
	return info
}

// readWorkflowPayload accepts the workflow itself or an object wrapping it under "workflow"
func readWorkflowPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw, false); err != nil {
		return nil, err
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper) <= 2 {
		if inner, ok := wrapper["workflow"]; ok && present(inner) {
			return inner, nil
		}
	}
	return raw, nil
}

// handleWorkflowConvert turns a UI graph into an API prompt. API prompts pass through.
func (s *APIServer) handleWorkflowConvert(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}

	payload, err := readWorkflowPayload(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	prompt, err := workflow.NewConverter(s.objectInfo(r.Context()), s.logger).Normalize(payload)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prompt)
}

// handleWorkflowValidate converts when needed and reports every structural problem
func (s *APIServer) handleWorkflowValidate(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}

	payload, err := readWorkflowPayload(w, r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	info := s.objectInfo(r.Context())
	prompt, err := workflow.NewConverter(info, s.logger).Normalize(payload)
	if err != nil {
		s.sendError(w, err)
		return
	}

	result := workflow.Validate(prompt, info)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"valid":            result.Valid,
		"node_count":       result.NodeCount,
		"errors":           result.Errors,
		"checked_registry": info != nil,
	})
}
