package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	ws "github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/services"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

func (s *APIServer) customNodes(w http.ResponseWriter) (*services.CustomNodeService, bool) {
	if s.deps.CustomNodes == nil {
		s.sendError(w, types.Unavailable("custom node management is not configured"))
		return nil, false
	}
	return s.deps.CustomNodes, true
}

func (s *APIServer) handleCustomNodes(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	cns, ok := s.customNodes(w)
	if !ok {
		return
	}

	nodes, err := cns.List()
	if err != nil {
		s.sendError(w, err)
		return
	}
	if nodes == nil {
		nodes = []services.CustomNode{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"nodes":   nodes,
		"count":   len(nodes),
	})
}

// CustomNodeInstallBody installs one repository (url) or several (urls) at an optional ref
type CustomNodeInstallBody struct {
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
	Ref  string   `json:"ref"`
}

func (s *APIServer) handleCustomNodesInstall(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	cns, ok := s.customNodes(w)
	if !ok {
		return
	}

	var body CustomNodeInstallBody
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}

	if len(body.URLs) > 0 {
		results := cns.InstallAll(r.Context(), body.URLs, body.Ref)
		failed := 0
		for _, result := range results {
			if result.Status == "error" {
				failed++
			}
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": failed == 0,
			"results": results,
			"failed":  failed,
		})
		return
	}

	if body.URL == "" {
		s.sendError(w, types.InvalidInput("url is required"))
		return
	}
	result, err := cns.Install(r.Context(), body.URL, body.Ref)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

func (s *APIServer) handleCustomNodesUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	cns, ok := s.customNodes(w)
	if !ok {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(w, r, &body, false); err != nil {
		s.sendError(w, err)
		return
	}
	if body.Name == "" {
		s.sendError(w, types.InvalidInput("name is required"))
		return
	}

	result, err := cns.Update(r.Context(), body.Name)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

// handleSnapshotToDocker builds an image of the current environment. Progress goes out on
// the realtime channel since builds take minutes.
func (s *APIServer) handleSnapshotToDocker(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.deps.Snapshot == nil {
		s.sendError(w, types.Unavailable("snapshots are not configured"))
		return
	}

	var req services.SnapshotRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.sendError(w, err)
		return
	}
	req.ComfyUIVersion = s.comfyVersion(r.Context())

	s.emitter.BroadcastSnapshot(ws.MessageTypeSnapshotStart, req.Tag, "Snapshot started", "")
	result, err := s.deps.Snapshot.Snapshot(r.Context(), req)
	if err != nil {
		s.emitter.BroadcastSnapshot(ws.MessageTypeSnapshotError, req.Tag, "Snapshot failed", err.Error())
		s.sendError(w, err)
		return
	}
	s.emitter.BroadcastSnapshot(ws.MessageTypeSnapshotComplete, result.Image, "Snapshot complete", "")

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"image":        result.Image,
		"pushed":       result.Pushed,
		"context_dir":  result.ContextDir,
		"compose_file": result.ComposeFile,
		"manifest":     result.Manifest,
	})
}

// comfyVersion is best effort, an empty version only leaves the manifest field blank
func (s *APIServer) comfyVersion(ctx context.Context) string {
	if s.deps.Comfy == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	stats, err := s.deps.Comfy.SystemStats(ctx)
	if err != nil {
		s.logger.Debug(fmt.Sprintf("ComfyUI version unavailable: %v", err), "api")
		return ""
	}
	return stats.System.ComfyUIVersion
}

// handleWorkflowRun pulls the runs the Deploy backend assigned to this machine and queues them
func (s *APIServer) handleWorkflowRun(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if s.deps.WorkflowRuns == nil {
		s.sendError(w, types.Unavailable("deploy backend is not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	summary, err := s.deps.WorkflowRuns.ProcessPending(ctx)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"summary": summary,
	})
}

// handleDependencies installs the custom nodes and queues the models the backend lists for
// this machine
func (s *APIServer) handleDependencies(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	if s.deps.DepSync == nil {
		s.sendError(w, types.Unavailable("deploy backend is not configured"))
		return
	}

	results, err := s.deps.DepSync.Sync(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
		"count":   len(results),
	})
}
