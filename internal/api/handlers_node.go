package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const statusProbeTimeout = 5 * time.Second

// handleCheckStatus reports what the node depends on. It answers 200 even when parts are
// down; callers read the individual flags.
func (s *APIServer) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()

	response := map[string]interface{}{
		"success":    true,
		"machine_id": s.deps.MachineID,
		"uptime":     int64(time.Since(s.startTime).Seconds()),
	}

	comfyStatus := map[string]interface{}{"reachable": false}
	if s.deps.Comfy != nil {
		stats, err := s.deps.Comfy.SystemStats(ctx)
		if err != nil {
			comfyStatus["error"] = err.Error()
		} else {
			comfyStatus["reachable"] = true
			comfyStatus["version"] = stats.System.ComfyUIVersion
			comfyStatus["devices"] = len(stats.Devices)
		}
	}
	if s.deps.Listener != nil {
		comfyStatus["ws_connected"] = s.deps.Listener.Connected()
		comfyStatus["queue_remaining"] = s.deps.Listener.QueueRemaining()
	}
	response["comfyui"] = comfyStatus

	if s.deps.Tunnel != nil {
		state := s.deps.Tunnel.Status()
		response["tunnel"] = map[string]interface{}{
			"status":  state.Status,
			"url":     state.URL,
			"running": state.Running(),
		}
	}
	if s.deps.Gateway != nil {
		response["queue_length"] = s.deps.Gateway.QueueLength()
		response["active_jobs"] = s.deps.Gateway.ActiveJobs()
	}
	if s.deps.Binaries != nil {
		response["dependencies"] = s.deps.Binaries.Check(ctx)
	}
	if s.deps.Host != nil {
		response["host"] = s.deps.Host.Info(ctx)
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *APIServer) handleCheckWSStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}

	connected := false
	queueRemaining := 0
	if s.deps.Listener != nil {
		connected = s.deps.Listener.Connected()
		queueRemaining = s.deps.Listener.QueueRemaining()
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"connected":       connected,
		"queue_remaining": queueRemaining,
		"ws_clients":      s.wsHub.ClientCount(),
	})
}

func (s *APIServer) handleComfyUIVersion(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	if s.deps.Comfy == nil {
		s.sendError(w, types.Unavailable("ComfyUI client is not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusProbeTimeout)
	defer cancel()
	stats, err := s.deps.Comfy.SystemStats(ctx)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"version":         stats.System.ComfyUIVersion,
		"python_version":  stats.System.PythonVersion,
		"pytorch_version": stats.System.PytorchVersion,
		"os":              stats.System.OS,
	})
}

// handleFSStat describes a path relative to the ComfyUI root. Paths outside the root are rejected.
func (s *APIServer) handleFSStat(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}

	rel := r.URL.Query().Get("path")
	root := utils.GetComfyPaths(s.config).RootDir
	full, err := utils.SafeJoin(root, rel)
	if err != nil {
		if errors.Is(err, utils.ErrPathEscapesRoot) {
			s.sendError(w, types.InvalidInput("path %q is outside the ComfyUI directory", rel))
			return
		}
		s.sendError(w, err)
		return
	}

	stat, err := utils.StatPath(full)
	if err != nil {
		s.sendError(w, types.WrapIO(err, fmt.Sprintf("failed to stat %s", rel)))
		return
	}
	stat.Path = rel
	s.writeJSON(w, http.StatusOK, stat)
}

func (s *APIServer) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.nodeStatus())
}
