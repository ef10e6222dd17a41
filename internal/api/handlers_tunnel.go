package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/tunnel"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// TunnelStatusResponse keeps the legacy running flag next to the state machine status
type TunnelStatusResponse struct {
	Success   bool               `json:"success"`
	URL       string             `json:"url"`
	Running   bool               `json:"running"`
	Port      int                `json:"port"`
	Status    types.TunnelStatus `json:"status"`
	Error     string             `json:"error,omitempty"`
	StartedAt *time.Time         `json:"started_at,omitempty"`
}

func (s *APIServer) tunnelManager(w http.ResponseWriter) (*tunnel.Manager, bool) {
	if s.deps.Tunnel == nil {
		s.sendError(w, types.Unavailable("tunnel is not configured"))
		return nil, false
	}
	return s.deps.Tunnel, true
}

// handleTunnelStatus returns the tunnel snapshot. It never fails.
func (s *APIServer) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}
	tm, ok := s.tunnelManager(w)
	if !ok {
		return
	}

	state := tm.Status()
	s.writeJSON(w, http.StatusOK, TunnelStatusResponse{
		Success:   true,
		URL:       state.URL,
		Running:   state.Running(),
		Port:      state.Port,
		Status:    state.Status,
		Error:     state.Error,
		StartedAt: state.StartedAt,
	})
}

func (s *APIServer) handleTunnelStart(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	tm, ok := s.tunnelManager(w)
	if !ok {
		return
	}

	url, err := tm.Start(r.Context())
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"url":     url,
	})
}

func (s *APIServer) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodPost) {
		return
	}
	tm, ok := s.tunnelManager(w)
	if !ok {
		return
	}

	// Teardown finishes even when the caller hangs up
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := tm.Stop(ctx); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
