package api

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	ws "github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

// Secret store key holding the Deploy API token
const deployTokenKey = "deploy_api_token"

// handleAuthResponse completes the dashboard login redirect. The Deploy API key is kept in
// the secret store and used for backend calls; the caller gets a local session token.
func (s *APIServer) handleAuthResponse(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethods(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	apiKey := query.Get("api_key")
	if apiKey == "" {
		s.sendError(w, types.InvalidInput("api_key is required"))
		return
	}

	if s.deps.Secrets != nil {
		if err := s.deps.Secrets.Set(deployTokenKey, apiKey); err != nil {
			s.sendError(w, fmt.Errorf("failed to store deploy token: %w", err))
			return
		}
	}
	if s.deps.Backend != nil {
		s.deps.Backend.SetToken(apiKey)
	}

	token, expiresAt, err := s.jwtManager.GenerateToken(s.deps.MachineID, query.Get("user_id"), query.Get("org_id"), s.tokenTTL)
	if err != nil {
		s.sendError(w, fmt.Errorf("failed to issue session token: %w", err))
		return
	}

	s.logger.Info(fmt.Sprintf("Deploy account linked for user %s", query.Get("user_id")), "api")

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"token":      token,
		"expires_at": expiresAt,
		"machine_id": s.deps.MachineID,
	})
}

// handleWebSocket upgrades to the realtime channel. With auth enabled the middleware has
// already checked the session token, taken from the token query parameter for browsers.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered the request
		s.logger.Warn(fmt.Sprintf("WebSocket upgrade failed: %v", err), "api")
		return
	}

	client := ws.NewClient(conn, s.wsHub, uuid.New().String(), s.logger.Logrus())
	s.wsHub.RegisterClient(client)
	client.Start()

	s.logger.Debug(fmt.Sprintf("WebSocket client connected from %s", r.RemoteAddr), "api")
}
