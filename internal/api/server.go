package api

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/events"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/backend"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/comfy"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/core"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/database"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/dependencies"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/registry"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/services"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/system"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/tunnel"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// Every route is served bare and under these prefixes
var routePrefixes = []string{"", "/comfyui-deploy", "/api"}

// Routes reachable without a session token when api_auth_enabled is set
var publicRoutes = map[string]bool{
	"auth-response":   true,
	"check-status":    true,
	"check-ws-status": true,
}

// Dependencies are the components the API exposes. Optional ones may be nil; their
// routes answer 503.
type Dependencies struct {
	Gateway      *core.Gateway
	Comfy        *comfy.Client
	Listener     *comfy.Listener
	Tunnel       *tunnel.Manager
	Uploads      *registry.UploadManager
	Models       *registry.ModelRegistry
	Downloads    *registry.DownloadManager
	DB           *database.SQLiteManager
	CustomNodes  *services.CustomNodeService
	Snapshot     *services.SnapshotService
	Backend      *backend.Client
	WorkflowRuns *backend.WorkflowRunner
	DepSync      *backend.DependencySync
	Secrets      *utils.SecretStore
	Binaries     *dependencies.DependencyManager
	Host         *system.HostProbe
	MachineID    string
}

// APIServer serves the gateway's HTTP and WebSocket surface
type APIServer struct {
	ctx         context.Context
	cancel      context.CancelFunc
	server      *http.Server
	listener    net.Listener
	port        string
	logger      *utils.LogsManager
	config      *utils.ConfigManager
	deps        Dependencies
	jwtManager  *middleware.JWTManager
	authEnabled bool
	tokenTTL    time.Duration
	wsHub       *ws.Hub
	wsUpgrader  websocket.Upgrader
	emitter     *events.Emitter
	handler     http.Handler
	startTime   time.Time
	startOnce   sync.Once
	mutex       sync.RWMutex
}

// NewAPIServer wires routes and realtime events. Nothing listens until Start.
func NewAPIServer(config *utils.ConfigManager, logger *utils.LogsManager, deps Dependencies) *APIServer {
	ctx, cancel := context.WithCancel(context.Background())

	jwtSecret := config.GetConfigWithDefault("jwt_secret", "")
	if jwtSecret == "" {
		jwtSecret = randomSecret()
		logger.Warn("jwt_secret is not set, session tokens will not survive a restart", "api")
	}

	s := &APIServer{
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
		config:      config,
		deps:        deps,
		jwtManager:  middleware.NewJWTManager(jwtSecret, config.GetConfigWithDefault("jwt_issuer", "comfy-deploy")),
		authEnabled: config.GetConfigBool("api_auth_enabled", false),
		tokenTTL:    config.GetConfigDuration("auth_token_ttl", 24*time.Hour),
		wsHub:       ws.NewHub(logger.Logrus()),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The Deploy dashboard connects from its own origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	s.emitter = events.NewEmitter(s.wsHub, s.nodeStatus,
		config.GetConfigDuration("status_broadcast_interval", 5*time.Second), logger.Logrus())
	s.subscribe()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	if s.authEnabled {
		handler = s.jwtManager.AuthMiddleware(handler, func(path string) bool {
			return publicRoutes[routeName(path)]
		})
	}
	s.handler = middleware.CORSMiddleware(handler)

	return s
}

// subscribe forwards component state changes to WebSocket clients
func (s *APIServer) subscribe() {
	if s.deps.Gateway != nil {
		s.deps.Gateway.OnJobChange(s.emitter.BroadcastJobStatus)
	}
	if s.deps.Tunnel != nil {
		s.deps.Tunnel.OnStateChange(s.emitter.BroadcastTunnelStatus)
	}
	if s.deps.Uploads != nil {
		s.deps.Uploads.OnChange(s.emitter.BroadcastUploadProgress)
	}
	if s.deps.Listener != nil {
		listener := s.deps.Listener
		listener.OnConnectionChange(func(connected bool) {
			s.emitter.BroadcastComfyStatus(connected, listener.QueueRemaining())
		})
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("comfy-deploy-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Handler returns the complete HTTP handler, middleware included
func (s *APIServer) Handler() http.Handler {
	return s.handler
}

// startRealtime launches the WebSocket hub and the status emitter once
func (s *APIServer) startRealtime() {
	s.startOnce.Do(func() {
		go s.wsHub.Run()
		s.emitter.Start()
	})
}

// Start binds the API port, trying the fallback ports in order, and serves in the
// background
func (s *APIServer) Start() error {
	apiPort := s.config.GetConfigWithDefault("api_port", "8189")
	host := s.config.GetConfigWithDefault("api_host", "")

	s.logger.Info(fmt.Sprintf("Starting API server on port %s", apiPort), "api")

	ports := append([]string{apiPort}, parsePortList(s.config.GetConfigWithDefault("api_fallback_ports", ""))...)
	var listener net.Listener
	var err error
	for _, port := range ports {
		listener, err = net.Listen("tcp", net.JoinHostPort(host, port))
		if err == nil {
			s.mutex.Lock()
			s.port = port
			s.mutex.Unlock()
			s.logger.Info(fmt.Sprintf("API server bound to port %s", port), "api")
			break
		}
		s.logger.Warn(fmt.Sprintf("Port %s unavailable: %v", port, err), "api")
	}
	if listener == nil {
		return fmt.Errorf("failed to bind API server to any port: %v", err)
	}

	if s.config.GetConfigBool("api_tls", false) {
		cert, err := loadOrGenerateAPICertificates(utils.GetAppPaths(""), s.config, s.logger)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.logger.Info("API server uses TLS", "api")
	}
	s.listener = listener

	s.startRealtime()

	// Blocking runs and event streams outlive any fixed write deadline, 0 disables it
	writeTimeout := s.config.GetConfigDuration("api_write_timeout", 0)

	// Uploads stream large bodies, so only headers have a read deadline
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.GetConfigDuration("api_read_timeout", 30*time.Second),
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info("API server started successfully", "api")
	return nil
}

// Stop gracefully shuts down the API server
func (s *APIServer) Stop() error {
	s.logger.Info("Stopping API server", "api")
	s.emitter.Stop()
	s.wsHub.Stop()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}
	s.cancel()
	return err
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.port
}

// route registers h under every prefix
func (s *APIServer) route(mux *http.ServeMux, name string, h http.HandlerFunc) {
	for _, prefix := range routePrefixes {
		mux.HandleFunc(prefix+"/"+name, h)
	}
}

// routeName strips the mount prefix from a request path
func routeName(path string) string {
	for _, prefix := range routePrefixes[1:] {
		if strings.HasPrefix(path, prefix+"/") {
			return strings.TrimPrefix(path, prefix+"/")
		}
	}
	return strings.TrimPrefix(path, "/")
}

// registerRoutes sets up all HTTP routes
func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	// Tunnel
	s.route(mux, "tunnel/status", s.handleTunnelStatus)
	s.route(mux, "tunnel/start", s.handleTunnelStart)
	s.route(mux, "tunnel/stop", s.handleTunnelStop)

	// Execution
	s.route(mux, "run", s.handleRun)
	s.route(mux, "run/streaming", s.handleRunStreaming)
	s.route(mux, "interrupt", s.handleInterrupt)
	s.route(mux, "queue-prompt", s.handleQueuePrompt)
	s.route(mux, "jobs", s.handleJobs)
	s.route(mux, "job", s.handleJob)
	s.route(mux, "prompt-status", s.handlePromptStatus)
	s.route(mux, "prompt-status/all", s.handleAllPromptStatus)
	s.route(mux, "service-status", s.handleServiceStatus)

	// Uploads and models
	s.route(mux, "upload-file", s.handleUploadFile)
	s.route(mux, "get-file-hash", s.handleGetFileHash)
	s.route(mux, "upload-queue-status", s.handleUploadQueueStatus)
	s.route(mux, "cancel-uploads", s.handleCancelUploads)
	s.route(mux, "models", s.handleModels)
	s.route(mux, "filename_list_cache", s.handleFilenameListCache)
	s.route(mux, "volume/model", s.handleVolumeModel)
	s.route(mux, "volume/model/status", s.handleVolumeModelStatus)
	s.route(mux, "download_model", s.handleDownloadModel)
	s.route(mux, "download_tasks", s.handleDownloadTasks)
	for _, prefix := range routePrefixes {
		mux.HandleFunc(prefix+"/download_progress/", s.handleDownloadProgress)
	}

	// Workflows
	s.route(mux, "workflows", s.handleWorkflows)
	s.route(mux, "workflow", s.handleWorkflow)
	s.route(mux, "workflow/version", s.handleWorkflowVersion)
	s.route(mux, "workflow/versions", s.handleWorkflowVersions)
	s.route(mux, "workflow/convert", s.handleWorkflowConvert)
	s.route(mux, "workflow/validate", s.handleWorkflowValidate)

	// Machine
	s.route(mux, "machine", s.handleMachine)
	s.route(mux, "machine/update", s.handleMachineUpdate)
	s.route(mux, "machine/create", s.handleMachineCreate)

	// Node health and environment
	s.route(mux, "check-status", s.handleCheckStatus)
	s.route(mux, "check-ws-status", s.handleCheckWSStatus)
	s.route(mux, "comfyui-version", s.handleComfyUIVersion)
	s.route(mux, "fs/stat", s.handleFSStat)
	s.route(mux, "node/status", s.handleNodeStatus)

	// Auth and realtime
	s.route(mux, "auth-response", s.handleAuthResponse)
	s.route(mux, "ws", s.handleWebSocket)

	// Environment management and the Deploy backend
	s.route(mux, "custom-nodes", s.handleCustomNodes)
	s.route(mux, "custom-nodes/install", s.handleCustomNodesInstall)
	s.route(mux, "custom-nodes/update", s.handleCustomNodesUpdate)
	s.route(mux, "snapshot-to-docker", s.handleSnapshotToDocker)
	s.route(mux, "workflow-run", s.handleWorkflowRun)
	s.route(mux, "dependencies", s.handleDependencies)
	for _, prefix := range routePrefixes {
		mount := prefix + "/comfydeploy/"
		if s.deps.Backend != nil {
			mux.Handle(mount, s.deps.Backend.Passthrough(mount, s.sendError))
		} else {
			mux.HandleFunc(mount, func(w http.ResponseWriter, r *http.Request) {
				s.sendError(w, types.Unavailable("deploy backend is not configured"))
			})
		}
	}

	s.logger.Debug("API routes registered", "api")
}

// nodeStatus builds the periodic node.status broadcast
func (s *APIServer) nodeStatus() ws.NodeStatusPayload {
	status := ws.NodeStatusPayload{
		MachineID: s.deps.MachineID,
		Uptime:    int64(time.Since(s.startTime).Seconds()),
	}
	if s.deps.Gateway != nil {
		status.QueueLength = s.deps.Gateway.QueueLength()
		status.ActiveJobs = s.deps.Gateway.ActiveJobs()
	}
	if s.deps.Listener != nil {
		status.ComfyConnected = s.deps.Listener.Connected()
	}
	if s.deps.Tunnel != nil {
		state := s.deps.Tunnel.Status()
		status.TunnelStatus = string(state.Status)
		status.TunnelURL = state.URL
	}
	if s.deps.Uploads != nil {
		status.ActiveUploads = len(s.deps.Uploads.QueueStatus())
	}
	return status
}

// parsePortList parses a comma-separated list of ports
func parsePortList(portList string) []string {
	if portList == "" {
		return []string{}
	}
	ports := strings.Split(portList, ",")
	result := make([]string, 0, len(ports))
	for _, port := range ports {
		port = strings.TrimSpace(port)
		if port != "" {
			result = append(result, port)
		}
	}
	return result
}
