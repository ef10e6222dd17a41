package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/backend"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/comfy"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/core"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/database"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/dependencies"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/registry"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/services"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/system"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/tunnel"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const deployTokenKey = "deploy_api_token"

var (
	startTunnel       bool
	checkDependencies bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the gateway in the foreground.

This will:
- Connect to the local ComfyUI and follow its progress events
- Start the execution queue, the upload registry and the model downloader
- Serve the HTTP API (bare, /comfyui-deploy/ and /api/ prefixes)
- Optionally publish ComfyUI through a Cloudflare quick tunnel`,
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting ComfyUI Deploy gateway...", "cli")

		exePath, err := filepath.Abs(os.Args[0])
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to get absolute path: %v", err), "cli")
			fmt.Printf("Error getting absolute path: %v\n", err)
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Starting gateway from: %s", exePath), "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}

		if existingPID, err := pidManager.ReadPID(); err == nil {
			if pidManager.IsProcessRunning(existingPID) {
				logger.Error(fmt.Sprintf("Another instance is already running with PID: %d", existingPID), "cli")
				fmt.Printf("Another instance is already running with PID: %d\n", existingPID)
				fmt.Println("Use 'comfy-deploy stop' to stop the existing instance first")
				os.Exit(1)
			}
			pidManager.RemovePIDFile()
		}

		currentPID := os.Getpid()
		if err := pidManager.WritePID(currentPID); err != nil {
			logger.Error(fmt.Sprintf("Failed to write PID file: %v", err), "cli")
			os.Exit(1)
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}
		}()
		logger.Info(fmt.Sprintf("Gateway started with PID: %d", currentPID), "cli")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		node, err := startNode(ctx)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to start gateway: %v", err), "cli")
			fmt.Printf("Failed to start gateway: %v\n", err)
			pidManager.RemovePIDFile()
			os.Exit(1)
		}

		fmt.Printf("ComfyUI Deploy gateway is running on port %s (machine %s). Press Ctrl+C to stop.\n",
			node.api.GetPort(), node.machineID)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received, stopping gateway...", "cli")
		node.stop()
		if err := pidManager.RemovePIDFile(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
		}
		logger.Info("ComfyUI Deploy gateway stopped successfully", "cli")
	},
}

// node holds the running components so shutdown can stop them in reverse order
type node struct {
	machineID  string
	db         *database.SQLiteManager
	listener   *comfy.Listener
	gateway    *core.Gateway
	tunnel     *tunnel.Manager
	downloads  *registry.DownloadManager
	api        *api.APIServer
	monitoring *utils.MonitoringServer
}

func startNode(ctx context.Context) (*node, error) {
	n := &node{}

	if checkDependencies {
		if !dependencies.NewDependencyManager(config, logger).CheckDependencies(ctx) {
			logger.Warn("Some external tools are missing, related features will be unavailable", "cli")
		}
	}

	db, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	n.db = db

	machineID, err := db.MachineID(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to resolve machine id: %v", err)
	}
	n.machineID = machineID
	logger.Info(fmt.Sprintf("Machine ID: %s", machineID), "cli")

	secrets := utils.NewSecretStore("comfy-deploy", db, logger)

	// ComfyUI and the execution queue
	comfyClient, err := comfy.NewClient(config, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	n.listener = comfy.NewListener(comfyClient.WebSocketURL(), config, logger)
	n.listener.Start(ctx)

	executor := comfy.NewExecutor(comfyClient, n.listener, comfy.NewInputDownloader(config, logger), config, logger)
	n.gateway = core.NewGateway(ctx, executor, comfyClient, db, config, logger)
	n.gateway.Start()

	// Tunnel
	provider, err := tunnel.NewCloudflaredProvider(config, logger)
	if err != nil {
		n.stop()
		return nil, err
	}
	if !provider.Available() {
		logger.Warn("cloudflared not found, tunnel start requests will fail", "cli")
	}
	n.tunnel = tunnel.NewManager(provider, utils.ComfyPort(config),
		config.GetConfigDuration("tunnel_start_timeout", 30*time.Second), logger)

	// Volume registry
	uploads := registry.NewUploadManager(db, config, logger)
	models := registry.NewModelRegistry(config, logger)
	n.downloads = registry.NewDownloadManager(ctx, models, config, logger)
	n.downloads.Start()

	var snapshot *services.SnapshotService
	customNodes, err := services.NewCustomNodeService(config, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("Custom node management disabled: %v", err), "cli")
		customNodes = nil
	} else {
		snapshot = services.NewSnapshotService(customNodes, models, machineID, config, logger)
	}

	// Deploy backend
	deps := api.Dependencies{
		Gateway:     n.gateway,
		Comfy:       comfyClient,
		Listener:    n.listener,
		Tunnel:      n.tunnel,
		Uploads:     uploads,
		Models:      models,
		Downloads:   n.downloads,
		DB:          db,
		CustomNodes: customNodes,
		Snapshot:    snapshot,
		Secrets:     secrets,
		Binaries:    dependencies.NewDependencyManager(config, logger),
		Host:        system.NewHostProbe(utils.GetComfyPaths(config).ModelsDir, config.GetConfigDuration("host_info_ttl", time.Minute)),
		MachineID:   machineID,
	}

	backendClient, err := backend.NewClient(machineID, config, logger)
	if err != nil {
		logger.Warn(fmt.Sprintf("Deploy backend disabled: %v", err), "cli")
	} else {
		if token, err := secrets.Get(deployTokenKey); err == nil && token != "" {
			backendClient.SetToken(token)
		}
		deps.Backend = backendClient
		deps.WorkflowRuns = backend.NewWorkflowRunner(backendClient, n.gateway, logger)
		if customNodes != nil {
			deps.DepSync = backend.NewDependencySync(backendClient, customNodes, n.downloads, config, logger)
		}
	}

	n.api = api.NewAPIServer(config, logger, deps)
	if err := n.api.Start(); err != nil {
		n.api = nil
		n.stop()
		return nil, fmt.Errorf("failed to start API server: %v", err)
	}

	if config.GetConfigBool("monitoring_enabled", false) {
		n.monitoring = utils.NewMonitoringServer(config, logger, func() map[string]float64 {
			return n.gauges(uploads)
		})
		if err := n.monitoring.Start(); err != nil {
			logger.Warn(fmt.Sprintf("Monitoring server disabled: %v", err), "cli")
			n.monitoring = nil
		}
	}

	if startTunnel {
		url, err := n.tunnel.Start(ctx)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to start tunnel: %v", err), "cli")
		} else {
			fmt.Printf("Tunnel available at %s\n", url)
		}
	}

	return n, nil
}

func (n *node) gauges(uploads *registry.UploadManager) map[string]float64 {
	activeUploads := 0
	for _, task := range uploads.QueueStatus() {
		if task.State.IsActive() {
			activeUploads++
		}
	}
	return map[string]float64{
		"queue_length":    float64(n.gateway.QueueLength()),
		"active_jobs":     float64(n.gateway.ActiveJobs()),
		"active_uploads":  float64(activeUploads),
		"tunnel_running":  boolGauge(n.tunnel.Status().Running()),
		"comfy_connected": boolGauge(n.listener.Connected()),
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// stop tears down whatever startNode managed to bring up
func (n *node) stop() {
	if n.monitoring != nil {
		if err := n.monitoring.Stop(); err != nil {
			logger.Error(fmt.Sprintf("Error stopping monitoring server: %v", err), "cli")
		}
	}
	if n.api != nil {
		if err := n.api.Stop(); err != nil {
			logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
		}
	}
	if n.tunnel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := n.tunnel.Stop(ctx); err != nil {
			logger.Warn(fmt.Sprintf("Error stopping tunnel: %v", err), "cli")
		}
		cancel()
	}
	if n.downloads != nil {
		n.downloads.Stop()
	}
	if n.gateway != nil {
		n.gateway.Stop()
	}
	if n.listener != nil {
		n.listener.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}
}

func init() {
	startCmd.Flags().BoolVar(&startTunnel, "tunnel", false, "start the Cloudflare tunnel once the gateway is up")
	startCmd.Flags().BoolVar(&checkDependencies, "check-dependencies", false, "check external tools (cloudflared, git, docker) before starting")
	rootCmd.AddCommand(startCmd)
}
