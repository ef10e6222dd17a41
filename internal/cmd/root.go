package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

var (
	configPath string
	config     *utils.ConfigManager
	logger     *utils.LogsManager
)

var rootCmd = &cobra.Command{
	Use:   "comfy-deploy",
	Short: "ComfyUI Deploy machine gateway",
	Long: `A gateway that exposes a local ComfyUI to ComfyUI Deploy.

It queues and runs workflows against ComfyUI, streams their progress, accepts
uploads and model downloads, keeps workflow versions and can publish ComfyUI
through a Cloudflare quick tunnel.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = loadConfig()
		logger = utils.NewLogsManager(config)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Close()
		}
	},
}

// loadConfig reads the config, then the env files it names. Env vars override config keys,
// so the config is read again when an env file was loaded.
func loadConfig() *utils.ConfigManager {
	cm := utils.NewConfigManager(configPath)

	loaded, err := utils.LoadEnvFiles(cm.GetConfigSlice("env_files", []string{".env"}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	if len(loaded) > 0 {
		cm = utils.NewConfigManager(configPath)
	}
	return cm
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
}
