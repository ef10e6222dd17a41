package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"kill"},
	Short:   "Stop the running gateway",
	Long:    "Stop the running gateway by sending a graceful termination signal. Running jobs are interrupted and the tunnel is closed.",
	Args:    cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		if err := stopRunning(); err != nil {
			fmt.Println(err)
			logger.Error(err.Error(), "stop")
			os.Exit(1)
		}
	},
}

// stopRunning stops the instance named in the PID file. A missing or stale PID file is not an error.
func stopRunning() error {
	pidManager, err := utils.NewPIDManager(config)
	if err != nil {
		return fmt.Errorf("failed to create PID manager: %v", err)
	}

	pid, err := pidManager.ReadPID()
	if err != nil {
		fmt.Println("No running gateway found")
		return nil
	}

	if !pidManager.IsProcessRunning(pid) {
		logger.Warn(fmt.Sprintf("Process with PID %d is not running", pid), "stop")
		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
		} else {
			fmt.Println("Removed stale PID file")
		}
		return nil
	}

	fmt.Printf("Stopping gateway (PID: %d)...\n", pid)
	grace := config.GetConfigDuration("stop_grace_period", 15*time.Second)
	if err := pidManager.StopProcess(pid, grace); err != nil {
		return fmt.Errorf("failed to stop process: %v", err)
	}

	if err := pidManager.RemovePIDFile(); err != nil {
		fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
	}

	fmt.Println("Gateway stopped successfully")
	logger.Info("Gateway stopped successfully", "stop")
	return nil
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
