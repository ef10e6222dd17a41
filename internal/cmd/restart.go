package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running gateway",
	Long:  "Restart the gateway by stopping it gracefully and starting it again in the background",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		if err := stopRunning(); err != nil {
			fmt.Println(err)
			logger.Error(err.Error(), "restart")
			os.Exit(1)
		}
		time.Sleep(2 * time.Second)

		exePath, err := os.Executable()
		if err != nil {
			msg := fmt.Sprintf("Failed to get executable path: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}

		startArgs := []string{"start"}
		if configPath != "" {
			startArgs = append(startArgs, "--config", configPath)
		}
		if startTunnel {
			startArgs = append(startArgs, "--tunnel")
		}

		process := exec.Command(exePath, startArgs...)
		process.Stdout = nil
		process.Stderr = nil
		process.Stdin = nil

		if err := process.Start(); err != nil {
			msg := fmt.Sprintf("Failed to start gateway: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}
		if err := process.Process.Release(); err != nil {
			logger.Warn(fmt.Sprintf("Failed to detach process: %v", err), "restart")
		}

		msg := "Gateway restarted (new PID will be written by the start process)"
		fmt.Println(msg)
		logger.Info(msg, "restart")
	},
}

func init() {
	restartCmd.Flags().BoolVar(&startTunnel, "tunnel", false, "start the Cloudflare tunnel after restarting")
	rootCmd.AddCommand(restartCmd)
}
