package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api"
)

var tunnelCmd = &cobra.Command{
	Use:   "tunnel",
	Short: "Control the Cloudflare tunnel of the running gateway",
}

var tunnelStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Publish ComfyUI through a quick tunnel",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		timeout := config.GetConfigDuration("tunnel_start_timeout", 30*time.Second) + 10*time.Second

		var resp struct {
			URL string `json:"url"`
		}
		if err := newLocalAPI(timeout).call(http.MethodPost, "tunnel/start", nil, &resp); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Tunnel available at %s\n", resp.URL)
	},
}

var tunnelStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Close the tunnel",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newLocalAPI(30*time.Second).call(http.MethodPost, "tunnel/stop", nil, nil); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Tunnel stopped")
	},
}

var tunnelStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tunnel state",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		var status api.TunnelStatusResponse
		if err := newLocalAPI(10*time.Second).call(http.MethodGet, "tunnel/status", nil, &status); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Status:   %s\n", status.Status)
		fmt.Printf("Port:     %d\n", status.Port)
		if status.URL != "" {
			fmt.Printf("URL:      %s\n", status.URL)
		}
		if status.StartedAt != nil {
			fmt.Printf("Up:       %s\n", time.Since(*status.StartedAt).Round(time.Second))
		}
		if status.Error != "" {
			fmt.Printf("Error:    %s\n", status.Error)
		}
	},
}

func init() {
	tunnelCmd.AddCommand(tunnelStartCmd)
	tunnelCmd.AddCommand(tunnelStopCmd)
	tunnelCmd.AddCommand(tunnelStatusCmd)
	rootCmd.AddCommand(tunnelCmd)
}
