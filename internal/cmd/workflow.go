package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/comfy"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

var (
	convertOutput     string
	convertObjectInfo string
	convertLive       bool
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Convert and inspect workflows",
}

var workflowConvertCmd = &cobra.Command{
	Use:   "convert <workflow.json>",
	Short: "Convert a UI graph into an API prompt",
	Long: `Convert a UI graph into an API prompt without a running gateway.

Node definitions name widget values and order inputs. They are read from a saved
/object_info response (--object-info) or fetched from ComfyUI (--live). Without either
the graph's own declarations are used.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		payload, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		info, err := loadObjectInfo()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		prompt, err := workflow.NewConverter(info, logger).Normalize(payload)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		out, err := json.MarshalIndent(prompt, "", "  ")
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if convertOutput == "" {
			fmt.Println(string(out))
			return
		}
		if err := os.WriteFile(convertOutput, append(out, '\n'), 0644); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %d nodes to %s\n", len(prompt), convertOutput)
	},
}

func loadObjectInfo() (workflow.ObjectInfo, error) {
	switch {
	case convertObjectInfo != "":
		data, err := os.ReadFile(convertObjectInfo)
		if err != nil {
			return nil, err
		}
		return workflow.ParseObjectInfo(data)
	case convertLive:
		client, err := comfy.NewClient(config, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return client.ObjectInfo(ctx)
	}
	return nil, nil
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored workflows",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openDatabase()
		defer db.Close()

		records, err := db.ListWorkflows(context.Background())
		if err != nil {
			fmt.Printf("Error: Failed to list workflows: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Println("No workflows stored")
			return
		}
		for _, record := range records {
			fmt.Printf("%-38s v%-4d %-30s %s\n", record.ID, record.LatestVersion, record.Name,
				record.UpdatedAt.Local().Format(time.RFC3339))
		}
	},
}

func init() {
	workflowConvertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "write the prompt to a file instead of stdout")
	workflowConvertCmd.Flags().StringVar(&convertObjectInfo, "object-info", "", "saved /object_info response to name widgets with")
	workflowConvertCmd.Flags().BoolVar(&convertLive, "live", false, "fetch node definitions from the configured ComfyUI")
	workflowCmd.AddCommand(workflowConvertCmd)
	workflowCmd.AddCommand(workflowListCmd)
	rootCmd.AddCommand(workflowCmd)
}
