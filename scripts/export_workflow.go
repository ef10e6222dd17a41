package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/database"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

// RunExportWorkflow writes one stored workflow version to <output_dir>/<id>-v<version>*.json
func RunExportWorkflow(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: go run ./scripts export-workflow <workflow_id> [version] [output_dir]")
		os.Exit(1)
	}

	workflowID := args[0]
	version := 0
	if len(args) > 1 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			fmt.Printf("Invalid version %q\n", args[1])
			os.Exit(1)
		}
		version = v
	}
	outputDir := "."
	if len(args) > 2 {
		outputDir = args[2]
	}

	config := utils.NewConfigManager("")
	logger := utils.NewLogsManager(config)
	defer logger.Close()

	db, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	var stored *types.WorkflowVersion
	if version == 0 {
		wf, err := db.GetWorkflow(ctx, workflowID)
		if err != nil {
			fmt.Printf("Failed to load workflow: %v\n", err)
			os.Exit(1)
		}
		if wf.Version == nil {
			fmt.Printf("Workflow %s has no versions\n", workflowID)
			os.Exit(1)
		}
		stored = wf.Version
	} else {
		stored, err = db.GetWorkflowVersion(ctx, workflowID, version)
		if err != nil {
			fmt.Printf("Failed to load version: %v\n", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Printf("Failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	base := filepath.Join(outputDir, fmt.Sprintf("%s-v%d", workflowID, stored.Version))
	written := 0
	for suffix, payload := range map[string]json.RawMessage{
		".json":     stored.Payload,
		"-api.json": stored.APIPayload,
	} {
		if len(payload) == 0 || string(payload) == "null" {
			continue
		}
		if err := os.WriteFile(base+suffix, payload, 0644); err != nil {
			fmt.Printf("Failed to write %s: %v\n", base+suffix, err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", base+suffix)
		written++
	}

	if written == 0 {
		fmt.Println("Version has no content")
		os.Exit(1)
	}
}
