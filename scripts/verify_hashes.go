package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	_ "modernc.org/sqlite"
)

// RunVerifyHashes compares the file_hashes table against the files in the input directory
func RunVerifyHashes(args []string) {
	configPath := ""
	if len(args) > 0 {
		configPath = args[0]
	}
	config := utils.NewConfigManager(configPath)
	paths := utils.GetAppPaths("")
	comfyPaths := utils.GetComfyPaths(config)

	dbPath := config.GetConfigWithDefault("database_file", "comfy-deploy.db")
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(paths.DataDir, dbPath)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	rows, err := db.Query("SELECT filename, hash, size FROM file_hashes ORDER BY filename")
	if err != nil {
		fmt.Printf("Failed to read file hashes: %v\n", err)
		os.Exit(1)
	}
	defer rows.Close()

	fmt.Printf("=== Upload Hash Verification ===\n")
	fmt.Printf("Database:  %s\n", dbPath)
	fmt.Printf("Input dir: %s\n\n", comfyPaths.InputDir)

	var checked, missing, mismatched int
	for rows.Next() {
		var filename, recorded string
		var size int64
		if err := rows.Scan(&filename, &recorded, &size); err != nil {
			fmt.Printf("Failed to scan row: %v\n", err)
			os.Exit(1)
		}
		checked++

		fullPath, err := utils.SafeJoin(comfyPaths.InputDir, filename)
		if err != nil {
			fmt.Printf("SKIP     %s (%v)\n", filename, err)
			continue
		}
		info, err := os.Stat(fullPath)
		if err != nil {
			missing++
			fmt.Printf("MISSING  %s\n", filename)
			continue
		}

		actual, err := utils.HashFile(fullPath)
		if err != nil {
			fmt.Printf("ERROR    %s (%v)\n", filename, err)
			continue
		}
		if actual != recorded || info.Size() != size {
			mismatched++
			fmt.Printf("MISMATCH %s\n  recorded: %s (%d bytes)\n  actual:   %s (%d bytes)\n",
				filename, recorded, size, actual, info.Size())
			continue
		}
		fmt.Printf("OK       %s\n", filename)
	}
	if err := rows.Err(); err != nil {
		fmt.Printf("Failed to iterate file hashes: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nChecked %d, missing %d, mismatched %d\n", checked, missing, mismatched)
	if missing > 0 || mismatched > 0 {
		os.Exit(1)
	}
}
