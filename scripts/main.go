package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "verify-hashes":
		RunVerifyHashes(args)
	case "export-workflow":
		RunExportWorkflow(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  verify-hashes [config_path]")
	fmt.Println("    Recompute blake3 hashes of recorded uploads and report mismatches")
	fmt.Println("    Example: go run ./scripts verify-hashes")
	fmt.Println("")
	fmt.Println("  export-workflow <workflow_id> [version] [output_dir]")
	fmt.Println("    Write a stored workflow version (UI graph and API prompt) to disk")
	fmt.Println("    Example: go run ./scripts export-workflow 5f1c... 3 ./exported")
}
