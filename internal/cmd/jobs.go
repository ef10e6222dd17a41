package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/database"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job history",
	Long: `Inspect the jobs this machine has executed.

Finished jobs are kept in the local database after they leave the in-memory queue.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		db := openDatabase()
		defer db.Close()

		jobs, err := db.ListJobExecutions(context.Background(), jobsLimit)
		if err != nil {
			fmt.Printf("Error: Failed to list jobs: %v\n", err)
			os.Exit(1)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs recorded")
			return
		}

		fmt.Println("Jobs:")
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		for _, job := range jobs {
			printJob(job)
		}
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openDatabase()
		defer db.Close()

		job, err := db.GetJobExecution(context.Background(), args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		printJob(job)
	},
}

func openDatabase() *database.SQLiteManager {
	db, err := database.NewSQLiteManager(config, logger)
	if err != nil {
		fmt.Printf("Error: Failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	return db
}

func printJob(job *types.JobExecution) {
	fmt.Printf("\nJob:         %s\n", job.JobID)
	if job.WorkflowID != "" {
		fmt.Printf("Workflow:    %s\n", job.WorkflowID)
	}
	if job.PromptID != "" {
		fmt.Printf("Prompt:      %s\n", job.PromptID)
	}
	fmt.Printf("State:       %s\n", job.State)
	fmt.Printf("Created:     %s\n", job.CreatedAt.Local().Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Printf("Completed:   %s (%s)\n", job.CompletedAt.Local().Format(time.RFC3339),
			job.CompletedAt.Sub(job.CreatedAt).Round(time.Millisecond))
	}
	if job.Error != "" {
		fmt.Printf("Error:       %s\n", job.Error)
	}
}

func init() {
	jobsListCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "number of jobs to show")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
