package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/queue"
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Job scheduling core for multi-agent task execution",
	Long: `Dispatch turns free-form requests into jobs: an intent router maps
request text to a named intent, a task graph orders the work, and a
durable queue hands jobs to orchestrator workers that execute graph
nodes batch by batch.

Core capabilities:
- Routes request text to intents via configurable regex rules
- Validates dependency graphs and schedules independent nodes in parallel
- Persists jobs in SQLite so work survives restarts
- Retries failed jobs, resuming only the nodes that have not succeeded`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// openQueue opens the job queue selected by the configuration.
func openQueue(cfg *config.Config) (*queue.JobQueue, error) {
	if cfg.Queue.InMemory {
		return queue.New(queue.NewMemoryStore()), nil
	}

	path := cfg.Queue.DBPath
	if path == "" {
		path = queue.DefaultDBPath()
	}
	store, err := queue.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return queue.New(store), nil
}
