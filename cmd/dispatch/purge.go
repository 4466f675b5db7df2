package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old finished jobs",
	Long: `Delete done and cancelled jobs older than the given age. Pending,
running, and failed jobs are never touched: failed jobs stay retryable.`,
	RunE: runPurge,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 7*24*time.Hour, "Minimum age of jobs to delete")
}

func runPurge(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.PurgeTerminal(purgeOlderThan)
	if err != nil {
		return fmt.Errorf("purge jobs: %w", err)
	}

	fmt.Printf("%s %d job(s) purged\n", color.GreenString("✓"), n)
	return nil
}
