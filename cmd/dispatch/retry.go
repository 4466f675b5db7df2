package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-enqueue a failed job",
	Long: `Move a failed job back to pending so a worker picks it up again.

Only failed jobs can be retried, and only while the job has retry
budget left. Nodes that already succeeded are not re-executed.`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := q.Retry(args[0]); err != nil {
		return fmt.Errorf("retry job: %w", err)
	}

	fmt.Printf("%s job %s re-enqueued\n", color.GreenString("✓"), args[0])
	return nil
}
