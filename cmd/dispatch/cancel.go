package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running job",
	Long: `Mark a job cancelled. Pending jobs never start; running jobs stop at
the next batch boundary, keeping the results of nodes that already
finished. Cancellation is final: a cancelled job cannot be retried.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	if err := q.Cancel(args[0]); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	fmt.Printf("%s job %s cancelled\n", color.YellowString("⚠"), args[0])
	return nil
}
