package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job queue state",
	Long: `Display the jobs in the queue.

Without arguments, lists all jobs newest first. With a job id, shows
that job's nodes and per-node execution results.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7"))

	statusStyles = map[models.JobStatus]lipgloss.Style{
		models.JobStatusPending:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		models.JobStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		models.JobStatusDone:      lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		models.JobStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		models.JobStatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	if len(args) == 1 {
		job, err := q.Get(args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		displayJob(job)
		return nil
	}

	jobs, err := q.List()
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs. Run 'dispatch submit --plan <file>' to enqueue one.")
		return nil
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	displayJobTable(jobs)
	return nil
}

func displayJobTable(jobs []*models.Job) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s  %-12s  %-16s  %7s  %s",
		"ID", "STATUS", "INTENT", "RETRIES", "AGE")))

	for _, job := range jobs {
		status := string(job.Status)
		if style, ok := statusStyles[job.Status]; ok {
			status = style.Render(fmt.Sprintf("%-12s", status))
		} else {
			status = fmt.Sprintf("%-12s", status)
		}

		intentName := job.Intent.Name
		if len(intentName) > 16 {
			intentName = intentName[:15] + "…"
		}

		fmt.Printf("%-36s  %s  %-16s  %3d/%-3d  %s\n",
			job.ID,
			status,
			intentName,
			job.RetryCount, job.MaxRetries,
			formatDuration(time.Since(job.CreatedAt)))
	}
}

func displayJob(job *models.Job) {
	statusText := string(job.Status)
	if style, ok := statusStyles[job.Status]; ok {
		statusText = style.Render(statusText)
	}

	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Intent:  %s\n", job.Intent.Name)
	if len(job.Intent.Parameters) > 0 {
		keys := make([]string, 0, len(job.Intent.Parameters))
		for k := range job.Intent.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, job.Intent.Parameters[k]))
		}
		fmt.Printf("  Params:  %s\n", strings.Join(pairs, " "))
	}
	fmt.Printf("  Status:  %s\n", statusText)
	fmt.Printf("  Created: %s ago\n", formatDuration(time.Since(job.CreatedAt)))
	fmt.Printf("  Retries: %d/%d\n", job.RetryCount, job.MaxRetries)
	if job.Error != "" {
		fmt.Printf("  Error:   %s\n", job.Error)
	}

	fmt.Printf("\nNodes (%d):\n", len(job.Nodes))
	succeeded := job.SucceededNodes()
	for _, n := range job.Nodes {
		marker := " "
		if succeeded[n.ID] {
			marker = "✓"
		}
		deps := ""
		if len(n.DependsOn) > 0 {
			deps = " ← " + strings.Join(n.DependsOn, ", ")
		}
		fmt.Printf("  %s %s (%s)%s\n", marker, n.ID, n.ActionType, deps)
	}

	if len(job.Results) > 0 {
		fmt.Printf("\nResults (%d):\n", len(job.Results))
		for _, r := range job.Results {
			outcome := "ok"
			if !r.Success {
				outcome = "failed: " + r.Error
			}
			fmt.Printf("  %s: %s (%s)\n", r.TodoID, outcome,
				formatDuration(r.CompletedAt.Sub(r.StartedAt)))
		}
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
