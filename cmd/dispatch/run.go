package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/orchestrator"
	"github.com/ShayCichocki/dispatch/internal/queue"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var (
	runWorkers int
	runOnce    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run orchestrator workers",
	Long: `Start a pool of orchestrator workers that dequeue pending jobs and
execute their task graphs batch by batch.

Workers poll the shared queue, so multiple dispatch processes can run
against the same database without processing a job twice. Press Ctrl-C
to stop; workers finish their current job before exiting.

With --once, jobs are processed synchronously one at a time and the
command exits when the queue is empty.`,
	RunE: runWorkersCmd,
}

func init() {
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Number of workers (default from config)")
	runCmd.Flags().BoolVar(&runOnce, "once", false, "Process pending jobs synchronously, then exit")
}

// builtinRegistry registers the executors every dispatch worker ships with.
func builtinRegistry() (*orchestrator.Registry, error) {
	registry := orchestrator.NewRegistry()
	if err := registry.Register(models.ActionNoop, orchestrator.NoopExecutor{}); err != nil {
		return nil, fmt.Errorf("register noop executor: %w", err)
	}
	if err := registry.Register(models.ActionShell, orchestrator.NewShellExecutor("")); err != nil {
		return nil, fmt.Errorf("register shell executor: %w", err)
	}
	return registry, nil
}

func runWorkersCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workers := runWorkers
	if workers <= 0 {
		workers = cfg.Orchestrator.Workers
	}
	if workers <= 0 {
		workers = 1
	}

	q, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	registry, err := builtinRegistry()
	if err != nil {
		return err
	}

	if runOnce {
		return drainQueue(q, registry, orchestrator.Config{
			PollInterval: cfg.Orchestrator.PollInterval,
			NodeTimeout:  cfg.Orchestrator.NodeTimeout,
		})
	}

	pool := orchestrator.NewPool(q, registry, orchestrator.Config{
		PollInterval: cfg.Orchestrator.PollInterval,
		NodeTimeout:  cfg.Orchestrator.NodeTimeout,
	}, workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	fmt.Printf("%s %d worker(s) started, waiting for jobs\n", color.CyanString("▸"), pool.Size())

	for {
		select {
		case ev, ok := <-pool.Events():
			if !ok {
				return nil
			}
			printEvent(ev)
		case <-ctx.Done():
			fmt.Println("\nshutting down...")
			pool.Stop()
			drainEvents(pool)
			return nil
		}
	}
}

// drainQueue processes pending jobs one at a time on a single worker until
// the queue is empty. Events are flushed after each job so output stays in
// job order.
func drainQueue(q *queue.JobQueue, registry *orchestrator.Registry, cfg orchestrator.Config) error {
	o := orchestrator.New(q, registry, cfg)

	ctx := context.Background()
	processed := 0
	for {
		job, err := q.Dequeue()
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if job == nil {
			break
		}
		o.ProcessJob(ctx, job)
		processed++
		flushEvents(o.Events())
	}

	fmt.Printf("%d job(s) processed\n", processed)
	return nil
}

// flushEvents prints buffered events without blocking.
func flushEvents(events <-chan orchestrator.Event) {
	for {
		select {
		case ev := <-events:
			printEvent(ev)
		default:
			return
		}
	}
}

// drainEvents prints events still buffered after the pool stopped.
func drainEvents(pool *orchestrator.Pool) {
	for ev := range pool.Events() {
		printEvent(ev)
	}
}

func printEvent(ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventJobStarted:
		fmt.Printf("%s job %s started\n", color.CyanString("▸"), ev.JobID)
	case orchestrator.EventJobDone:
		fmt.Printf("%s job %s done\n", color.GreenString("✓"), ev.JobID)
	case orchestrator.EventJobFailed:
		fmt.Printf("%s job %s failed: %s\n", color.RedString("✗"), ev.JobID, ev.Message)
	case orchestrator.EventJobCancelled:
		fmt.Printf("%s job %s cancelled\n", color.YellowString("⚠"), ev.JobID)
	case orchestrator.EventBatchStarted:
		fmt.Printf("  batch %d of job %s started\n", ev.Batch, ev.JobID)
	case orchestrator.EventNodeFailed:
		fmt.Printf("  %s node %s failed: %s\n", color.RedString("✗"), ev.NodeID, ev.Message)
	case orchestrator.EventNodeCompleted:
		fmt.Printf("  %s node %s done\n", color.GreenString("✓"), ev.NodeID)
	}
}
