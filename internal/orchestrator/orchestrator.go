// Package orchestrator consumes jobs from the queue and drives their task
// graphs to completion: batches of independent nodes run concurrently,
// batches run in sequence, and every outcome lands in the job's ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/graph"
	"github.com/ShayCichocki/dispatch/internal/protocol"
	"github.com/ShayCichocki/dispatch/internal/queue"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Config contains configuration options for an Orchestrator worker.
type Config struct {
	// WorkerID identifies this worker in logs and protocol messages.
	// A short random id is generated when empty.
	WorkerID string
	// PollInterval is the base wait between dequeue attempts on an empty
	// queue. Defaults to 500ms. Consecutive empty polls back off up to
	// eight times this interval.
	PollInterval time.Duration
	// NodeTimeout bounds how long one executor invocation may run.
	// Zero means no per-node timeout.
	NodeTimeout time.Duration
}

// Orchestrator is one consumer worker: it dequeues jobs and walks their task
// graphs in dependency order against the executor registry. It holds a
// working copy of each job and writes every change back through the queue;
// the queue's record stays authoritative throughout.
type Orchestrator struct {
	queue    *queue.JobQueue
	registry *Registry
	cfg      Config
	emitter  *EventEmitter
	sink     MessageSink
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithMessageSink attaches a protocol message sink for the audit trail.
func WithMessageSink(sink MessageSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithEmitter shares an event emitter, letting a pool aggregate events
// from several workers onto one channel.
func WithEmitter(e *EventEmitter) Option {
	return func(o *Orchestrator) {
		o.emitter = e
	}
}

// New creates an Orchestrator over the given queue and executor registry.
func New(q *queue.JobQueue, registry *Registry, cfg Config, opts ...Option) *Orchestrator {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	if registry == nil {
		registry = NewRegistry()
	}

	o := &Orchestrator{
		queue:    q,
		registry: registry,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.emitter == nil {
		o.emitter = NewEventEmitter(100)
	}
	return o
}

// Events returns the channel of orchestrator events.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Run is the consumer loop: dequeue, execute, repeat until the context is
// cancelled. Empty polls back off; executor failures fail jobs, never the loop.
func (o *Orchestrator) Run(ctx context.Context) error {
	wait := o.cfg.PollInterval
	maxWait := 8 * o.cfg.PollInterval

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := o.queue.Dequeue()
		if err != nil {
			log.Printf("[%s] dequeue failed: %v", o.cfg.WorkerID, err)
			job = nil
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			if wait < maxWait {
				wait *= 2
			}
			continue
		}

		wait = o.cfg.PollInterval
		o.ProcessJob(ctx, job)
	}
}

// ProcessJob executes one dequeued job to a terminal state. Exported so the
// CLI can run a job synchronously without starting the poll loop.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *models.Job) {
	log.Printf("[%s] job %s: starting (attempt %d of %d)", o.cfg.WorkerID, shortID(job.ID), job.RetryCount+1, job.MaxRetries+1)
	o.emitter.Emit(Event{Type: EventJobStarted, JobID: job.ID})

	failure := o.executeGraph(ctx, job)

	switch {
	case failure == nil:
		o.finish(job, models.JobStatusDone, "")
	case errors.Is(failure, errJobCancelled):
		log.Printf("[%s] job %s: cancelled, stopping before next batch", o.cfg.WorkerID, shortID(job.ID))
		o.emitter.Emit(Event{Type: EventJobCancelled, JobID: job.ID})
	default:
		o.finish(job, models.JobStatusFailed, failure.Error())
	}
}

// errJobCancelled signals that the job's status became cancelled mid-run.
var errJobCancelled = errors.New("job cancelled")

// executeGraph walks the job's graph batch by batch. It returns nil when all
// remaining nodes succeeded, errJobCancelled when cancellation was observed
// at a batch boundary, or the first node failure otherwise.
func (o *Orchestrator) executeGraph(ctx context.Context, job *models.Job) error {
	g, err := graph.Build(job.Nodes)
	if err != nil {
		return fmt.Errorf("task graph rejected: %w", err)
	}
	batches, err := g.ParallelBatches()
	if err != nil {
		return fmt.Errorf("task graph rejected: %w", err)
	}

	// Nodes that already succeeded in a prior attempt are not re-run:
	// a retry resumes the remaining work, not the whole graph.
	succeeded := job.SucceededNodes()
	debugLog("[%s] job %s: %d batches, %d node(s) already succeeded", o.cfg.WorkerID, shortID(job.ID), len(batches), len(succeeded))

	for i, batch := range batches {
		if cancelled, err := o.cancelRequested(job.ID); err != nil {
			return err
		} else if cancelled {
			return errJobCancelled
		}

		var pending []*models.ToDo
		for _, id := range batch {
			if succeeded[id] {
				continue
			}
			pending = append(pending, g.Node(id))
		}
		if len(pending) == 0 {
			continue
		}

		o.emitter.Emit(Event{Type: EventBatchStarted, JobID: job.ID, Batch: i,
			Message: fmt.Sprintf("%d node(s)", len(pending))})

		results := o.dispatchBatch(ctx, job, i, pending)

		// Every result is recorded, including the ones from a failing batch:
		// in-flight work finishes and its outcome is kept for audit.
		var firstFailure *models.ExecutionResult
		for j := range results {
			res := &results[j]
			if err := o.queue.AppendResult(job.ID, *res); err != nil {
				log.Printf("[%s] job %s: append result for node %s failed: %v", o.cfg.WorkerID, shortID(job.ID), res.TodoID, err)
			}
			if !res.Success && firstFailure == nil {
				firstFailure = res
			}
		}

		if firstFailure != nil {
			// Default batch failure policy: let the current batch finish
			// (it already has), then abort all remaining batches.
			return fmt.Errorf("node %s: %s", firstFailure.TodoID, firstFailure.Error)
		}
	}

	return nil
}

// dispatchBatch runs every node of one batch concurrently and waits for all
// of them. Results come back in the batch's node order.
func (o *Orchestrator) dispatchBatch(ctx context.Context, job *models.Job, batch int, todos []*models.ToDo) []models.ExecutionResult {
	results := make([]models.ExecutionResult, len(todos))

	var wg sync.WaitGroup
	for i, todo := range todos {
		wg.Add(1)
		go func(i int, todo *models.ToDo) {
			defer wg.Done()
			results[i] = o.executeNode(ctx, job, batch, todo)
		}(i, todo)
	}
	wg.Wait()

	return results
}

// executeNode dispatches a single node to its registered executor, enforcing
// the per-node timeout and stamping the result's identity and timing. All
// failure modes, including a missing executor, surface as a failed result.
func (o *Orchestrator) executeNode(ctx context.Context, job *models.Job, batch int, todo *models.ToDo) models.ExecutionResult {
	o.emitter.Emit(Event{Type: EventNodeStarted, JobID: job.ID, NodeID: todo.ID, Batch: batch})
	o.auditAssign(job, todo)

	started := time.Now().UTC()
	var res models.ExecutionResult

	ex, ok := o.registry.Lookup(todo.ActionType)
	if !ok {
		res = models.ExecutionResult{
			Success: false,
			Error:   fmt.Sprintf("no executor registered for action type %q", todo.ActionType),
		}
	} else {
		res = runWithTimeout(ctx, ex, todo, o.cfg.NodeTimeout)
	}

	res.TodoID = todo.ID
	res.StartedAt = started
	res.CompletedAt = time.Now().UTC()
	debugLog("[%s] job %s: node %s finished in %s (success=%t)", o.cfg.WorkerID, shortID(job.ID), todo.ID, res.CompletedAt.Sub(started), res.Success)
	if res.Success {
		res.Error = ""
	} else if res.Error == "" {
		res.Error = "executor reported failure without detail"
	}

	if res.Success {
		o.emitter.Emit(Event{Type: EventNodeCompleted, JobID: job.ID, NodeID: todo.ID, Batch: batch})
	} else {
		o.emitter.Emit(Event{Type: EventNodeFailed, JobID: job.ID, NodeID: todo.ID, Batch: batch, Message: res.Error})
	}
	o.auditOutcome(job, todo, res)

	return res
}

// cancelRequested re-reads the job's status at a batch boundary. This is the
// cooperative cancellation point: a cancel on a running job takes effect here.
func (o *Orchestrator) cancelRequested(jobID string) (bool, error) {
	status, err := o.queue.GetStatus(jobID)
	if err != nil {
		return false, fmt.Errorf("read job status: %w", err)
	}
	return status == models.JobStatusCancelled, nil
}

// finish drives the job to its terminal status. A rejected transition means
// the job was cancelled while the last batch ran; cancelled wins.
func (o *Orchestrator) finish(job *models.Job, status models.JobStatus, errMsg string) {
	if err := o.queue.UpdateStatus(job.ID, status, errMsg); err != nil {
		var invalid *queue.InvalidTransitionError
		if errors.As(err, &invalid) && invalid.From == models.JobStatusCancelled {
			log.Printf("[%s] job %s: cancelled during final batch, keeping cancelled", o.cfg.WorkerID, shortID(job.ID))
			o.emitter.Emit(Event{Type: EventJobCancelled, JobID: job.ID})
			return
		}
		log.Printf("[%s] job %s: status update to %s failed: %v", o.cfg.WorkerID, shortID(job.ID), status, err)
		return
	}

	switch status {
	case models.JobStatusDone:
		log.Printf("[%s] job %s: done", o.cfg.WorkerID, shortID(job.ID))
		o.emitter.Emit(Event{Type: EventJobDone, JobID: job.ID})
	case models.JobStatusFailed:
		log.Printf("[%s] job %s: failed: %s", o.cfg.WorkerID, shortID(job.ID), errMsg)
		o.emitter.Emit(Event{Type: EventJobFailed, JobID: job.ID, Message: errMsg})
	}
}

// auditAssign emits the Assign protocol message for a dispatched node.
func (o *Orchestrator) auditAssign(job *models.Job, todo *models.ToDo) {
	if o.sink == nil {
		return
	}
	msg, err := protocol.New(protocol.TypeAssign, o.cfg.WorkerID, string(todo.ActionType),
		map[string]any{"todo_id": todo.ID, "job_id": job.ID},
		protocol.WithConversationID(job.ID+"/"+todo.ID))
	if err != nil {
		log.Printf("[%s] build assign message: %v", o.cfg.WorkerID, err)
		return
	}
	o.sendAudit(msg)
}

// auditOutcome emits the Done or Failure protocol message answering the Assign.
func (o *Orchestrator) auditOutcome(job *models.Job, todo *models.ToDo, res models.ExecutionResult) {
	if o.sink == nil {
		return
	}

	var msg protocol.Message
	var err error
	if res.Success {
		msg, err = protocol.New(protocol.TypeDone, string(todo.ActionType), o.cfg.WorkerID,
			map[string]any{"todo_id": todo.ID, "job_id": job.ID},
			protocol.WithConversationID(job.ID+"/"+todo.ID))
	} else {
		msg, err = protocol.New(protocol.TypeFailure, string(todo.ActionType), o.cfg.WorkerID,
			map[string]any{"todo_id": todo.ID, "job_id": job.ID, "error": res.Error},
			protocol.WithConversationID(job.ID+"/"+todo.ID))
	}
	if err != nil {
		log.Printf("[%s] build outcome message: %v", o.cfg.WorkerID, err)
		return
	}
	o.sendAudit(msg)
}

// shortID trims a uuid to its display form.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
