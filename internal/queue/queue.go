// Package queue provides the durable job queue: jobs enter pending, are
// dequeued atomically by orchestrator workers, and move through the job state
// machine until they reach a terminal status. The backing store is pluggable.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/dispatch/internal/graph"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// DefaultMaxRetries is used by Submit when no retry budget is given.
const DefaultMaxRetries = 3

// JobQueue enforces the job state machine on top of a Store. All status
// changes go through here; the store only ever sees transitions the machine
// allows, plus conditional checks that keep concurrent callers linearizable
// per job id.
type JobQueue struct {
	store Store
}

// New creates a JobQueue over the given store.
func New(store Store) *JobQueue {
	return &JobQueue{store: store}
}

// Submit wraps an intent and a finalized task graph into a new pending job
// and enqueues it. Returns the new job's id.
func (q *JobQueue) Submit(intent models.Intent, g *graph.TaskGraph, maxRetries int) (string, error) {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	job := &models.Job{
		ID:         uuid.New().String(),
		Intent:     intent,
		Nodes:      g.Nodes(),
		Status:     models.JobStatusPending,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: maxRetries,
	}

	if !g.Finalized() {
		return "", &InvalidJobStateError{ID: job.ID, Reason: "task graph is not finalized"}
	}
	if err := q.store.Create(job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Enqueue persists a caller-constructed job. The job must be pending and its
// node set must form a valid, finalizable graph; anything else is rejected
// with InvalidJobStateError before the store is touched.
func (q *JobQueue) Enqueue(job *models.Job) error {
	if job.ID == "" {
		return &InvalidJobStateError{ID: job.ID, Reason: "job id must not be empty"}
	}
	if job.Status != models.JobStatusPending {
		return &InvalidJobStateError{ID: job.ID, Reason: fmt.Sprintf("status must be pending, got %s", job.Status)}
	}
	if len(job.Nodes) == 0 {
		return &InvalidJobStateError{ID: job.ID, Reason: "task graph has no nodes"}
	}
	if _, err := graph.Build(job.Nodes); err != nil {
		return &InvalidJobStateError{ID: job.ID, Reason: fmt.Sprintf("task graph rejected: %v", err)}
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if err := q.store.Create(job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Dequeue pops the oldest pending job and marks it running in one atomic
// step. Returns (nil, nil) when the queue is empty; callers poll or block
// per their own model.
func (q *JobQueue) Dequeue() (*models.Job, error) {
	return q.store.DequeueOldestPending(time.Now().UTC())
}

// Get returns a snapshot of the job. Fails with ErrNotFound for unknown ids.
func (q *JobQueue) Get(id string) (*models.Job, error) {
	return q.store.Get(id)
}

// GetStatus returns just the job's current status.
func (q *JobQueue) GetStatus(id string) (models.JobStatus, error) {
	job, err := q.store.Get(id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// List returns snapshots of all jobs, oldest first.
func (q *JobQueue) List() ([]*models.Job, error) {
	return q.store.List()
}

// UpdateStatus applies a state machine transition. A disallowed transition
// fails with InvalidTransitionError and leaves the stored record unchanged.
// errMsg is recorded on the job when transitioning to failed.
func (q *JobQueue) UpdateStatus(id string, status models.JobStatus, errMsg string) error {
	if !status.Valid() {
		return &InvalidTransitionError{ID: id, To: status}
	}

	job, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if !models.CanTransition(job.Status, status) {
		return &InvalidTransitionError{ID: id, From: job.Status, To: status}
	}

	upd := Update{}
	now := time.Now().UTC()
	switch status {
	case models.JobStatusDone, models.JobStatusCancelled:
		upd.CompletedAt = &now
	case models.JobStatusFailed:
		upd.CompletedAt = &now
		upd.Error = &errMsg
	case models.JobStatusRunning:
		upd.StartedAt = &now
	}

	err = q.store.Transition(id, job.Status, status, upd)
	if errors.Is(err, ErrConflict) {
		// The job moved between our read and the conditional write; report it
		// against the status the store actually holds.
		current, gerr := q.store.Get(id)
		if gerr != nil {
			return gerr
		}
		return &InvalidTransitionError{ID: id, From: current.Status, To: status}
	}
	return err
}

// Retry moves a failed job back to pending, increments its retry count, and
// re-appends it to the FIFO. Prior attempts' results are preserved for audit.
// Valid only from failed; rejected with RetryExhaustedError once the budget
// is used up.
func (q *JobQueue) Retry(id string) error {
	job, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusFailed {
		return &InvalidTransitionError{ID: id, From: job.Status, To: models.JobStatusPending}
	}
	if job.RetryCount >= job.MaxRetries {
		return &RetryExhaustedError{ID: id, RetryCount: job.RetryCount, MaxRetries: job.MaxRetries}
	}

	err = q.store.Requeue(id)
	if errors.Is(err, ErrConflict) {
		current, gerr := q.store.Get(id)
		if gerr != nil {
			return gerr
		}
		return &InvalidTransitionError{ID: id, From: current.Status, To: models.JobStatusPending}
	}
	return err
}

// Cancel moves a pending or running job to cancelled. Cancelling a running
// job only records intent: the orchestrator observes the status between
// batches and stops cooperatively; in-flight node results are still recorded.
func (q *JobQueue) Cancel(id string) error {
	job, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if !models.CanTransition(job.Status, models.JobStatusCancelled) {
		return &InvalidTransitionError{ID: id, From: job.Status, To: models.JobStatusCancelled}
	}

	now := time.Now().UTC()
	err = q.store.Transition(id, job.Status, models.JobStatusCancelled, Update{CompletedAt: &now})
	if errors.Is(err, ErrConflict) {
		// Racing with a dequeue: the job went pending -> running under us.
		// running -> cancelled is still legal, so try once more from there.
		err = q.store.Transition(id, models.JobStatusRunning, models.JobStatusCancelled, Update{CompletedAt: &now})
	}
	if errors.Is(err, ErrConflict) {
		// The job reached a state cancel cannot leave from; report the
		// transition that was actually rejected.
		current, gerr := q.store.Get(id)
		if gerr != nil {
			return gerr
		}
		return &InvalidTransitionError{ID: id, From: current.Status, To: models.JobStatusCancelled}
	}
	return err
}

// AppendResult appends one node outcome to the job's result ledger.
func (q *JobQueue) AppendResult(id string, res models.ExecutionResult) error {
	return q.store.AppendResult(id, res)
}

// PurgeTerminal removes done and cancelled jobs older than the cutoff.
func (q *JobQueue) PurgeTerminal(olderThan time.Duration) (int64, error) {
	return q.store.PurgeTerminal(olderThan)
}

// Close closes the backing store.
func (q *JobQueue) Close() error {
	return q.store.Close()
}
