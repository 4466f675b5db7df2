package queue

import (
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// Update carries the optional field changes applied with a status transition.
// Nil fields are left untouched.
type Update struct {
	// Error sets or clears the job's terminal error.
	Error *string
	// StartedAt sets the job's started time.
	StartedAt *time.Time
	// CompletedAt sets the job's completion time.
	CompletedAt *time.Time
}

// Store is the durable persistence contract behind the JobQueue. Every method
// is atomic on its own; DequeueOldestPending and Transition are the two
// mutual-exclusion points that keep concurrent producers and consumers safe.
// Backing technology is swappable: an SQLite store and an in-memory store
// both implement this interface.
type Store interface {
	// Create persists a new job record. Fails if the id already exists.
	Create(job *models.Job) error

	// Get returns a snapshot of the job, including its result ledger.
	// Returns ErrNotFound for unknown ids.
	Get(id string) (*models.Job, error)

	// List returns snapshots of all jobs, oldest first.
	List() ([]*models.Job, error)

	// DequeueOldestPending atomically pops the oldest pending job, marks it
	// running, and stamps startedAt. Returns (nil, nil) when no job is pending.
	// No two callers ever receive the same job.
	DequeueOldestPending(startedAt time.Time) (*models.Job, error)

	// Transition updates the job's status only if it is currently in the
	// expected from status, applying upd in the same atomic step.
	// Returns ErrConflict if the stored status differs, leaving the record
	// unchanged; ErrNotFound for unknown ids.
	Transition(id string, from, to models.JobStatus, upd Update) error

	// Requeue moves a failed job back to pending at the tail of the FIFO:
	// retry count incremented, error cleared, started/completed times reset.
	// Returns ErrConflict if the job is not failed.
	Requeue(id string) error

	// AppendResult appends one execution result to the job's ledger.
	AppendResult(id string, res models.ExecutionResult) error

	// PurgeTerminal deletes done and cancelled jobs that completed before the
	// cutoff. Returns the number of jobs removed.
	PurgeTerminal(olderThan time.Duration) (int64, error)

	// Close releases the store's resources.
	Close() error
}
