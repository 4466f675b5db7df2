package queue

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// ErrNotFound indicates a lookup for an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrConflict is returned by a store when a conditional update found the job
// in a different status than expected. The stored record is left unchanged.
var ErrConflict = errors.New("job modified concurrently")

// InvalidJobStateError indicates a job was offered to the queue in a state it
// cannot accept, e.g. enqueueing a job that is not pending or whose graph
// does not validate.
type InvalidJobStateError struct {
	ID     string
	Reason string
}

func (e *InvalidJobStateError) Error() string {
	return fmt.Sprintf("job %s: invalid state: %s", e.ID, e.Reason)
}

// InvalidTransitionError indicates a status change the state machine forbids.
// The stored record is unchanged when this is returned.
type InvalidTransitionError struct {
	ID   string
	From models.JobStatus
	To   models.JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// RetryExhaustedError indicates a retry was requested on a job that already
// used up its retry budget. The job stays failed; manual intervention is needed.
type RetryExhaustedError struct {
	ID         string
	RetryCount int
	MaxRetries int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("job %s: retries exhausted (%d/%d)", e.ID, e.RetryCount, e.MaxRetries)
}
