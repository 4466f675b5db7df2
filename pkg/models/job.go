package models

import "time"

// JobStatus represents the current state of a job in the queue.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be picked up.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates an orchestrator is executing the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusDone indicates every node completed successfully.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed indicates at least one node failed and the job stopped.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled by a caller.
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusDone, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed out of this status.
// Failed is not terminal: an explicit retry moves a failed job back to pending.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusCancelled
}

// CanTransition reports whether the job state machine allows moving
// from one status to another. The failed -> pending edge exists only
// for retries and is the sole way out of failed.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusDone || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusFailed:
		return to == JobStatusPending
	default:
		// done and cancelled are terminal.
		return false
	}
}

// Intent is the structured classification of a raw instruction.
type Intent struct {
	// Name is the matched rule identifier, or "unknown" when no rule matched.
	Name string `json:"name"`
	// RawText is the original instruction the intent was routed from.
	RawText string `json:"raw_text"`
	// Parameters holds values extracted from the matched pattern's capture groups.
	Parameters map[string]string `json:"parameters,omitempty"`
}

// FallbackIntentName is the reserved intent name returned when no rule matches.
const FallbackIntentName = "unknown"

// ExecutionResult is the outcome of executing a single ToDo node.
// Results are immutable once created and appended to the owning job's ledger.
type ExecutionResult struct {
	// TodoID is the ID of the node this result belongs to.
	TodoID string `json:"todo_id"`
	// Success indicates whether the executor completed the node.
	Success bool `json:"success"`
	// Output is the executor's free-form output payload.
	Output string `json:"output,omitempty"`
	// Error describes the failure. Set iff Success is false.
	Error string `json:"error,omitempty"`
	// StartedAt is when the executor was invoked.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the executor returned.
	CompletedAt time.Time `json:"completed_at"`
}

// Job is the durable unit of scheduling: an intent plus its task graph,
// tracked through the job state machine.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`
	// Intent is the routed intent that originated this job.
	Intent Intent `json:"intent"`
	// Nodes is the node set of the job's task graph. The graph is validated
	// and frozen before enqueue; consumers rebuild it for traversal.
	Nodes []*ToDo `json:"nodes"`
	// Status is the current state of the job.
	Status JobStatus `json:"status"`
	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when an orchestrator last picked the job up.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the job reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Error is the terminal failure reason, if any.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`
	// MaxRetries bounds how many times Retry may be called on this job.
	MaxRetries int `json:"max_retries"`
	// Results is the ordered ledger of per-node outcomes across all attempts.
	Results []ExecutionResult `json:"results,omitempty"`
}

// SucceededNodes returns the set of node IDs that have a successful result
// in the job's ledger. Retried jobs use this to skip completed work.
func (j *Job) SucceededNodes() map[string]bool {
	done := make(map[string]bool)
	for _, r := range j.Results {
		if r.Success {
			done[r.TodoID] = true
		}
	}
	return done
}
