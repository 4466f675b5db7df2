package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventJobStarted indicates a job was dequeued and execution began.
	EventJobStarted EventType = "job_started"
	// EventJobDone indicates every node of a job completed successfully.
	EventJobDone EventType = "job_done"
	// EventJobFailed indicates a job stopped on a node failure.
	EventJobFailed EventType = "job_failed"
	// EventJobCancelled indicates a job was observed cancelled and abandoned.
	EventJobCancelled EventType = "job_cancelled"
	// EventNodeStarted indicates a node was dispatched to its executor.
	EventNodeStarted EventType = "node_started"
	// EventNodeCompleted indicates a node's executor returned success.
	EventNodeCompleted EventType = "node_completed"
	// EventNodeFailed indicates a node's executor returned failure or timed out.
	EventNodeFailed EventType = "node_failed"
	// EventBatchStarted indicates a parallel batch began dispatching.
	EventBatchStarted EventType = "batch_started"
)

// Event is emitted by the orchestrator as jobs and nodes progress.
// Consumers (the CLI run command, tests) read them off a buffered channel.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// JobID is the ID of the related job.
	JobID string
	// NodeID is the ID of the related node, if applicable.
	NodeID string
	// Batch is the zero-based batch index, for batch and node events.
	Batch int
	// Message provides additional context about the event.
	Message string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter provides thread-safe event emission with bounded buffering.
// Slow consumers cause drops rather than stalling job execution.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates an EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{events: make(chan Event, bufferSize)}
}

// Emit sends an event, dropping it if the buffer stays full.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	// Give the receiver a moment to drain before dropping.
	select {
	case e.events <- event:
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam.
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of dropped events.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns the read side of the event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the event channel. Call only after all emitters stopped.
func (e *EventEmitter) Close() {
	close(e.events)
}
