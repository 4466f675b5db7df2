package orchestrator

import (
	"log"
	"sync"

	"github.com/ShayCichocki/dispatch/internal/protocol"
)

// MessageSink receives the protocol messages the orchestrator emits while
// driving a job: an Assign per dispatched node, answered by a Done or a
// Failure. Attaching a transport here is how worker agents observe execution;
// the orchestrator itself never blocks on a sink error.
type MessageSink interface {
	Send(msg protocol.Message) error
}

// MemorySink buffers messages in memory. Used by tests and in-process consumers.
type MemorySink struct {
	mu       sync.Mutex
	messages []protocol.Message
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Send appends the message to the buffer.
func (s *MemorySink) Send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

// Messages returns a copy of all buffered messages in send order.
func (s *MemorySink) Messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.messages...)
}

// sendAudit delivers a message to the sink, logging and moving on if the sink
// rejects it. Audit delivery never affects job outcomes.
func (o *Orchestrator) sendAudit(msg protocol.Message) {
	if o.sink == nil {
		return
	}
	if err := o.sink.Send(msg); err != nil {
		log.Printf("[orchestrator] audit sink rejected %s message: %v", msg.Type, err)
	}
}
