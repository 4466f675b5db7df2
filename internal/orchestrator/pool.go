package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ShayCichocki/dispatch/internal/queue"
)

// Pool runs several orchestrator workers over one queue. The queue's atomic
// dequeue is the only coordination the workers need: two of them never
// receive the same job, and separate jobs execute fully concurrently.
type Pool struct {
	workers []*Orchestrator
	emitter *EventEmitter

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool creates a pool of n workers sharing the queue, registry, and
// configuration. Each worker gets its own worker id; events from all workers
// aggregate on a single channel.
func NewPool(q *queue.JobQueue, registry *Registry, cfg Config, n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}

	emitter := NewEventEmitter(100 * n)
	p := &Pool{emitter: emitter}
	for i := 0; i < n; i++ {
		wcfg := cfg
		if wcfg.WorkerID != "" {
			wcfg.WorkerID = fmt.Sprintf("%s-%d", cfg.WorkerID, i)
		}
		workerOpts := append([]Option{WithEmitter(emitter)}, opts...)
		p.workers = append(p.workers, New(q, registry, wcfg, workerOpts...))
	}
	return p
}

// Events returns the aggregated event channel for all workers.
func (p *Pool) Events() <-chan Event {
	return p.emitter.Events()
}

// Start launches every worker's consumer loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Orchestrator) {
			defer p.wg.Done()
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("[pool] worker %s stopped: %v", w.cfg.WorkerID, err)
			}
		}(w)
	}
}

// Stop cancels all workers, waits for them to drain, and closes the event
// channel.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.emitter.Close()
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int {
	return len(p.workers)
}
