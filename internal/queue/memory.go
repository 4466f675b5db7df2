package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. A single
// mutex makes every operation atomic; FIFO order is tracked with a sequence
// counter that Requeue bumps to re-append retried jobs at the tail.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memoryRecord
	seq  int64
}

type memoryRecord struct {
	job *models.Job
	seq int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memoryRecord)}
}

// Create persists a new job record.
func (s *MemoryStore) Create(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.seq++
	s.jobs[job.ID] = &memoryRecord{job: cloneJob(job), seq: s.seq}
	return nil
}

// Get returns a snapshot of the job.
func (s *MemoryStore) Get(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(rec.job), nil
}

// List returns all jobs, oldest first.
func (s *MemoryStore) List() ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*memoryRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	jobs := make([]*models.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, cloneJob(rec.job))
	}
	return jobs, nil
}

// DequeueOldestPending pops the oldest pending job and marks it running.
func (s *MemoryStore) DequeueOldestPending(startedAt time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *memoryRecord
	for _, rec := range s.jobs {
		if rec.job.Status != models.JobStatusPending {
			continue
		}
		if oldest == nil || rec.seq < oldest.seq {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.job.Status = models.JobStatusRunning
	ts := startedAt
	oldest.job.StartedAt = &ts
	return cloneJob(oldest.job), nil
}

// Transition conditionally updates the job's status.
func (s *MemoryStore) Transition(id string, from, to models.JobStatus, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.job.Status != from {
		return ErrConflict
	}

	rec.job.Status = to
	if upd.Error != nil {
		rec.job.Error = *upd.Error
	}
	if upd.StartedAt != nil {
		ts := *upd.StartedAt
		rec.job.StartedAt = &ts
	}
	if upd.CompletedAt != nil {
		ts := *upd.CompletedAt
		rec.job.CompletedAt = &ts
	}
	return nil
}

// Requeue moves a failed job back to pending at the FIFO tail.
func (s *MemoryStore) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if rec.job.Status != models.JobStatusFailed {
		return ErrConflict
	}

	rec.job.Status = models.JobStatusPending
	rec.job.RetryCount++
	rec.job.Error = ""
	rec.job.StartedAt = nil
	rec.job.CompletedAt = nil
	s.seq++
	rec.seq = s.seq
	return nil
}

// AppendResult appends one result to the job's ledger.
func (s *MemoryStore) AppendResult(id string, res models.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	rec.job.Results = append(rec.job.Results, res)
	return nil
}

// PurgeTerminal deletes done and cancelled jobs completed before the cutoff.
func (s *MemoryStore) PurgeTerminal(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for id, rec := range s.jobs {
		if !rec.job.Status.Terminal() {
			continue
		}
		if rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// cloneJob deep-copies a job so callers never alias stored state.
func cloneJob(j *models.Job) *models.Job {
	out := *j
	if j.StartedAt != nil {
		ts := *j.StartedAt
		out.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		out.CompletedAt = &ts
	}
	if j.Nodes != nil {
		out.Nodes = make([]*models.ToDo, len(j.Nodes))
		for i, n := range j.Nodes {
			nc := *n
			if n.Parameters != nil {
				nc.Parameters = make(map[string]string, len(n.Parameters))
				for k, v := range n.Parameters {
					nc.Parameters[k] = v
				}
			}
			nc.DependsOn = append([]string(nil), n.DependsOn...)
			out.Nodes[i] = &nc
		}
	}
	out.Results = append([]models.ExecutionResult(nil), j.Results...)
	out.Intent.Parameters = nil
	if j.Intent.Parameters != nil {
		out.Intent.Parameters = make(map[string]string, len(j.Intent.Parameters))
		for k, v := range j.Intent.Parameters {
			out.Intent.Parameters[k] = v
		}
	}
	return &out
}
