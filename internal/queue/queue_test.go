package queue

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/dispatch/internal/graph"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

// withStores runs a subtest against both store implementations, since the
// JobQueue contract must hold regardless of backing technology.
func withStores(t *testing.T, fn func(t *testing.T, q *JobQueue)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		q := New(NewMemoryStore())
		defer q.Close()
		fn(t, q)
	})

	t.Run("sqlite", func(t *testing.T) {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		q := New(store)
		defer q.Close()
		fn(t, q)
	})
}

func testGraph(t *testing.T) *graph.TaskGraph {
	t.Helper()
	g, err := graph.Build([]*models.ToDo{
		{ID: "a", ActionType: models.ActionNoop},
		{ID: "b", ActionType: models.ActionNoop, DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func submit(t *testing.T, q *JobQueue, maxRetries int) string {
	t.Helper()
	id, err := q.Submit(models.Intent{Name: "test", RawText: "test"}, testGraph(t), maxRetries)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func TestSubmitAndGet(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 2)

		job, err := q.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if job.Status != models.JobStatusPending {
			t.Errorf("fresh job should be pending, got %s", job.Status)
		}
		if job.MaxRetries != 2 {
			t.Errorf("expected max retries 2, got %d", job.MaxRetries)
		}
		if len(job.Nodes) != 2 {
			t.Errorf("expected 2 nodes, got %d", len(job.Nodes))
		}
		if job.Intent.Name != "test" {
			t.Errorf("unexpected intent: %+v", job.Intent)
		}
	})
}

func TestSubmitUnfinalizedGraph(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		g := graph.New()
		if err := g.AddNode(&models.ToDo{ID: "a", ActionType: models.ActionNoop}); err != nil {
			t.Fatalf("add node: %v", err)
		}

		_, err := q.Submit(models.Intent{Name: "test"}, g, 0)
		var invalid *InvalidJobStateError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidJobStateError, got %v", err)
		}
	})
}

func TestEnqueueValidation(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		base := func() *models.Job {
			return &models.Job{
				ID:     "job-x",
				Status: models.JobStatusPending,
				Nodes:  []*models.ToDo{{ID: "a", ActionType: models.ActionNoop}},
			}
		}

		running := base()
		running.Status = models.JobStatusRunning
		if err := q.Enqueue(running); err == nil {
			t.Error("expected rejection of non-pending job")
		}

		cyclic := base()
		cyclic.Nodes = []*models.ToDo{
			{ID: "a", ActionType: models.ActionNoop, DependsOn: []string{"b"}},
			{ID: "b", ActionType: models.ActionNoop, DependsOn: []string{"a"}},
		}
		if err := q.Enqueue(cyclic); err == nil {
			t.Error("expected rejection of cyclic graph")
		}

		empty := base()
		empty.Nodes = nil
		if err := q.Enqueue(empty); err == nil {
			t.Error("expected rejection of empty graph")
		}

		if err := q.Enqueue(base()); err != nil {
			t.Errorf("valid job rejected: %v", err)
		}
	})
}

func TestDequeueLifecycle(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 0)

		job, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job == nil || job.ID != id {
			t.Fatalf("expected job %s, got %+v", id, job)
		}
		if job.Status != models.JobStatusRunning {
			t.Errorf("dequeued job should be running, got %s", job.Status)
		}
		if job.StartedAt == nil {
			t.Error("dequeued job should have started_at set")
		}

		status, err := q.GetStatus(id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if status != models.JobStatusRunning {
			t.Errorf("stored status should be running, got %s", status)
		}

		if err := q.UpdateStatus(id, models.JobStatusDone, ""); err != nil {
			t.Fatalf("mark done: %v", err)
		}

		done, _ := q.Get(id)
		if done.Status != models.JobStatusDone {
			t.Errorf("expected done, got %s", done.Status)
		}
		if done.CompletedAt == nil {
			t.Error("done job should have completed_at set")
		}
	})
}

func TestDequeueEmpty(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		job, err := q.Dequeue()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if job != nil {
			t.Errorf("empty queue should return nil, got %+v", job)
		}
	})
}

func TestDequeueFIFO(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		first := submit(t, q, 0)
		second := submit(t, q, 0)

		a, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		b, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if a.ID != first || b.ID != second {
			t.Errorf("expected FIFO order %s, %s; got %s, %s", first, second, a.ID, b.ID)
		}
	})
}

func TestConcurrentDequeueSingleWinner(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		submit(t, q, 0)

		const callers = 8
		var wg sync.WaitGroup
		got := make([]*models.Job, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, err := q.Dequeue()
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				got[i] = job
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, job := range got {
			if job != nil {
				winners++
			}
		}
		if winners != 1 {
			t.Errorf("exactly one caller should receive the job, got %d", winners)
		}
	})
}

func TestUpdateStatusRejectsBadTransitions(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 0)

		// pending -> done is not allowed.
		err := q.UpdateStatus(id, models.JobStatusDone, "")
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}

		// Record must be unchanged.
		status, _ := q.GetStatus(id)
		if status != models.JobStatusPending {
			t.Errorf("rejected transition must leave record unchanged, got %s", status)
		}

		if err := q.UpdateStatus(id, models.JobStatus("bogus"), ""); err == nil {
			t.Error("expected rejection of unknown status")
		}
	})
}

func TestRetryFlow(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 2)

		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(id, models.JobStatusFailed, "node b exploded"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		failed, _ := q.Get(id)
		if failed.Error != "node b exploded" {
			t.Errorf("failed job should carry the error, got %q", failed.Error)
		}

		// First retry.
		if err := q.Retry(id); err != nil {
			t.Fatalf("retry 1: %v", err)
		}
		job, _ := q.Get(id)
		if job.Status != models.JobStatusPending {
			t.Errorf("retried job should be pending, got %s", job.Status)
		}
		if job.RetryCount != 1 {
			t.Errorf("expected retry_count 1, got %d", job.RetryCount)
		}
		if job.Error != "" {
			t.Errorf("retry should clear the error, got %q", job.Error)
		}
		if job.StartedAt != nil {
			t.Error("retry should reset started_at")
		}

		// Second retry after another failure.
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(id, models.JobStatusFailed, "again"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if err := q.Retry(id); err != nil {
			t.Fatalf("retry 2: %v", err)
		}

		// Third retry exceeds max_retries = 2.
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(id, models.JobStatusFailed, "still broken"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		err := q.Retry(id)
		var exhausted *RetryExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("expected RetryExhaustedError, got %v", err)
		}
		if exhausted.RetryCount != 2 || exhausted.MaxRetries != 2 {
			t.Errorf("unexpected exhaustion detail: %+v", exhausted)
		}
	})
}

func TestRetryOnDoneJob(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 3)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(id, models.JobStatusDone, ""); err != nil {
			t.Fatalf("mark done: %v", err)
		}

		err := q.Retry(id)
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidTransitionError, got %v", err)
		}
	})
}

func TestRetryReappendsAtTail(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		first := submit(t, q, 1)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(first, models.JobStatusFailed, "x"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		second := submit(t, q, 0)
		if err := q.Retry(first); err != nil {
			t.Fatalf("retry: %v", err)
		}

		// The retried job goes behind the job that was already waiting.
		a, _ := q.Dequeue()
		b, _ := q.Dequeue()
		if a.ID != second || b.ID != first {
			t.Errorf("retried job should re-enter at the tail: got %s then %s", a.ID, b.ID)
		}
	})
}

func TestCancelPending(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 0)
		if err := q.Cancel(id); err != nil {
			t.Fatalf("cancel: %v", err)
		}

		status, _ := q.GetStatus(id)
		if status != models.JobStatusCancelled {
			t.Errorf("expected cancelled, got %s", status)
		}

		// Cancelled jobs never come out of the queue.
		job, err := q.Dequeue()
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if job != nil {
			t.Errorf("cancelled job must not be dequeued, got %+v", job)
		}
	})
}

func TestCancelRunning(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 0)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}

		if err := q.Cancel(id); err != nil {
			t.Fatalf("cancel running: %v", err)
		}

		status, _ := q.GetStatus(id)
		if status != models.JobStatusCancelled {
			t.Errorf("expected cancelled, got %s", status)
		}

		// The orchestrator's terminal write must now be rejected, forcing the
		// final status to stay cancelled.
		if err := q.UpdateStatus(id, models.JobStatusDone, ""); err == nil {
			t.Error("done after cancel should be rejected")
		}
	})
}

func TestCancelTerminal(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 0)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(id, models.JobStatusDone, ""); err != nil {
			t.Fatalf("mark done: %v", err)
		}

		var invalid *InvalidTransitionError
		if err := q.Cancel(id); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidTransitionError cancelling done job, got %v", err)
		}
	})
}

// conflictingStore rejects every Transition, simulating a job whose status
// keeps moving under the caller between its read and its CAS.
type conflictingStore struct {
	*MemoryStore
}

func (s *conflictingStore) Transition(id string, from, to models.JobStatus, upd Update) error {
	return ErrConflict
}

func TestCancelDoubleConflictReturnsTypedError(t *testing.T) {
	q := New(&conflictingStore{MemoryStore: NewMemoryStore()})
	defer q.Close()

	id := submit(t, q, 0)

	// Both CAS attempts conflict; the caller still gets the typed rejection
	// naming the job's actual status, never the bare conflict sentinel.
	err := q.Cancel(id)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != models.JobStatusPending {
		t.Errorf("expected rejection from pending, got %s", invalid.From)
	}
	if invalid.To != models.JobStatusCancelled {
		t.Errorf("expected rejection of cancel, got %s", invalid.To)
	}
}

func TestAppendResultsPreservedAcrossRetry(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		id := submit(t, q, 1)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}

		now := time.Now().UTC()
		if err := q.AppendResult(id, models.ExecutionResult{
			TodoID: "a", Success: true, Output: "ok", StartedAt: now, CompletedAt: now,
		}); err != nil {
			t.Fatalf("append result: %v", err)
		}
		if err := q.AppendResult(id, models.ExecutionResult{
			TodoID: "b", Success: false, Error: "boom", StartedAt: now, CompletedAt: now,
		}); err != nil {
			t.Fatalf("append result: %v", err)
		}
		if err := q.UpdateStatus(id, models.JobStatusFailed, "boom"); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if err := q.Retry(id); err != nil {
			t.Fatalf("retry: %v", err)
		}

		job, err := q.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(job.Results) != 2 {
			t.Fatalf("prior attempt results must survive retry, got %d", len(job.Results))
		}
		if job.Results[0].TodoID != "a" || !job.Results[0].Success {
			t.Errorf("unexpected first result: %+v", job.Results[0])
		}
		if job.Results[1].TodoID != "b" || job.Results[1].Success {
			t.Errorf("unexpected second result: %+v", job.Results[1])
		}
	})
}

func TestGetUnknownJob(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		if _, err := q.Get("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := q.GetStatus("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := q.Cancel("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := q.Retry("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPurgeTerminal(t *testing.T) {
	withStores(t, func(t *testing.T, q *JobQueue) {
		done := submit(t, q, 0)
		if _, err := q.Dequeue(); err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if err := q.UpdateStatus(done, models.JobStatusDone, ""); err != nil {
			t.Fatalf("mark done: %v", err)
		}
		pending := submit(t, q, 0)

		// Zero cutoff purges everything terminal that completed in the past.
		time.Sleep(5 * time.Millisecond)
		removed, err := q.PurgeTerminal(0)
		if err != nil {
			t.Fatalf("purge: %v", err)
		}
		if removed != 1 {
			t.Errorf("expected 1 purged job, got %d", removed)
		}

		if _, err := q.Get(done); !errors.Is(err, ErrNotFound) {
			t.Errorf("done job should be purged, got %v", err)
		}
		if _, err := q.Get(pending); err != nil {
			t.Errorf("pending job must survive purge: %v", err)
		}
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")

	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q := New(store)
	id := submit(t, q, 1)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	q2 := New(store2)
	defer q2.Close()

	job, err := q2.Get(id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("job should survive restart as pending, got %s", job.Status)
	}
	if len(job.Nodes) != 2 {
		t.Errorf("nodes should survive restart, got %d", len(job.Nodes))
	}
}
