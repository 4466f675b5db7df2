package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/dispatch/pkg/models"
)

// SQLiteStore is the durable Store backed by an SQLite database. Dequeue and
// conditional transitions run as single transactions, which makes them the
// atomic pop-and-mark and compare-and-set points the queue relies on. A
// process-level mutex serializes writers the same way the WAL journal
// serializes them on disk.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the default database location, honoring XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "dispatch", "jobs.db")
}

// OpenSQLite opens (or creates) the job database at the given path, enables
// WAL mode for concurrent reads, and applies pending schema migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// migrate applies all pending schema migrations.
func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Jobs},
		{2, migrationV2Results},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Jobs = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	intent TEXT NOT NULL,
	nodes TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	queue_seq INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_fifo ON jobs(status, queue_seq);
`

const migrationV2Results = `
CREATE TABLE IF NOT EXISTS job_results (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	todo_id TEXT NOT NULL,
	success INTEGER NOT NULL,
	output TEXT,
	error TEXT,
	started_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);
`

// Create persists a new job record at the tail of the FIFO.
func (s *SQLiteStore) Create(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intentJSON, err := json.Marshal(job.Intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	nodesJSON, err := json.Marshal(job.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}

	_, err = s.conn.Exec(`
		INSERT INTO jobs (id, intent, nodes, status, created_at, error, retry_count, max_retries, queue_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM jobs))
	`, job.ID, string(intentJSON), string(nodesJSON), string(job.Status),
		formatTime(job.CreatedAt), job.Error, job.RetryCount, job.MaxRetries)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns a snapshot of the job including its result ledger.
func (s *SQLiteStore) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(`
		SELECT id, intent, nodes, status, created_at, started_at, completed_at, error, retry_count, max_retries
		FROM jobs WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	if err := s.loadResults(job); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns all jobs in FIFO creation order, ledgers included.
func (s *SQLiteStore) List() ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT id, intent, nodes, status, created_at, started_at, completed_at, error, retry_count, max_retries
		FROM jobs ORDER BY created_at, queue_seq
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if err := s.loadResults(job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// DequeueOldestPending pops the oldest pending job inside one transaction.
// The conditional UPDATE is what guarantees no two workers get the same job.
func (s *SQLiteStore) DequeueOldestPending(startedAt time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT id, intent, nodes, status, created_at, started_at, completed_at, error, retry_count, max_retries
		FROM jobs WHERE status = 'pending' ORDER BY queue_seq LIMIT 1
	`)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE jobs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'
	`, formatTime(startedAt), job.ID)
	if err != nil {
		return nil, fmt.Errorf("mark job %s running: %w", job.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Raced with another transaction; the caller treats this as empty and polls again.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	job.Status = models.JobStatusRunning
	ts := startedAt
	job.StartedAt = &ts

	if err := s.loadResults(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Transition conditionally moves the job from one status to another.
func (s *SQLiteStore) Transition(id string, from, to models.JobStatus, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := "status = ?"
	args := []any{string(to)}
	if upd.Error != nil {
		set += ", error = ?"
		args = append(args, *upd.Error)
	}
	if upd.StartedAt != nil {
		set += ", started_at = ?"
		args = append(args, formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		set += ", completed_at = ?"
		args = append(args, formatTime(*upd.CompletedAt))
	}
	args = append(args, id, string(from))

	res, err := s.conn.Exec("UPDATE jobs SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return fmt.Errorf("transition job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.conn.QueryRow("SELECT COUNT(1) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// Requeue moves a failed job back to pending at the FIFO tail.
func (s *SQLiteStore) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(`
		UPDATE jobs
		SET status = 'pending',
		    retry_count = retry_count + 1,
		    error = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    queue_seq = (SELECT COALESCE(MAX(queue_seq), 0) + 1 FROM jobs)
		WHERE id = ? AND status = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.conn.QueryRow("SELECT COUNT(1) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// AppendResult appends one node outcome to the job's ledger.
func (s *SQLiteStore) AppendResult(id string, r models.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.conn.QueryRow("SELECT COUNT(1) FROM jobs WHERE id = ?", id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	_, err := s.conn.Exec(`
		INSERT INTO job_results (job_id, todo_id, success, output, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, r.TodoID, boolToInt(r.Success), r.Output, r.Error, formatTime(r.StartedAt), formatTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("append result for job %s: %w", id, err)
	}
	return nil
}

// PurgeTerminal deletes done and cancelled jobs completed before the cutoff.
func (s *SQLiteStore) PurgeTerminal(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().Add(-olderThan))
	res, err := s.conn.Exec(`
		DELETE FROM jobs
		WHERE status IN ('done', 'cancelled') AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// loadResults fills a job's result ledger in insertion order.
// Caller must hold at least a read lock.
func (s *SQLiteStore) loadResults(job *models.Job) error {
	rows, err := s.conn.Query(`
		SELECT todo_id, success, output, error, started_at, completed_at
		FROM job_results WHERE job_id = ? ORDER BY seq
	`, job.ID)
	if err != nil {
		return fmt.Errorf("load results for job %s: %w", job.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.ExecutionResult
		var success int
		var output, errMsg sql.NullString
		var startedAt, completedAt string
		if err := rows.Scan(&r.TodoID, &success, &output, &errMsg, &startedAt, &completedAt); err != nil {
			return fmt.Errorf("scan result: %w", err)
		}
		r.Success = success != 0
		r.Output = output.String
		r.Error = errMsg.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return err
		}
		if r.CompletedAt, err = parseTime(completedAt); err != nil {
			return err
		}
		job.Results = append(job.Results, r)
	}
	return rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob reads one job row, without its ledger.
func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var intentJSON, nodesJSON, status, createdAt string
	var startedAt, completedAt, errMsg sql.NullString

	err := row.Scan(&job.ID, &intentJSON, &nodesJSON, &status, &createdAt,
		&startedAt, &completedAt, &errMsg, &job.RetryCount, &job.MaxRetries)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(intentJSON), &job.Intent); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	if err := json.Unmarshal([]byte(nodesJSON), &job.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	job.Status = models.JobStatus(status)
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	job.StartedAt = parseNullableTime(startedAt)
	job.CompletedAt = parseNullableTime(completedAt)
	job.Error = errMsg.String

	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}
