package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/flotilla/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    job_key       TEXT PRIMARY KEY,
    executor_id   TEXT NOT NULL,
    job_id        TEXT NOT NULL,
    activation_id TEXT NOT NULL,
    state         TEXT NOT NULL,
    total_calls   INTEGER NOT NULL,
    chunk_size    INTEGER NOT NULL,
    created_at    DATETIME NOT NULL,
    done_at       DATETIME
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob records a submission. Resubmitting the same job key refreshes the
// record rather than failing, since the key is deterministic per submission.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (
			job_key, executor_id, job_id, activation_id, state,
			total_calls, chunk_size, created_at, done_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_key) DO UPDATE SET
			activation_id = excluded.activation_id,
			state = excluded.state,
			total_calls = excluded.total_calls,
			chunk_size = excluded.chunk_size,
			created_at = excluded.created_at,
			done_at = NULL`,
		j.JobKey, j.ExecutorID, j.JobID, j.ActivationID, j.State,
		j.TotalCalls, j.ChunkSize, j.CreatedAt, j.DoneAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by key.
func (s *SQLiteStore) GetJob(ctx context.Context, jobKey string) (*model.Job, error) {
	j := &model.Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT job_key, executor_id, job_id, activation_id, state,
			total_calls, chunk_size, created_at, done_at
		FROM jobs WHERE job_key = ?`, jobKey,
	).Scan(
		&j.JobKey, &j.ExecutorID, &j.JobID, &j.ActivationID, &j.State,
		&j.TotalCalls, &j.ChunkSize, &j.CreatedAt, &j.DoneAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total count.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT job_key, executor_id, job_id, activation_id, state,
			total_calls, chunk_size, created_at, done_at
		FROM jobs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j := &model.Job{}
		if err := rows.Scan(
			&j.JobKey, &j.ExecutorID, &j.JobID, &j.ActivationID, &j.State,
			&j.TotalCalls, &j.ChunkSize, &j.CreatedAt, &j.DoneAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// MarkJobDone transitions a job to done and stamps its completion time.
func (s *SQLiteStore) MarkJobDone(ctx context.Context, jobKey string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET state = ?, done_at = ? WHERE job_key = ?",
		model.JobDone, time.Now().UTC(), jobKey,
	)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
