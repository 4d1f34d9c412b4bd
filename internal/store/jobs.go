package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, job_type, status, seed, max_depth, servers_scanned,
	events_parsed, keys_found, unreachable_found, errors, queue_size,
	current_server, error_detail, created_at, started_at, finished_at`

func scanJob(row rowScanner) (*ScanJob, error) {
	var j ScanJob
	err := row.Scan(&j.ID, &j.JobType, &j.Status, &j.Seed, &j.MaxDepth,
		&j.ServersScanned, &j.EventsParsed, &j.KeysFound, &j.UnreachableFound,
		&j.Errors, &j.QueueSize, &j.CurrentServer, &j.ErrorDetail,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job row: %w", err)
	}
	return &j, nil
}

// CreateJob enqueues a pending crawl job and returns its id.
func (s *Store) CreateJob(ctx context.Context, jobType, seed string, maxDepth int) (*ScanJob, error) {
	id := uuid.NewString()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO scan_jobs (id, job_type, seed, max_depth)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+jobColumns,
		id, jobType, seed, maxDepth)
	return scanJob(row)
}

// JobByID returns one job.
func (s *Store) JobByID(ctx context.Context, id string) (*ScanJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scan_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []ScanJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimPendingJob atomically moves the oldest pending job to running and
// returns it, or ErrNotFound when the queue is empty. Safe under
// concurrent pollers via FOR UPDATE SKIP LOCKED.
func (s *Store) ClaimPendingJob(ctx context.Context) (*ScanJob, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE scan_jobs SET status = $1, started_at = now()
		 WHERE id = (
			SELECT id FROM scan_jobs WHERE status = $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		JobRunning, JobPending)
	return scanJob(row)
}

// JobProgress is the counter snapshot a runner persists after every
// scanned server.
type JobProgress struct {
	ServersScanned   int
	EventsParsed     int
	KeysFound        int
	UnreachableFound int
	Errors           int
	QueueSize        int
	CurrentServer    string
}

// UpdateJobProgress overwrites the running counters.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, p JobProgress) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scan_jobs SET servers_scanned = $2, events_parsed = $3,
			keys_found = $4, unreachable_found = $5, errors = $6,
			queue_size = $7, current_server = $8
		 WHERE id = $1 AND status = $9`,
		id, p.ServersScanned, p.EventsParsed, p.KeysFound, p.UnreachableFound,
		p.Errors, p.QueueSize, p.CurrentServer, JobRunning)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	return nil
}

// FinishJob moves a running job to a terminal state. Terminal states are
// absorbing: a job already completed, failed or cancelled is left alone.
func (s *Store) FinishJob(ctx context.Context, id, status, detail string) error {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
	default:
		return fmt.Errorf("finish job %s: %q is not a terminal status", id, status)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE scan_jobs SET status = $2, error_detail = $3, finished_at = now()
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, status, truncate(detail, 2000), JobPending, JobRunning)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return nil
}

// CancelJob marks a pending or running job cancelled. A running job's
// runner observes the status change and stops at the next server
// boundary.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	return s.FinishJob(ctx, id, JobCancelled, "")
}
