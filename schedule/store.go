package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/halcyonchat/groupsync/errors"
	"github.com/halcyonchat/groupsync/group"
)

// retryBackoff delays a failed job's next attempt.
const retryBackoff = 30 * time.Second

// JobStore persists jobs in the sync_jobs table.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a job store.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Enqueue inserts a pending job and returns its assigned ID.
func (s *JobStore) Enqueue(ctx context.Context, job *Job) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (kind, group_id, payload, status, run_at, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
	`, job.Kind, string(job.GroupID), string(job.Payload), string(JobStatusPending), job.RunAt, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "inserting job")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading job id")
	}
	job.ID = id
	job.Status = JobStatusPending
	return id, nil
}

// ClaimDue atomically moves up to limit due pending jobs to running and
// returns them. Claimed jobs belong to the caller until marked completed
// or failed.
func (s *JobStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, group_id, payload, attempts FROM sync_jobs
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at ASC
		LIMIT ?
	`, string(JobStatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying due jobs")
	}

	var jobs []*Job
	for rows.Next() {
		var (
			job     Job
			groupID string
			payload string
		)
		if err := rows.Scan(&job.ID, &job.Kind, &groupID, &payload, &job.Attempts); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scanning job row")
		}
		job.GroupID = group.ID(groupID)
		job.Payload = []byte(payload)
		job.Status = JobStatusRunning
		jobs = append(jobs, &job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating job rows")
	}

	for _, job := range jobs {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_jobs SET status = ?, updated_at = ? WHERE id = ?
		`, string(JobStatusRunning), now.UnixMilli(), job.ID)
		if err != nil {
			return nil, errors.Wrap(err, "claiming job")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit")
	}
	return jobs, nil
}

// MarkCompleted finishes a job successfully.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, updated_at = ? WHERE id = ?
	`, string(JobStatusCompleted), time.Now().UnixMilli(), id)
	return errors.Wrap(err, "marking job completed")
}

// MarkFailed records a failed attempt. Below the attempt cap the job goes
// back to pending with a backoff; at the cap it is parked as failed.
func (s *JobStore) MarkFailed(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	status := JobStatusPending
	runAt := time.Now().Add(retryBackoff).UnixMilli()
	if job.Attempts >= maxAttempts {
		status = JobStatusFailed
		runAt = 0
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET status = ?, attempts = ?, last_error = ?, run_at = ?, updated_at = ?
		WHERE id = ?
	`, string(status), job.Attempts, cause.Error(), runAt, time.Now().UnixMilli(), job.ID)
	if err != nil {
		return errors.Wrap(err, "marking job failed")
	}
	job.Status = status
	return nil
}

// List returns jobs filtered by status; an empty status returns everything.
func (s *JobStore) List(ctx context.Context, status JobStatus) ([]*Job, error) {
	query := `
		SELECT id, kind, group_id, payload, status, run_at, attempts, last_error FROM sync_jobs
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var (
			job     Job
			groupID string
			payload string
			st      string
		)
		if err := rows.Scan(&job.ID, &job.Kind, &groupID, &payload, &st, &job.RunAt, &job.Attempts, &job.LastError); err != nil {
			return nil, errors.Wrap(err, "scanning job row")
		}
		job.GroupID = group.ID(groupID)
		job.Payload = []byte(payload)
		job.Status = JobStatus(st)
		jobs = append(jobs, &job)
	}
	return jobs, errors.Wrap(rows.Err(), "iterating job rows")
}
