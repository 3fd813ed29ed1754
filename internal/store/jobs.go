package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/searcb/pncp-sync/internal/pncp"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
)

// uniqueViolation is the Postgres error code for a unique index conflict
const uniqueViolation = "23505"

// oneFullSyncIdx is the partial unique index allowing at most one live
// full-sync job per entity type.
const oneFullSyncIdx = "sync_job_one_full_sync_idx"

const jobColumns = `id, entity_type, kind, external_id, year, state,
	retry_count, next_attempt_at, deadline, last_error, created_at, updated_at`

// Enqueue inserts a new pending job. For full-sync jobs the database holds
// the at-most-one invariant: a second live job for the same entity type
// trips the partial unique index and is reported as ErrSyncActive, so two
// triggers racing past the HasActive fast path cannot both enqueue.
func (s *Store) Enqueue(ctx context.Context, job *syncpkg.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.State == "" {
		job.State = syncpkg.StatePending
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_job (id, entity_type, kind, external_id, year, state, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, string(job.EntityType), string(job.Kind), job.ExternalID,
		job.Year, string(job.State), job.NextAttemptAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == oneFullSyncIdx {
		return fmt.Errorf("%s: %w", job.EntityType, syncpkg.ErrSyncActive)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job for %s: %w", job.Kind, job.EntityType, err)
	}
	return nil
}

// HasActive reports whether a non-terminal full-sync job already exists for
// the entity type. Used to coalesce scheduled and manual triggers.
func (s *Store) HasActive(ctx context.Context, entityType pncp.EntityType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_job
			WHERE entity_type = $1
			  AND external_id = ''
			  AND state IN ('pending', 'running', 'failed_retryable')
		)`, string(entityType),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active jobs for %s: %w", entityType, err)
	}
	return exists, nil
}

// HasRecentWebhookJob reports whether a webhook job for the same record was
// enqueued within the dedup window.
func (s *Store) HasRecentWebhookJob(ctx context.Context, entityType pncp.EntityType, externalID string, window time.Duration) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sync_job
			WHERE entity_type = $1
			  AND external_id = $2
			  AND kind = 'webhook'
			  AND created_at > now() - make_interval(secs => $3)
		)`, string(entityType), externalID, window.Seconds(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook dedup for %s/%s: %w", entityType, externalID, err)
	}
	return exists, nil
}

// Claim atomically takes the oldest runnable job, marks it running and stamps
// its deadline. SKIP LOCKED keeps concurrent workers from blocking on each
// other; at most one worker sees any given job. Returns nil when the queue
// has nothing runnable.
func (s *Store) Claim(ctx context.Context, jobTimeout time.Duration) (*syncpkg.Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE sync_job SET
			state = 'running',
			deadline = now() + make_interval(secs => $1),
			updated_at = now()
		WHERE id = (
			SELECT id FROM sync_job
			WHERE state IN ('pending', 'failed_retryable')
			  AND next_attempt_at <= now()
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, jobColumns),
		jobTimeout.Seconds(),
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// MarkSucceeded finalizes a job
func (s *Store) MarkSucceeded(ctx context.Context, jobID uuid.UUID) error {
	return s.setState(ctx, jobID, syncpkg.StateSucceeded, "")
}

// MarkRetry schedules another attempt after the given delay and records the
// failure that caused it.
func (s *Store) MarkRetry(ctx context.Context, jobID uuid.UUID, delay time.Duration, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_job SET
			state = 'failed_retryable',
			retry_count = retry_count + 1,
			next_attempt_at = now() + make_interval(secs => $2),
			last_error = $3,
			updated_at = now()
		WHERE id = $1`,
		jobID, delay.Seconds(), cause,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %s for retry: %w", jobID, err)
	}
	return nil
}

// MarkDeadLetter parks a job that exhausted its retries or failed permanently
func (s *Store) MarkDeadLetter(ctx context.Context, jobID uuid.UUID, cause string) error {
	return s.setState(ctx, jobID, syncpkg.StateDeadLetter, cause)
}

func (s *Store) setState(ctx context.Context, jobID uuid.UUID, state syncpkg.JobState, cause string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_job SET state = $2, last_error = $3, updated_at = now()
		WHERE id = $1`,
		jobID, string(state), cause,
	)
	if err != nil {
		return fmt.Errorf("failed to move job %s to %s: %w", jobID, state, err)
	}
	return nil
}

// GetJob fetches one job by id
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*syncpkg.Job, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sync_job WHERE id = $1`, jobColumns), jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns the most recent jobs for an entity type, newest first
func (s *Store) ListJobs(ctx context.Context, entityType pncp.EntityType, limit int) ([]*syncpkg.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM sync_job
		WHERE entity_type = $1
		ORDER BY created_at DESC
		LIMIT $2`, jobColumns),
		string(entityType), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for %s: %w", entityType, err)
	}
	defer rows.Close()

	var jobs []*syncpkg.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SweepOverdue moves running jobs past their deadline back to
// failed_retryable so a worker can pick them up again. Returns the swept
// job ids.
func (s *Store) SweepOverdue(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_job SET
			state = 'failed_retryable',
			retry_count = retry_count + 1,
			last_error = 'job deadline exceeded',
			next_attempt_at = now(),
			updated_at = now()
		WHERE state = 'running' AND deadline < now()
		RETURNING id`)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep overdue jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan swept job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordSummary persists the outcome tally of one finished run
func (s *Store) RecordSummary(ctx context.Context, sum *syncpkg.Summary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_summary (job_id, entity_type, inserted, updated, unchanged, failed, pages, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sum.JobID, string(sum.EntityType),
		sum.Inserted, sum.Updated, sum.Unchanged, sum.Failed, sum.Pages,
		sum.StartedAt, sum.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record summary for job %s: %w", sum.JobID, err)
	}
	return nil
}

// LatestSummary returns the most recent finished run for an entity type, or
// nil if it has never completed a run.
func (s *Store) LatestSummary(ctx context.Context, entityType pncp.EntityType) (*syncpkg.Summary, error) {
	sum := &syncpkg.Summary{}
	var et string
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, entity_type, inserted, updated, unchanged, failed, pages, started_at, finished_at
		FROM sync_summary
		WHERE entity_type = $1
		ORDER BY finished_at DESC
		LIMIT 1`, string(entityType),
	).Scan(&sum.JobID, &et, &sum.Inserted, &sum.Updated, &sum.Unchanged,
		&sum.Failed, &sum.Pages, &sum.StartedAt, &sum.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest summary for %s: %w", entityType, err)
	}
	sum.EntityType = pncp.EntityType(et)
	return sum, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*syncpkg.Job, error) {
	job := &syncpkg.Job{}
	var entityType, kind, state string
	var deadline sql.NullTime
	err := row.Scan(
		&job.ID, &entityType, &kind, &job.ExternalID, &job.Year, &state,
		&job.RetryCount, &job.NextAttemptAt, &deadline, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.EntityType = pncp.EntityType(entityType)
	job.Kind = syncpkg.JobKind(kind)
	job.State = syncpkg.JobState(state)
	if deadline.Valid {
		job.Deadline = deadline.Time
	}
	return job, nil
}
