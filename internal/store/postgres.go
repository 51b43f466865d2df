package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulkmailer/internal/models"
)

// ErrNotFound is returned when a job or recipient does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of jobs, recipients, and locks.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres, retrying the initial ping with
// exponential backoff so the service survives a database that is still coming up.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Subject   string
	HTMLBody  string
	FromEmail string
	Metadata  map[string]any
}

// CreateJob inserts a new job in the queued state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO broadcast_jobs (id, status, subject, html_body, from_email, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, models.JobQueued, p.Subject, p.HTMLBody, p.FromEmail, metadataJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:        id,
		Status:    models.JobQueued,
		Subject:   p.Subject,
		HTMLBody:  p.HTMLBody,
		FromEmail: p.FromEmail,
		Metadata:  p.Metadata,
		CreatedAt: now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, status, subject, html_body, from_email, metadata,
		       created_at, started_at, completed_at,
		       total_recipients, sent_count, failed_count, skipped_count, current_progress,
		       error_message, lock_token, lock_acquired_at, lock_worker_id, timeout_at
		FROM broadcast_jobs WHERE id = $1
	`, id)

	var job models.Job
	var metadataJSON []byte
	var startedAt, completedAt, lockAcquiredAt, timeoutAt pgtype.Timestamptz
	var total pgtype.Int4
	var errMsg, lockToken, lockWorker pgtype.Text

	err := row.Scan(&job.ID, &job.Status, &job.Subject, &job.HTMLBody, &job.FromEmail, &metadataJSON,
		&job.CreatedAt, &startedAt, &completedAt,
		&total, &job.SentCount, &job.FailedCount, &job.SkippedCount, &job.CurrentProgress,
		&errMsg, &lockToken, &lockAcquiredAt, &lockWorker, &timeoutAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.TotalRecipients = intPtr(total)
	job.ErrorMessage = textPtr(errMsg)
	job.LockToken = textPtr(lockToken)
	job.LockAcquiredAt = timePtr(lockAcquiredAt)
	job.LockWorkerID = textPtr(lockWorker)
	job.TimeoutAt = timePtr(timeoutAt)
	return job, nil
}

// TransitionJob moves a job from one of the given statuses to another in a
// single conditional update. It reports whether the transition happened.
func (s *Store) TransitionJob(ctx context.Context, id string, from []string, to string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE broadcast_jobs SET status = $3 WHERE id = $1 AND status = ANY($2)
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobFailed records a terminal failure with its message.
func (s *Store) MarkJobFailed(ctx context.Context, id string, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_jobs
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND NOT (status = ANY($4))
	`, id, models.JobFailed, message, models.TerminalJobStatuses)
	return err
}

// CompleteJob marks a job completed and stamps completed_at.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_jobs SET status = $2, completed_at = NOW() WHERE id = $1
	`, id, models.JobCompleted)
	return err
}

// CancelJob cancels a job if it has not reached a terminal state.
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE broadcast_jobs SET status = $2 WHERE id = $1 AND NOT (status = ANY($3))
	`, id, models.JobCancelled, models.TerminalJobStatuses)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishCollection records collection totals and the resulting status, and
// stamps started_at. total_recipients is fixed from here on.
func (s *Store) FinishCollection(ctx context.Context, id string, total, skipped int, status string, message *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_jobs
		SET total_recipients = $2, skipped_count = $3, status = $4, error_message = $5, started_at = NOW()
		WHERE id = $1
	`, id, total, skipped, status, message)
	return err
}

// FlushProgress adds the accumulated deltas to the job counters. Counters only
// ever grow; progress is bounded by total_recipients at the call sites.
func (s *Store) FlushProgress(ctx context.Context, id string, sent, failed, progress int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_jobs
		SET sent_count = sent_count + $2,
		    failed_count = failed_count + $3,
		    current_progress = current_progress + $4
		WHERE id = $1
	`, id, sent, failed, progress)
	return err
}

// ListResumable returns ids of running or paused jobs that nobody holds a live
// lock on and that still have sendable recipients. Used by the resume sweep.
func (s *Store) ListResumable(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT j.id FROM broadcast_jobs j
		WHERE j.status = ANY($1)
		  AND (j.lock_token IS NULL OR j.timeout_at < NOW())
		  AND EXISTS (
			SELECT 1 FROM broadcast_recipients r
			WHERE r.job_id = j.id
			  AND r.status = $2
			  AND (r.next_retry_at IS NULL OR r.next_retry_at <= NOW())
		  )
		ORDER BY j.created_at
		LIMIT $3
	`, []string{models.JobRunning, models.JobPaused}, models.RecipientPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func intPtr(i pgtype.Int4) *int {
	if i.Valid {
		v := int(i.Int32)
		return &v
	}
	return nil
}
