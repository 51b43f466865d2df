package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"bulkmailer/internal/models"
)

// InsertRecipients inserts a batch of pending recipients, ignoring addresses
// that already exist for the job. The unique (job_id, email) constraint makes
// collection safe to re-run after a crash mid-way. Returns how many rows were
// actually inserted.
func (s *Store) InsertRecipients(ctx context.Context, jobID string, emails []string) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, email := range emails {
		batch.Queue(`
			INSERT INTO broadcast_recipients (id, job_id, email, status, created_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (job_id, email) DO NOTHING
		`, uuid.New().String(), jobID, email, models.RecipientPending)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range emails {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert recipient: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// FetchSendBatch returns the next batch of sendable recipients in creation
// order: pending rows whose retry time is unset or due. Failed is terminal,
// so it never comes back from here; retryable failures stay pending with a
// future next_retry_at.
func (s *Store) FetchSendBatch(ctx context.Context, jobID string, limit int) ([]models.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, email, status, send_attempts,
		       last_attempt_at, next_retry_at, error_message,
		       provider_message_id, sent_at, created_at
		FROM broadcast_recipients
		WHERE job_id = $1
		  AND status = $2
		  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at, id
		LIMIT $3
	`, jobID, models.RecipientPending, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch send batch: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var lastAttempt, nextRetry, sentAt pgtype.Timestamptz
		var errMsg, providerID pgtype.Text
		if err := rows.Scan(&r.ID, &r.JobID, &r.Email, &r.Status, &r.SendAttempts,
			&lastAttempt, &nextRetry, &errMsg, &providerID, &sentAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.LastAttemptAt = timePtr(lastAttempt)
		r.NextRetryAt = timePtr(nextRetry)
		r.ErrorMessage = textPtr(errMsg)
		r.ProviderMessageID = textPtr(providerID)
		r.SentAt = timePtr(sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountPending counts recipients that are not yet resolved for a job,
// including ones whose retry time has not come due.
func (s *Store) CountPending(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM broadcast_recipients WHERE job_id = $1 AND status = $2
	`, jobID, models.RecipientPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending recipients: %w", err)
	}
	return n, nil
}

// MarkRecipientSent records a successful delivery and clears retry state.
func (s *Store) MarkRecipientSent(ctx context.Context, id string, attempts int, providerMessageID *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_recipients
		SET status = $2, send_attempts = $3, provider_message_id = $4,
		    sent_at = NOW(), last_attempt_at = NOW(), next_retry_at = NULL, error_message = NULL
		WHERE id = $1
	`, id, models.RecipientSent, attempts, providerMessageID)
	return err
}

// MarkRecipientRetry keeps the recipient pending and schedules the next attempt.
func (s *Store) MarkRecipientRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_recipients
		SET status = $2, send_attempts = $3, next_retry_at = $4,
		    last_attempt_at = NOW(), error_message = $5
		WHERE id = $1
	`, id, models.RecipientPending, attempts, nextRetryAt, message)
	return err
}

// MarkRecipientFailed records a terminal failure for the recipient.
func (s *Store) MarkRecipientFailed(ctx context.Context, id string, attempts int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE broadcast_recipients
		SET status = $2, send_attempts = $3, next_retry_at = NULL,
		    last_attempt_at = NOW(), error_message = $4
		WHERE id = $1
	`, id, models.RecipientFailed, attempts, message)
	return err
}
