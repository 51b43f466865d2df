package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock attempts to take the job lock in a single transaction. The job
// row is the deciding write: a conditional update that only succeeds when no
// token is set or the previous holder's expiry has passed, so two concurrent
// acquirers can never both win. The lock table row is kept in step for audit.
func (s *Store) AcquireLock(ctx context.Context, jobID, workerID, token string, ttl time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	expires := now.Add(ttl)

	tag, err := tx.Exec(ctx, `
		UPDATE broadcast_jobs
		SET lock_token = $2, lock_acquired_at = $3, lock_worker_id = $4, timeout_at = $5
		WHERE id = $1 AND (lock_token IS NULL OR timeout_at < NOW())
	`, jobID, token, now, workerID, expires)
	if err != nil {
		return false, fmt.Errorf("acquire job lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO broadcast_job_locks (job_id, worker_id, acquired_at, expires_at, heartbeat_at)
		VALUES ($1, $2, $3, $4, $3)
		ON CONFLICT (job_id) DO UPDATE
		SET worker_id = EXCLUDED.worker_id,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at,
		    heartbeat_at = EXCLUDED.heartbeat_at
	`, jobID, workerID, now, expires)
	if err != nil {
		return false, fmt.Errorf("upsert lock row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ReleaseLock clears the lock when the supplied token matches the recorded
// one. A stale holder, or a second release of the same token, is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, jobID, token string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE broadcast_jobs
		SET lock_token = NULL, lock_acquired_at = NULL, lock_worker_id = NULL, timeout_at = NULL
		WHERE id = $1 AND lock_token = $2
	`, jobID, token)
	if err != nil {
		return false, fmt.Errorf("release job lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM broadcast_job_locks WHERE job_id = $1`, jobID); err != nil {
		return false, fmt.Errorf("delete lock row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ExtendLock pushes the expiry forward when the token matches, refreshing the
// lock row's heartbeat as well.
func (s *Store) ExtendLock(ctx context.Context, jobID, token string, ttl time.Duration) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expires := time.Now().UTC().Add(ttl)

	tag, err := tx.Exec(ctx, `
		UPDATE broadcast_jobs SET timeout_at = $3 WHERE id = $1 AND lock_token = $2
	`, jobID, token, expires)
	if err != nil {
		return false, fmt.Errorf("extend job lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		UPDATE broadcast_job_locks SET expires_at = $2, heartbeat_at = NOW() WHERE job_id = $1
	`, jobID, expires)
	if err != nil {
		return false, fmt.Errorf("refresh lock row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ReapExpiredLocks clears every lock whose expiry has passed, regardless of
// owner, so another worker can take over a crashed holder's job. Returns how
// many job rows were unlocked.
func (s *Store) ReapExpiredLocks(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE broadcast_jobs
		SET lock_token = NULL, lock_acquired_at = NULL, lock_worker_id = NULL, timeout_at = NULL
		WHERE lock_token IS NOT NULL AND timeout_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("reap job locks: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM broadcast_job_locks WHERE expires_at < NOW()`); err != nil {
		return 0, fmt.Errorf("reap lock rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
