// Package lock grants time-bounded exclusive execution rights over broadcast
// jobs. Expiry is the only recovery path for a crashed holder: once a lock's
// timeout passes, any worker may reacquire and resume from persisted state.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence contract the manager needs. Acquisition must be an
// atomic conditional write: it succeeds only when no unexpired token exists.
type Store interface {
	AcquireLock(ctx context.Context, jobID, workerID, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobID, token string) (bool, error)
	ExtendLock(ctx context.Context, jobID, token string, ttl time.Duration) (bool, error)
	ReapExpiredLocks(ctx context.Context) (int, error)
}

// Manager issues and maintains job locks for one worker process.
type Manager struct {
	store    Store
	ttl      time.Duration
	workerID string
	log      *zap.Logger
}

// NewManager builds a manager with a process-unique worker identity.
func NewManager(store Store, ttl time.Duration, log *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		ttl:      ttl,
		workerID: generateWorkerID(),
		log:      log,
	}
}

// WorkerID returns this process's worker identity.
func (m *Manager) WorkerID() string {
	return m.workerID
}

// Acquire tries to take the lock for a job. A false return means another
// worker holds it; that is contention, not a fault, and the caller should
// treat the job as already handled.
func (m *Manager) Acquire(ctx context.Context, jobID string) (string, bool, error) {
	token := uuid.New().String()
	ok, err := m.store.AcquireLock(ctx, jobID, m.workerID, token, m.ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire lock for job %s: %w", jobID, err)
	}
	if !ok {
		return "", false, nil
	}
	m.log.Debug("lock acquired",
		zap.String("job_id", jobID),
		zap.String("worker_id", m.workerID),
	)
	return token, true, nil
}

// Release clears the lock if the token still matches. Releasing twice, or
// releasing after another worker has taken over, returns false.
func (m *Manager) Release(ctx context.Context, jobID, token string) bool {
	ok, err := m.store.ReleaseLock(ctx, jobID, token)
	if err != nil {
		m.log.Error("lock release failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return ok
}

// Extend refreshes the expiry if the token still matches. Active holders must
// call this periodically or be treated as crashed once the TTL passes.
func (m *Manager) Extend(ctx context.Context, jobID, token string) bool {
	ok, err := m.store.ExtendLock(ctx, jobID, token, m.ttl)
	if err != nil {
		m.log.Error("lock extend failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return ok
}

// ReapExpired clears all locks whose expiry has passed, whoever owns them.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	n, err := m.store.ReapExpiredLocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap expired locks: %w", err)
	}
	if n > 0 {
		m.log.Info("reaped expired locks", zap.Int("count", n))
	}
	return n, nil
}

func generateWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}
