package models

import (
	"time"
)

// Job statuses persisted in Postgres.
const (
	JobQueued     = "queued"
	JobCollecting = "collecting"
	JobRunning    = "running"
	JobPaused     = "paused"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Recipient statuses.
const (
	RecipientPending = "pending"
	RecipientSent    = "sent"
	RecipientFailed  = "failed"
	RecipientSkipped = "skipped"
)

// TerminalJobStatuses are the states a job can never leave.
var TerminalJobStatuses = []string{JobCompleted, JobFailed, JobCancelled}

// Job is one broadcast unit: content plus lifecycle, progress, and lock state.
// The row is the single source of truth for progress; workers never cache it.
type Job struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Subject   string         `json:"subject"`
	HTMLBody  string         `json:"-"`
	FromEmail string         `json:"from_email"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TotalRecipients stays nil until collection finishes, then never changes.
	TotalRecipients *int `json:"total_recipients,omitempty"`
	SentCount       int  `json:"sent_count"`
	FailedCount     int  `json:"failed_count"`
	SkippedCount    int  `json:"skipped_count"`
	CurrentProgress int  `json:"current_progress"`

	ErrorMessage *string `json:"error_message,omitempty"`

	// Lock fields embedded in the job row; mirrored by broadcast_job_locks.
	LockToken      *string    `json:"-"`
	LockAcquiredAt *time.Time `json:"-"`
	LockWorkerID   *string    `json:"-"`
	TimeoutAt      *time.Time `json:"-"`
}

// IsTerminal reports whether the job can no longer change state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Recipient is one address within one job. (job_id, email) is unique.
type Recipient struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
	Email string `json:"email"`

	Status        string     `json:"status"`
	SendAttempts  int        `json:"send_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`

	ProviderMessageID *string    `json:"provider_message_id,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// JobLock is the secondary lock row, redundant with the job's embedded lock
// fields for auditability. At most one non-expired row exists per job.
type JobLock struct {
	JobID       string    `json:"job_id"`
	WorkerID    string    `json:"worker_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lock's expiry has passed.
func (l *JobLock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// StatusSnapshot is the polling view returned to callers.
type StatusSnapshot struct {
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Subject         string         `json:"subject"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	TotalRecipients *int           `json:"total_recipients,omitempty"`
	SentCount       int            `json:"sent_count"`
	FailedCount     int            `json:"failed_count"`
	SkippedCount    int            `json:"skipped_count"`
	CurrentProgress int            `json:"current_progress"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Snapshot builds the caller-facing view of a job.
func (j *Job) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		ID:              j.ID,
		Status:          j.Status,
		Subject:         j.Subject,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		TotalRecipients: j.TotalRecipients,
		SentCount:       j.SentCount,
		FailedCount:     j.FailedCount,
		SkippedCount:    j.SkippedCount,
		CurrentProgress: j.CurrentProgress,
		ErrorMessage:    j.ErrorMessage,
		Metadata:        j.Metadata,
	}
}
