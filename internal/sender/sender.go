// Package sender drives delivery for one broadcast job at a time: take the
// job lock, walk sendable recipients in batches under the rate limiter, and
// persist every outcome before moving on. All progress lives in the store, so
// a run can stop at any point and a later run continues where it left off.
package sender

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bulkmailer/internal/mailer"
	"bulkmailer/internal/models"
	"bulkmailer/internal/telemetry"
)

// Store is the persistence contract a sender run needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	TransitionJob(ctx context.Context, id string, from []string, to string) (bool, error)
	FetchSendBatch(ctx context.Context, jobID string, limit int) ([]models.Recipient, error)
	CountPending(ctx context.Context, jobID string) (int, error)
	MarkRecipientSent(ctx context.Context, id string, attempts int, providerMessageID *string) error
	MarkRecipientRetry(ctx context.Context, id string, attempts int, nextRetryAt time.Time, message string) error
	MarkRecipientFailed(ctx context.Context, id string, attempts int, message string) error
	FlushProgress(ctx context.Context, id string, sent, failed, progress int) error
	CompleteJob(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id string, message string) error
}

// Locker grants exclusive execution rights for a job.
type Locker interface {
	Acquire(ctx context.Context, jobID string) (token string, ok bool, err error)
	Release(ctx context.Context, jobID, token string) bool
	Extend(ctx context.Context, jobID, token string) bool
}

// Limiter throttles outbound sends.
type Limiter interface {
	Consume(n int) bool
	Wait(ctx context.Context) error
}

// Engine performs one delivery with its own retry policy.
type Engine interface {
	Send(ctx context.Context, msg mailer.Message) mailer.Result
	MaxRetries() int
}

// Config tunes a sender. Zero values fall back to the defaults used across
// the service.
type Config struct {
	BatchSize        int
	ProgressInterval int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RateLimitBase    time.Duration
	RateLimitMax     time.Duration
}

// Sender executes broadcast jobs.
type Sender struct {
	store   Store
	locks   Locker
	limiter Limiter
	engine  Engine
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

// New builds a sender.
func New(store Store, locks Locker, limiter Limiter, engine Engine, cfg Config, log *zap.Logger) *Sender {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 60 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 300 * time.Second
	}
	if cfg.RateLimitBase <= 0 {
		cfg.RateLimitBase = 120 * time.Second
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 600 * time.Second
	}
	return &Sender{
		store:   store,
		locks:   locks,
		limiter: limiter,
		engine:  engine,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// maxAttempts is the per-recipient ceiling on total transport attempts across
// all runs. One engine call can account for several.
func (s *Sender) maxAttempts() int {
	return s.engine.MaxRetries() + 1
}

// Run drives one job until it has no due recipients, the job leaves the
// running state, or the context ends. A job locked by another worker is not an
// error; the run simply yields.
func (s *Sender) Run(ctx context.Context, jobID string) error {
	token, ok, err := s.locks.Acquire(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		telemetry.LockConflicts.Inc()
		s.log.Info("job locked by another worker", zap.String("job_id", jobID))
		return nil
	}
	telemetry.ActiveSenders.Inc()
	defer telemetry.ActiveSenders.Dec()
	defer s.locks.Release(context.WithoutCancel(ctx), jobID, token)

	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sender panicked: %v", r)
			}
		}()
		return s.run(ctx, jobID, token)
	}()
	if err != nil {
		s.log.Error("sender run failed", zap.String("job_id", jobID), zap.Error(err))
		msg := "send failed: " + err.Error()
		if markErr := s.store.MarkJobFailed(context.WithoutCancel(ctx), jobID, msg); markErr != nil {
			s.log.Error("could not mark job failed", zap.String("job_id", jobID), zap.Error(markErr))
		} else {
			telemetry.JobsFailed.Inc()
		}
		return err
	}
	return nil
}

func (s *Sender) run(ctx context.Context, jobID, token string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	switch job.Status {
	case models.JobRunning:
	case models.JobPaused:
		ok, err := s.store.TransitionJob(ctx, jobID, []string{models.JobPaused}, models.JobRunning)
		if err != nil {
			return fmt.Errorf("resume paused job: %w", err)
		}
		if !ok {
			s.log.Info("paused job changed state before resume", zap.String("job_id", jobID))
			return nil
		}
	default:
		s.log.Info("job not in a sendable state",
			zap.String("job_id", jobID),
			zap.String("status", job.Status),
		)
		return nil
	}

	// Progress accumulated since the last flush.
	var sent, failed, processed int

	flush := func(ctx context.Context) error {
		if processed == 0 {
			return nil
		}
		if err := s.store.FlushProgress(ctx, jobID, sent, failed, processed); err != nil {
			return fmt.Errorf("flush progress: %w", err)
		}
		sent, failed, processed = 0, 0, 0
		return nil
	}

	for {
		if ctx.Err() != nil {
			return flush(context.WithoutCancel(ctx))
		}

		batch, err := s.store.FetchSendBatch(ctx, jobID, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch send batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, rcpt := range batch {
			// Cancellation can arrive at any moment; check before each send
			// so a stop costs at most one in-flight delivery.
			current, err := s.store.GetJob(ctx, jobID)
			if err != nil {
				return fmt.Errorf("reload job: %w", err)
			}
			if current.Status != models.JobRunning {
				s.log.Info("job left running state mid-send",
					zap.String("job_id", jobID),
					zap.String("status", current.Status),
				)
				return flush(context.WithoutCancel(ctx))
			}

			if err := s.throttle(ctx); err != nil {
				return flush(context.WithoutCancel(ctx))
			}

			outcome := s.deliver(ctx, &current, rcpt)
			switch outcome {
			case deliveredSent:
				sent++
			case deliveredFailed:
				failed++
			}
			processed++

			if processed >= s.cfg.ProgressInterval {
				if err := flush(ctx); err != nil {
					return err
				}
				if !s.locks.Extend(ctx, jobID, token) {
					// Another worker may own the job now; stop without
					// touching job state.
					s.log.Warn("lost job lock, yielding", zap.String("job_id", jobID))
					return nil
				}
			}
		}
	}

	if err := flush(ctx); err != nil {
		return err
	}

	pending, err := s.store.CountPending(ctx, jobID)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if pending > 0 {
		// Remaining recipients are waiting out their retry delay. Leave the
		// job running; the resume sweep picks it up once they come due.
		s.log.Info("recipients awaiting retry, yielding",
			zap.String("job_id", jobID),
			zap.Int("pending", pending),
		)
		return nil
	}

	if err := s.store.CompleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	telemetry.JobsCompleted.Inc()
	s.log.Info("broadcast complete", zap.String("job_id", jobID))
	return nil
}

// throttle admits one send under the rate limiter, blocking until a token is
// available or ctx ends. Wait consumes the token it admits, so a successful
// Wait IS the admission; consuming again would charge two tokens per send.
func (s *Sender) throttle(ctx context.Context) error {
	if s.limiter.Consume(1) {
		return nil
	}
	telemetry.RateLimitWaits.Inc()
	return s.limiter.Wait(ctx)
}

type deliveryOutcome int

const (
	deliveredSent deliveryOutcome = iota
	deliveredRetrying
	deliveredFailed
)

// deliver sends to one recipient and persists the outcome. A panic inside the
// transport is contained to this recipient.
func (s *Sender) deliver(ctx context.Context, job *models.Job, rcpt models.Recipient) (outcome deliveryOutcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("send panicked",
				zap.String("job_id", job.ID),
				zap.String("recipient_id", rcpt.ID),
				zap.Any("panic", r),
			)
			msg := fmt.Sprintf("send panicked: %v", r)
			if err := s.store.MarkRecipientFailed(context.WithoutCancel(ctx), rcpt.ID, rcpt.SendAttempts+1, msg); err != nil {
				s.log.Error("could not record panic failure", zap.String("recipient_id", rcpt.ID), zap.Error(err))
			}
			telemetry.EmailsFailed.Inc()
			outcome = deliveredFailed
		}
	}()

	result := s.engine.Send(ctx, mailer.Message{
		From:    job.FromEmail,
		To:      rcpt.Email,
		Subject: job.Subject,
		HTML:    job.HTMLBody,
	})
	attempts := rcpt.SendAttempts + result.Attempts

	if result.Success {
		var providerID *string
		if result.MessageID != "" {
			providerID = &result.MessageID
		}
		if err := s.store.MarkRecipientSent(ctx, rcpt.ID, attempts, providerID); err != nil {
			s.log.Error("could not mark recipient sent", zap.String("recipient_id", rcpt.ID), zap.Error(err))
			return deliveredFailed
		}
		telemetry.EmailsSent.Inc()
		return deliveredSent
	}

	msg := "send failed"
	if result.Err != nil {
		msg = result.Err.Error()
	}

	if result.Retryable && attempts < s.maxAttempts() {
		base, max := s.cfg.RetryBase, s.cfg.RetryMax
		if result.RateLimited {
			base, max = s.cfg.RateLimitBase, s.cfg.RateLimitMax
		}
		next := s.now().Add(mailer.Backoff(attempts, base, max))
		if err := s.store.MarkRecipientRetry(ctx, rcpt.ID, attempts, next, msg); err != nil {
			s.log.Error("could not schedule retry", zap.String("recipient_id", rcpt.ID), zap.Error(err))
			return deliveredFailed
		}
		s.log.Debug("recipient scheduled for retry",
			zap.String("recipient_id", rcpt.ID),
			zap.Int("attempts", attempts),
			zap.Time("next_retry_at", next),
		)
		return deliveredRetrying
	}

	if err := s.store.MarkRecipientFailed(ctx, rcpt.ID, attempts, msg); err != nil {
		s.log.Error("could not mark recipient failed", zap.String("recipient_id", rcpt.ID), zap.Error(err))
	}
	telemetry.EmailsFailed.Inc()
	s.log.Warn("recipient failed terminally",
		zap.String("job_id", job.ID),
		zap.String("recipient_id", rcpt.ID),
		zap.Int("attempts", attempts),
		zap.String("error", msg),
	)
	return deliveredFailed
}
