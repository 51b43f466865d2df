package mailer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// attemptSleepCap bounds the in-call sleep between attempts regardless of the
// computed backoff, so one recipient cannot park a worker for too long.
const attemptSleepCap = 5 * time.Minute

// Result is the outcome of one Engine.Send call. Attempts counts the
// transport calls actually made, which the caller adds to the recipient's
// persisted attempt count.
type Result struct {
	Success     bool
	MessageID   string
	Attempts    int
	Err         error
	Retryable   bool
	RateLimited bool
}

// Engine performs one logical send: up to maxRetries+1 transport attempts
// with classification-driven exponential backoff between them. Permanent
// errors stop immediately.
type Engine struct {
	transport     Transport
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	rateLimitBase time.Duration
	rateLimitMax  time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	log           *zap.Logger
}

// EngineConfig tunes the retry engine; zero values fall back to the defaults
// of 3 retries, 60s/300s standard backoff and 120s/600s rate-limit backoff.
type EngineConfig struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	RateLimitBase time.Duration
	RateLimitMax  time.Duration
}

// NewEngine builds a retry engine over the given transport.
func NewEngine(transport Transport, cfg EngineConfig, log *zap.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 60 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 300 * time.Second
	}
	if cfg.RateLimitBase <= 0 {
		cfg.RateLimitBase = 120 * time.Second
	}
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 600 * time.Second
	}
	return &Engine{
		transport:     transport,
		maxRetries:    cfg.MaxRetries,
		baseDelay:     cfg.BaseDelay,
		maxDelay:      cfg.MaxDelay,
		rateLimitBase: cfg.RateLimitBase,
		rateLimitMax:  cfg.RateLimitMax,
		sleep:         sleepCtx,
		log:           log,
	}
}

// MaxRetries exposes the configured attempt ceiling.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// Send delivers the message, retrying transient failures with backoff.
func (e *Engine) Send(ctx context.Context, msg Message) Result {
	var lastErr error
	var lastRateLimited bool

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		receipt, err := e.transport.Send(ctx, msg)
		attempts := attempt + 1

		if err == nil {
			if !receipt.Accepted {
				err = errors.New("provider response carried no acceptance")
			} else {
				if receipt.MessageID == "" {
					e.log.Warn("provider accepted message without an id",
						zap.String("to", msg.To),
					)
				}
				return Result{Success: true, MessageID: receipt.MessageID, Attempts: attempts}
			}
		}

		retryable, rateLimited := Classify(err)
		lastErr = err
		lastRateLimited = rateLimited

		if !retryable {
			return Result{Attempts: attempts, Err: err}
		}
		if attempt == e.maxRetries {
			return Result{
				Attempts:    attempts,
				Err:         fmt.Errorf("max retries exceeded: %w", err),
				Retryable:   true,
				RateLimited: rateLimited,
			}
		}

		delay := e.delayFor(attempt, rateLimited)
		e.log.Debug("transient send failure, backing off",
			zap.String("to", msg.To),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Bool("rate_limited", rateLimited),
			zap.Error(err),
		)
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return Result{
				Attempts:    attempts,
				Err:         sleepErr,
				Retryable:   true,
				RateLimited: rateLimited,
			}
		}
	}

	// Unreachable: the loop always returns on the final attempt.
	return Result{Attempts: e.maxRetries + 1, Err: lastErr, Retryable: true, RateLimited: lastRateLimited}
}

func (e *Engine) delayFor(attempt int, rateLimited bool) time.Duration {
	var d time.Duration
	if rateLimited {
		d = Backoff(attempt, e.rateLimitBase, e.rateLimitMax)
	} else {
		d = Backoff(attempt, e.baseDelay, e.maxDelay)
	}
	if d > attemptSleepCap {
		d = attemptSleepCap
	}
	return d
}

// Backoff computes min(max, base * 2^attempt).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
