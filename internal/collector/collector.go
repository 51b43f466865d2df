// Package collector streams a recipient source into persisted recipient rows:
// validate, normalize, deduplicate, insert in bounded batches, then move the
// job toward active sending.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"bulkmailer/internal/models"
	"bulkmailer/internal/source"
	"bulkmailer/internal/telemetry"
)

// Store is the persistence contract the collector needs. InsertRecipients
// must ignore (job_id, email) duplicates so collection can safely re-run
// after a crash mid-way.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	InsertRecipients(ctx context.Context, jobID string, emails []string) (int, error)
	FinishCollection(ctx context.Context, id string, total, skipped int, status string, message *string) error
	MarkJobFailed(ctx context.Context, id string, message string) error
}

// Collector validates and persists recipients for one job at a time.
type Collector struct {
	store     Store
	batchSize int
	log       *zap.Logger
}

// New builds a collector committing inserts in batches of batchSize.
func New(store Store, batchSize int, log *zap.Logger) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Collector{store: store, batchSize: batchSize, log: log}
}

// Collect streams src into recipient rows for the job and returns the valid
// and skipped counts. The job must be collecting; any other status is a
// no-op. On success the job moves to running (or straight to completed when
// nothing valid was found); an unrecoverable failure marks the job failed.
func (c *Collector) Collect(ctx context.Context, jobID string, src source.Source) (int, int, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, 0, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != models.JobCollecting {
		c.log.Warn("collect called outside collecting status",
			zap.String("job_id", jobID),
			zap.String("status", job.Status),
		)
		return 0, 0, nil
	}

	seen := make(map[string]struct{})
	valid, skipped := 0, 0
	batch := make([]string, 0, c.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := c.store.InsertRecipients(ctx, jobID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		raw, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.fail(ctx, jobID, valid, skipped, fmt.Errorf("read recipient source: %w", err))
		}

		email, verr := Normalize(raw)
		if verr != nil {
			skipped++
			telemetry.EmailsSkipped.Inc()
			c.log.Debug("skipping invalid address",
				zap.String("job_id", jobID),
				zap.String("reason", verr.Error()),
			)
			continue
		}

		if _, dup := seen[email]; dup {
			skipped++
			continue
		}
		seen[email] = struct{}{}
		valid++
		batch = append(batch, email)

		if len(batch) >= c.batchSize {
			if err := flush(); err != nil {
				return c.fail(ctx, jobID, valid, skipped, fmt.Errorf("insert recipients: %w", err))
			}
		}
	}

	if err := flush(); err != nil {
		return c.fail(ctx, jobID, valid, skipped, fmt.Errorf("insert recipients: %w", err))
	}

	status := models.JobRunning
	var message *string
	if valid == 0 {
		status = models.JobCompleted
		msg := "no valid recipients found"
		message = &msg
	}
	if err := c.store.FinishCollection(ctx, jobID, valid, skipped, status, message); err != nil {
		return c.fail(ctx, jobID, valid, skipped, fmt.Errorf("finish collection: %w", err))
	}

	c.log.Info("collection complete",
		zap.String("job_id", jobID),
		zap.Int("valid", valid),
		zap.Int("skipped", skipped),
		zap.String("status", status),
	)
	return valid, skipped, nil
}

func (c *Collector) fail(ctx context.Context, jobID string, valid, skipped int, err error) (int, int, error) {
	c.log.Error("collection failed", zap.String("job_id", jobID), zap.Error(err))
	if markErr := c.store.MarkJobFailed(ctx, jobID, "collection failed: "+err.Error()); markErr != nil {
		c.log.Error("could not mark job failed", zap.String("job_id", jobID), zap.Error(markErr))
	}
	return valid, skipped, err
}
