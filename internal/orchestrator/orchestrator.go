// Package orchestrator ties the broadcast pipeline together: create a job,
// collect its recipients in the background, chain straight into sending, and
// pick interrupted jobs back up. All stages are idempotent against the store,
// so any step can be re-run after a crash.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"bulkmailer/internal/creator"
	"bulkmailer/internal/models"
	"bulkmailer/internal/source"
	"bulkmailer/internal/telemetry"
)

// Store is the persistence slice the orchestrator reads and cancels through.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	MarkJobFailed(ctx context.Context, id string, message string) error
	ListResumable(ctx context.Context, limit int) ([]string, error)
}

// Creator registers jobs and kicks off collection.
type Creator interface {
	Create(ctx context.Context, p creator.Params) (models.Job, error)
	StartCollection(ctx context.Context, jobID string) (bool, error)
}

// Collector streams a recipient source into the store.
type Collector interface {
	Collect(ctx context.Context, jobID string, src source.Source) (int, int, error)
}

// Runner executes the send phase for one job.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Orchestrator coordinates the broadcast lifecycle.
type Orchestrator struct {
	store     Store
	creator   Creator
	collector Collector
	runner    Runner
	pool      *Pool
	log       *zap.Logger
}

// New wires the pipeline stages together.
func New(store Store, cr Creator, col Collector, runner Runner, pool *Pool, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		creator:   cr,
		collector: col,
		runner:    runner,
		pool:      pool,
		log:       log,
	}
}

// CreateAndQueue registers a broadcast and schedules collection plus sending
// in the background. The returned job is in the queued state; callers poll
// Status for progress.
func (o *Orchestrator) CreateAndQueue(ctx context.Context, p creator.Params, src source.Source) (models.Job, error) {
	job, err := o.creator.Create(ctx, p)
	if err != nil {
		return models.Job{}, err
	}

	if err := o.pool.Submit(ctx, func(ctx context.Context) {
		o.runJob(ctx, job.ID, src)
	}); err != nil {
		// The job row exists but nothing will drive it; fail it so the
		// caller sees a terminal state instead of a job stuck in queued.
		o.log.Error("could not queue broadcast", zap.String("job_id", job.ID), zap.Error(err))
		if markErr := o.store.MarkJobFailed(context.WithoutCancel(ctx), job.ID, "queueing failed: "+err.Error()); markErr != nil {
			o.log.Error("could not mark unqueued job failed", zap.String("job_id", job.ID), zap.Error(markErr))
		}
		return models.Job{}, fmt.Errorf("queue broadcast %s: %w", job.ID, err)
	}
	return job, nil
}

// runJob drives one broadcast end to end on a pool worker.
func (o *Orchestrator) runJob(ctx context.Context, jobID string, src source.Source) {
	defer func() {
		if err := src.Close(); err != nil {
			o.log.Warn("recipient source close failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}()

	ok, err := o.creator.StartCollection(ctx, jobID)
	if err != nil {
		o.log.Error("could not start collection", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !ok {
		// Someone else already advanced the job; nothing to do here.
		o.log.Info("job already past queued", zap.String("job_id", jobID))
		return
	}

	valid, _, err := o.collector.Collect(ctx, jobID, src)
	if err != nil || valid == 0 {
		// Collection already moved the job to a terminal state.
		return
	}

	if err := o.runner.Run(ctx, jobID); err != nil {
		o.log.Error("send phase failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Status returns the polling view of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (models.StatusSnapshot, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return job.Snapshot(), nil
}

// Cancel moves a job to cancelled unless it already reached a terminal state.
// The active sender notices on its next status check and stops.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if ok {
		telemetry.JobsCancelled.Inc()
		o.log.Info("broadcast cancelled", zap.String("job_id", jobID))
	}
	return ok, nil
}

// ResumeInterrupted finds unlocked jobs with due recipients and schedules a
// send run for each. Returns how many were scheduled.
func (o *Orchestrator) ResumeInterrupted(ctx context.Context, limit int) (int, error) {
	ids, err := o.store.ListResumable(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list resumable jobs: %w", err)
	}

	scheduled := 0
	for _, id := range ids {
		jobID := id
		if err := o.pool.Submit(ctx, func(ctx context.Context) {
			if err := o.runner.Run(ctx, jobID); err != nil {
				o.log.Error("resumed send failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		o.log.Info("resuming interrupted broadcasts", zap.Int("count", scheduled))
	}
	return scheduled, nil
}
