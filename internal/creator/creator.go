// Package creator validates broadcast input, renders the HTML body, and
// persists the new job in its initial state.
package creator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"bulkmailer/internal/collector"
	"bulkmailer/internal/models"
	"bulkmailer/internal/render"
	"bulkmailer/internal/store"
	"bulkmailer/internal/telemetry"
)

const (
	maxSubjectLength = 255
	maxBodyLength    = 1 << 20
)

// ValidationError reports bad broadcast input. API handlers map it to a 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store is the persistence slice needed to register a job.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	TransitionJob(ctx context.Context, id string, from []string, to string) (bool, error)
}

// Params carries the raw broadcast input from the caller.
type Params struct {
	Subject   string
	Body      string
	FromEmail string
	Metadata  map[string]any
}

// Creator registers broadcast jobs.
type Creator struct {
	store    Store
	renderer render.Renderer
	log      *zap.Logger
}

// New builds a Creator around the given renderer.
func New(st Store, renderer render.Renderer, log *zap.Logger) *Creator {
	return &Creator{store: st, renderer: renderer, log: log}
}

// Create validates the input, renders the body, and inserts a queued job.
func (c *Creator) Create(ctx context.Context, p Params) (models.Job, error) {
	if err := validate(p); err != nil {
		return models.Job{}, err
	}

	from, err := collector.Normalize(p.FromEmail)
	if err != nil {
		return models.Job{}, &ValidationError{Field: "from_email", Reason: err.Error()}
	}

	html, err := c.renderer.Render(p.Subject, p.Body)
	if err != nil {
		// Rendering must never block job creation; fall back to the
		// minimal escaped wrapper.
		c.log.Warn("template render failed, using fallback markup", zap.Error(err))
		html = render.Fallback(p.Subject, p.Body)
	}

	job, err := c.store.CreateJob(ctx, store.CreateJobParams{
		Subject:   strings.TrimSpace(p.Subject),
		HTMLBody:  html,
		FromEmail: from,
		Metadata:  p.Metadata,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	telemetry.JobsCreated.Inc()
	c.log.Info("broadcast job created",
		zap.String("job_id", job.ID),
		zap.String("from", from),
	)
	return job, nil
}

// StartCollection moves a queued job into the collecting state. Returns false
// when the job already left the queued state, so a duplicate kick is harmless.
func (c *Creator) StartCollection(ctx context.Context, jobID string) (bool, error) {
	ok, err := c.store.TransitionJob(ctx, jobID, []string{models.JobQueued}, models.JobCollecting)
	if err != nil {
		return false, fmt.Errorf("start collection for job %s: %w", jobID, err)
	}
	return ok, nil
}

func validate(p Params) error {
	if strings.TrimSpace(p.Subject) == "" {
		return &ValidationError{Field: "subject", Reason: "must not be empty"}
	}
	if len(p.Subject) > maxSubjectLength {
		return &ValidationError{Field: "subject", Reason: fmt.Sprintf("exceeds %d characters", maxSubjectLength)}
	}
	if strings.TrimSpace(p.Body) == "" {
		return &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if len(p.Body) > maxBodyLength {
		return &ValidationError{Field: "body", Reason: "exceeds maximum length"}
	}
	if strings.TrimSpace(p.FromEmail) == "" {
		return &ValidationError{Field: "from_email", Reason: "must not be empty"}
	}
	return nil
}
