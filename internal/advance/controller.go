// Package advance drives the pipeline job forward one bounded stage call per
// pass and decides whether another pass should follow immediately.
package advance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/clock/system"
	"github.com/JakeFAU/linkedin-signals/internal/metrics"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/stages"
	"github.com/JakeFAU/linkedin-signals/internal/telemetry"
)

// FailureRecorder charges a failed stage call to the job's retry budget.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, job pipeline.Job, cause error, rewind func(*pipeline.Job)) (pipeline.Job, error)
}

// Config tunes the controller.
type Config struct {
	BatchSize   int
	TriggerHour int
	MaxRetries  int
}

// Outcome is the result of one pass, shaped for the /cron/advance response.
type Outcome struct {
	OK            bool            `json:"ok"`
	JobID         int64           `json:"job_id,omitempty"`
	CurrentStatus pipeline.Status `json:"current_status,omitempty"`
	Progress      string          `json:"progress"`
	Message       string          `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
	RetryCount    *int            `json:"retry_count,omitempty"`
	Continued     bool            `json:"continued"`
	// Code is the HTTP status the pass maps to.
	Code int `json:"-"`
}

// Controller runs advance passes.
type Controller struct {
	jobs       pipeline.JobStore
	dispatcher Dispatcher
	failures   FailureRecorder
	continuer  Continuer
	clock      pipeline.Clock
	logger     *zap.Logger
	cfg        Config
}

// NewController builds a Controller. A nil continuer disables continuation.
func NewController(
	jobs pipeline.JobStore,
	dispatcher Dispatcher,
	failures FailureRecorder,
	continuer Continuer,
	clock pipeline.Clock,
	logger *zap.Logger,
	cfg Config,
) *Controller {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = stages.DefaultBatchSize
	}
	return &Controller{
		jobs:       jobs,
		dispatcher: dispatcher,
		failures:   failures,
		continuer:  continuer,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
	}
}

// Advance runs one pass. Stage failures are reported in the Outcome; the
// error return is reserved for job store failures.
func (c *Controller) Advance(ctx context.Context) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "advance")
	defer span.End()

	job, err := c.jobs.Active(ctx)
	if errors.Is(err, pipeline.ErrNotFound) {
		return c.maybeStart(ctx)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, fmt.Errorf("load active job: %w", err)
	}
	span.SetAttributes(
		attribute.Int64("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
		attribute.Int("job.offset", job.CurrentBatchOffset),
	)

	logger := c.logger.With(zap.Int64("job_id", job.ID), zap.String("status", string(job.Status)))
	logger.Debug("dispatching stage", zap.String("progress", job.Progress()))

	res, err := c.dispatcher.Dispatch(ctx, job.Status, c.request(job))
	if err != nil {
		span.RecordError(err)
		return c.handleFailure(ctx, logger, job, err)
	}

	updated, err := c.jobs.Get(ctx, job.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload job %d: %w", job.ID, err)
	}
	out := Outcome{
		OK:            true,
		JobID:         updated.ID,
		CurrentStatus: updated.Status,
		Progress:      updated.Progress(),
		Code:          http.StatusOK,
	}
	if ShouldContinue(job, updated) {
		out.Continued = c.signal(ctx)
	}
	metrics.ObserveAdvance(string(job.Status), "ok")
	logger.Info("advance pass finished",
		zap.String("stage", res.Stage),
		zap.Bool("noop", res.Noop),
		zap.String("next_status", string(updated.Status)),
		zap.String("progress", out.Progress),
		zap.Bool("continued", out.Continued),
	)
	return out, nil
}

// ShouldContinue reports whether the pass that moved before to after left
// work that should run immediately.
func ShouldContinue(before, after pipeline.Job) bool {
	if after.Status != before.Status {
		return !after.Status.Terminal()
	}
	return after.Status.Draining() && after.CurrentBatchOffset < after.TotalItems
}

func (c *Controller) request(job pipeline.Job) stages.Request {
	offset := job.CurrentBatchOffset
	switch job.Status {
	case pipeline.StatusIdle, pipeline.StatusScraping:
		return stages.Request{}
	case pipeline.StatusGenerating:
		return stages.Request{BatchOffset: &offset}
	default:
		return stages.At(offset, c.cfg.BatchSize)
	}
}

func (c *Controller) maybeStart(ctx context.Context) (Outcome, error) {
	now := c.clock.Now().UTC()
	out := Outcome{OK: true, Progress: "0/0", Code: http.StatusOK}

	if now.Hour() != c.cfg.TriggerHour {
		out.Message = fmt.Sprintf("No active job, waiting for %02d:00 UTC", c.cfg.TriggerHour)
		metrics.ObserveAdvance("", "waiting")
		return out, nil
	}

	trigger := system.StartOfDay(now).Add(time.Duration(c.cfg.TriggerHour) * time.Hour)
	latest, err := c.jobs.Latest(ctx)
	switch {
	case err == nil && !latest.StartedAt.Before(trigger):
		out.Message = "Pipeline already ran today"
		metrics.ObserveAdvance("", "waiting")
		return out, nil
	case err != nil && !errors.Is(err, pipeline.ErrNotFound):
		return Outcome{}, fmt.Errorf("load latest job: %w", err)
	}

	job, err := c.jobs.Create(ctx, pipeline.Job{
		Status:     pipeline.StatusIdle,
		MaxRetries: c.cfg.MaxRetries,
		StartedAt:  now,
		UpdatedAt:  now,
	})
	if errors.Is(err, pipeline.ErrActiveJobExists) {
		out.Message = "Job already created by a concurrent pass"
		metrics.ObserveAdvance("", "conflict")
		return out, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("create job: %w", err)
	}

	c.logger.Info("pipeline job created", zap.Int64("job_id", job.ID), zap.Time("started_at", job.StartedAt))
	out.JobID = job.ID
	out.CurrentStatus = job.Status
	out.Progress = job.Progress()
	out.Message = "New job created and started"
	out.Continued = c.signal(ctx)
	metrics.ObserveAdvance("", "created")
	return out, nil
}

func (c *Controller) handleFailure(ctx context.Context, logger *zap.Logger, job pipeline.Job, cause error) (Outcome, error) {
	out := Outcome{
		JobID:         job.ID,
		CurrentStatus: job.Status,
		Progress:      job.Progress(),
		Error:         cause.Error(),
	}

	switch {
	case stages.IsPrecondition(cause):
		logger.Warn("stage precondition failed", zap.Error(cause))
		metrics.ObserveAdvance(string(job.Status), "precondition")
		out.Code = http.StatusUnprocessableEntity
		return out, nil
	case stages.IsConflict(cause):
		logger.Info("concurrent progress detected", zap.Error(cause))
		metrics.ObserveAdvance(string(job.Status), "conflict")
		out.Code = http.StatusConflict
		return out, nil
	}

	// The stage may have saved partial progress before failing.
	current, err := c.jobs.Get(ctx, job.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload job %d: %w", job.ID, err)
	}
	if current.Status.Terminal() {
		out.CurrentStatus = current.Status
		out.Progress = current.Progress()
		out.Code = http.StatusInternalServerError
		return out, nil
	}

	saved, err := c.failures.RecordFailure(ctx, current, cause, nil)
	if errors.Is(err, pipeline.ErrVersionConflict) {
		logger.Info("failure raced with concurrent progress", zap.Error(err))
		metrics.ObserveAdvance(string(job.Status), "conflict")
		out.Code = http.StatusConflict
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	retries := saved.RetryCount
	out.CurrentStatus = saved.Status
	out.Progress = saved.Progress()
	out.RetryCount = &retries
	out.Code = http.StatusInternalServerError
	if saved.Status == pipeline.StatusFailed {
		out.Error = "Max retries exceeded"
		out.Message = cause.Error()
		metrics.ObserveAdvance(string(job.Status), "failed")
	} else {
		metrics.ObserveAdvance(string(job.Status), "retry")
	}
	return out, nil
}

func (c *Controller) signal(ctx context.Context) bool {
	if c.continuer == nil {
		return false
	}
	if err := c.continuer.Continue(ctx); err != nil {
		c.logger.Warn("continuation failed", zap.Error(err))
		return false
	}
	return true
}
