// Package failure applies the retry budget to failed pipeline stages.
package failure

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/metrics"
	"github.com/JakeFAU/linkedin-signals/internal/notify"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Notifier sends alerts without blocking the caller.
type Notifier interface {
	AdminsAsync(ctx context.Context, chatIDs []int64, text string)
}

// Policy records stage failures on the job row.
type Policy struct {
	jobs       pipeline.JobStore
	notifier   Notifier
	logger     *zap.Logger
	maxRetries int
}

// New builds a Policy. maxRetries applies to jobs created without their own budget.
func New(jobs pipeline.JobStore, notifier Notifier, logger *zap.Logger, maxRetries int) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{jobs: jobs, notifier: notifier, logger: logger, maxRetries: maxRetries}
}

// RecordFailure increments the retry count and stores cause on the job. When
// the budget is spent the job is marked failed and admins are alerted in the
// background; otherwise rewind, if set, prepares the job for its next attempt.
func (p *Policy) RecordFailure(ctx context.Context, job pipeline.Job, cause error, rewind func(*pipeline.Job)) (pipeline.Job, error) {
	failedAt := job.Status
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.maxRetries
	}

	job.RetryCount++
	job.ErrorMessage = cause.Error()
	exhausted := job.RetryCount >= maxRetries
	if exhausted {
		job.Status = pipeline.StatusFailed
	} else if rewind != nil {
		rewind(&job)
	}

	saved, err := p.jobs.Update(ctx, job)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("record failure for job %d: %w", job.ID, err)
	}
	metrics.ObserveFailure(string(failedAt), exhausted)

	fields := []zap.Field{
		zap.Int64("job_id", saved.ID),
		zap.String("status", string(failedAt)),
		zap.Int("retry_count", saved.RetryCount),
		zap.Int("max_retries", maxRetries),
		zap.Error(cause),
	}
	if !exhausted {
		p.logger.Warn("stage failed, will retry", fields...)
		return saved, nil
	}
	p.logger.Error("pipeline failed", fields...)
	if p.notifier != nil {
		p.notifier.AdminsAsync(ctx, saved.AdminChatIDs, notify.PipelineFailed(failedAt, saved.ErrorMessage, saved.RetryCount, maxRetries))
	}
	return saved, nil
}
