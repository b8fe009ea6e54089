package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Poller checks the scraping run and opens processing once it succeeds.
type Poller struct {
	d Deps
}

// NewPoller builds the scrape-poll stage.
func NewPoller(d Deps) *Poller {
	d = d.withDefaults()
	d.Logger = d.Logger.Named(NamePoll)
	return &Poller{d: d}
}

// Name implements Stage.
func (p *Poller) Name() string { return NamePoll }

// Run inspects the run. A finished run moves the job to processing over the
// dataset; a failed run is charged to the retry budget and, if budget
// remains, the job returns to idle so the scrape is launched again.
func (p *Poller) Run(ctx context.Context, _ Request) (Result, error) {
	job, ok, err := p.d.activeJob(ctx, pipeline.StatusScraping, Request{})
	if err != nil || !ok {
		return noop(NamePoll, job), err
	}
	if job.ApifyRunID == "" {
		return Result{}, fmt.Errorf("job %d is scraping without a run id", job.ID)
	}

	run, err := p.d.Scraper.GetRun(ctx, job.ApifyRunID)
	if err != nil {
		return Result{}, fmt.Errorf("get run %s: %w", job.ApifyRunID, err)
	}

	switch run.Status {
	case pipeline.RunReady, pipeline.RunRunning, pipeline.RunAborting, pipeline.RunTimingOut:
		p.d.Logger.Debug("scrape run in progress", zap.String("run_id", run.ID), zap.String("run_status", run.Status))
		return noop(NamePoll, job), nil

	case pipeline.RunSucceeded:
		if run.DatasetID == "" {
			return Result{}, fmt.Errorf("run %s succeeded without a dataset", run.ID)
		}
		count, err := p.d.Scraper.DatasetItemCount(ctx, run.DatasetID)
		if err != nil {
			return Result{}, fmt.Errorf("count dataset %s: %w", run.DatasetID, err)
		}
		job.DatasetID = run.DatasetID
		job.ScrapeStartedAt = run.StartedAt
		job.Transition(pipeline.StatusProcessing, count)
		saved, err := p.d.save(ctx, job)
		if err != nil {
			return Result{}, err
		}
		p.d.Logger.Info("scrape run finished",
			zap.Int64("job_id", saved.ID),
			zap.String("dataset_id", run.DatasetID),
			zap.Int("items", count),
		)
		return done(NamePoll, saved, map[string]int{"dataset_items": count}), nil

	case pipeline.RunFailed, pipeline.RunAborted, pipeline.RunTimedOut:
		cause := fmt.Errorf("scrape run %s ended %s", run.ID, run.Status)
		saved, err := p.d.Failures.RecordFailure(ctx, job, cause, func(j *pipeline.Job) {
			j.Transition(pipeline.StatusIdle, 0)
			j.ApifyRunID = ""
			j.DatasetID = ""
			j.ScrapeStartedAt = nil
		})
		if err != nil {
			return Result{}, err
		}
		return done(NamePoll, saved, map[string]int{"run_failed": 1}), nil

	default:
		return Result{}, fmt.Errorf("run %s has unknown status %q", run.ID, run.Status)
	}
}
