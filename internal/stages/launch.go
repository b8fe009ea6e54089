package stages

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/notify"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Launcher starts the scraping run for an idle job.
type Launcher struct {
	d Deps
}

// NewLauncher builds the scrape-launch stage.
func NewLauncher(d Deps) *Launcher {
	d = d.withDefaults()
	d.Logger = d.Logger.Named(NameLaunch)
	return &Launcher{d: d}
}

// Name implements Stage.
func (l *Launcher) Name() string { return NameLaunch }

// Run checks the scrape preconditions, starts the actor run and moves the job to scraping.
func (l *Launcher) Run(ctx context.Context, _ Request) (Result, error) {
	job, ok, err := l.d.activeJob(ctx, pipeline.StatusIdle, Request{})
	if err != nil || !ok {
		return noop(NameLaunch, job), err
	}

	cfg, err := l.d.Catalog.ScrapeConfig(ctx)
	if errors.Is(err, pipeline.ErrNotFound) {
		return l.precondition(ctx, job, "Config not found")
	}
	if err != nil {
		return Result{}, fmt.Errorf("load scrape config: %w", err)
	}
	cfg = cfg.WithDefaults()

	industries, err := l.d.Catalog.VisibleIndustries(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load visible industries: %w", err)
	}
	if len(industries) == 0 {
		return l.precondition(ctx, job, "No visible industries configured")
	}
	visible := pipeline.IndustryIDs(industries)

	profiles, err := l.d.Profiles.ListAllowed(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list allowed profiles: %w", err)
	}
	urls := make([]string, 0, len(profiles))
	for _, p := range profiles {
		if p.URL != "" && pipeline.Overlaps(p.IndustryIDs, visible) {
			urls = append(urls, p.URL)
		}
	}
	if len(urls) == 0 {
		return l.precondition(ctx, job, "No allowed URLs found for visible industries")
	}

	input := pipeline.RunInput{
		Cookie:         cfg.Cookie,
		UserAgent:      cfg.UserAgent,
		URLs:           urls,
		LimitPerSource: cfg.LimitPerSource,
		DeepScrape:     cfg.DeepScrape,
		RawData:        cfg.RawData,
		MinDelay:       cfg.MinDelay,
		MaxDelay:       cfg.MaxDelay,
		Proxy:          cfg.Proxy,
	}
	runID, err := l.d.Scraper.StartRun(ctx, input, cfg.MemoryMBytes)
	if err != nil {
		return Result{}, fmt.Errorf("start scrape run: %w", err)
	}

	admins, err := l.d.Recipients.AdminChatIDs(ctx)
	if err != nil {
		l.d.Logger.Warn("snapshot admin chat ids failed", zap.Error(err))
	}

	job.ApifyRunID = runID
	job.DatasetID = ""
	job.ScrapeStartedAt = nil
	job.AdminChatIDs = admins
	job.Transition(pipeline.StatusScraping, 0)
	saved, err := l.d.save(ctx, job)
	if err != nil {
		return Result{}, err
	}

	l.d.Logger.Info("scrape run started",
		zap.Int64("job_id", saved.ID),
		zap.String("run_id", runID),
		zap.Int("urls", len(urls)),
	)
	return done(NameLaunch, saved, map[string]int{"urls": len(urls)}), nil
}

func (l *Launcher) precondition(ctx context.Context, job pipeline.Job, reason string) (Result, error) {
	l.d.Logger.Warn("scrape launch precondition failed", zap.Int64("job_id", job.ID), zap.String("reason", reason))
	if l.d.Notifier != nil {
		l.d.Notifier.Admins(ctx, nil, notify.StartFailed(reason))
	}
	return noop(NameLaunch, job), &PreconditionError{Reason: reason}
}
