package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Processor turns dataset items into deduplicated, fresh posts.
type Processor struct {
	d Deps
}

// NewProcessor builds the process-posts stage.
func NewProcessor(d Deps) *Processor {
	d = d.withDefaults()
	d.Logger = d.Logger.Named(NameProcess)
	return &Processor{d: d}
}

// Name implements Stage.
func (p *Processor) Name() string { return NameProcess }

type itemOutcome int

const (
	itemInserted itemOutcome = iota
	itemSkipped
)

// Run ingests dataset items [offset, offset+size). Once the dataset is
// drained the freshness window is frozen on the job and the job moves to
// vectorizing over the eligible posts, or completes when there are none.
func (p *Processor) Run(ctx context.Context, req Request) (Result, error) {
	job, ok, err := p.d.activeJob(ctx, pipeline.StatusProcessing, req)
	if err != nil || !ok {
		return noop(NameProcess, job), err
	}
	if job.DatasetID == "" {
		return Result{}, fmt.Errorf("job %d is processing without a dataset", job.ID)
	}

	size := req.size()
	offset := job.CurrentBatchOffset
	counters := map[string]int{"inserted": 0, "skipped": 0, "quarantined": 0}

	if offset < job.TotalItems {
		items, err := p.d.Scraper.DatasetItems(ctx, job.DatasetID, offset, size)
		if err != nil {
			return Result{}, fmt.Errorf("fetch dataset %s items at %d: %w", job.DatasetID, offset, err)
		}
		cutoff := p.d.Clock.Now().Add(-p.d.Freshness)
		for i, raw := range items {
			index := offset + i
			item, err := pipeline.DecodeScrapeItem(raw)
			if err != nil {
				p.quarantine(ctx, job, index, raw, err)
				counters["quarantined"]++
				counters["skipped"]++
				continue
			}
			outcome, err := p.ingest(ctx, job, index, item, cutoff)
			if err != nil {
				return Result{}, err
			}
			if outcome == itemInserted {
				counters["inserted"]++
			} else {
				counters["skipped"]++
			}
		}
	}

	next := offset + size
	if next < job.TotalItems {
		job.Advance(next)
		saved, err := p.d.save(ctx, job)
		if err != nil {
			return Result{}, err
		}
		p.logBatch(saved, counters)
		return done(NameProcess, saved, counters), nil
	}

	saved, err := p.finish(ctx, job)
	if err != nil {
		return Result{}, err
	}
	p.logBatch(saved, counters)
	return done(NameProcess, saved, counters), nil
}

func (p *Processor) ingest(ctx context.Context, job pipeline.Job, index int, item pipeline.ScrapeItem, cutoff time.Time) (itemOutcome, error) {
	log := p.d.Logger.With(zap.Int("dataset_index", index))

	profileURL := item.ProfileURL()
	if profileURL == "" {
		log.Debug("skipping item without profile url")
		return itemSkipped, nil
	}
	profile, err := p.d.Profiles.GetByURL(ctx, profileURL)
	if raw := item.RawProfileURL(); errors.Is(err, pipeline.ErrNotFound) && raw != profileURL {
		// Rows added before canonicalization keep the URL as typed.
		profile, err = p.d.Profiles.GetByURL(ctx, raw)
	}
	if errors.Is(err, pipeline.ErrNotFound) {
		log.Debug("skipping item for unknown profile", zap.String("profile_url", profileURL))
		return itemSkipped, nil
	}
	if err != nil {
		return itemSkipped, fmt.Errorf("load profile %s: %w", profileURL, err)
	}

	occupation := item.Occupation()
	validOccupation := occupation != "" && pipeline.HasLetters(occupation)
	stored := pipeline.CleanText(profile.Occupation)
	if stored != "" && validOccupation && stored != occupation {
		details := pipeline.UnverifiedDetails{
			StoredValue:            profile.Occupation,
			StoredValueNormalized:  stored,
			ScrapedValue:           occupation,
			ScrapedValueNormalized: occupation,
			PipelineJobID:          job.ID,
			ApifyRunID:             job.ApifyRunID,
			ApifyRunStartedAt:      job.ScrapeStartedAt,
			DatasetID:              job.DatasetID,
			DatasetIndex:           index,
		}
		if err := p.d.Profiles.MarkUnverified(ctx, profile.ID, details, p.d.Clock.Now()); err != nil {
			return itemSkipped, fmt.Errorf("mark profile %d unverified: %w", profile.ID, err)
		}
		log.Warn("occupation mismatch, profile unverified",
			zap.Int64("profile_id", profile.ID),
			zap.String("stored", stored),
			zap.String("scraped", occupation),
		)
		return itemSkipped, nil
	}

	if item.URN == "" {
		log.Debug("skipping item without urn")
		return itemSkipped, nil
	}
	exists, err := p.d.Posts.Exists(ctx, item.URN)
	if err != nil {
		return itemSkipped, fmt.Errorf("check urn %s: %w", item.URN, err)
	}
	if exists {
		log.Debug("skipping known urn", zap.String("urn", item.URN))
		return itemSkipped, nil
	}

	postedAt, ok := item.PostedAt()
	if !ok || postedAt.Before(cutoff) {
		log.Debug("skipping stale item", zap.String("urn", item.URN), zap.Time("cutoff", cutoff))
		return itemSkipped, nil
	}

	text := pipeline.CleanText(item.Text)
	if text == "" {
		log.Debug("skipping item without text", zap.String("urn", item.URN))
		return itemSkipped, nil
	}

	authorURL := item.InputURL
	if authorURL == "" {
		authorURL = profileURL
	}
	post := pipeline.Post{
		URN:         item.URN,
		Name:        item.Name(),
		Text:        text,
		PostedAt:    postedAt,
		SourceURL:   item.URL,
		AuthorURL:   authorURL,
		IndustryIDs: profile.IndustryIDs,
	}
	if validOccupation {
		post.Occupation = occupation
	}
	inserted, err := p.d.Posts.Insert(ctx, post)
	if err != nil {
		return itemSkipped, fmt.Errorf("insert post %s: %w", item.URN, err)
	}
	if !inserted {
		return itemSkipped, nil
	}
	return itemInserted, nil
}

func (p *Processor) finish(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	window := p.d.Clock.Now().Add(-p.d.Freshness)
	job.WindowStart = &window

	industries, err := p.d.Catalog.VisibleIndustries(ctx)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("load visible industries: %w", err)
	}
	eligible := 0
	if len(industries) > 0 {
		eligible, err = p.d.Posts.CountFresh(ctx, window, pipeline.IndustryIDs(industries))
		if err != nil {
			return pipeline.Job{}, fmt.Errorf("count fresh posts: %w", err)
		}
	}

	if eligible == 0 {
		job.Transition(pipeline.StatusCompleted, 0)
	} else {
		job.Transition(pipeline.StatusVectorizing, eligible)
	}
	saved, err := p.d.save(ctx, job)
	if err != nil {
		return pipeline.Job{}, err
	}
	p.d.Logger.Info("dataset processed",
		zap.Int64("job_id", saved.ID),
		zap.String("next_status", string(saved.Status)),
		zap.Int("eligible_posts", eligible),
	)
	return saved, nil
}

// quarantine keeps a malformed item for inspection. Failures are logged only.
func (p *Processor) quarantine(ctx context.Context, job pipeline.Job, index int, raw json.RawMessage, cause error) {
	log := p.d.Logger.With(zap.Int64("job_id", job.ID), zap.Int("dataset_index", index), zap.NamedError("cause", cause))
	if p.d.Blobs == nil {
		log.Warn("malformed dataset item dropped")
		return
	}
	objectPath := path.Join(p.d.QuarantinePrefix, strconv.FormatInt(job.ID, 10), strconv.Itoa(index)+".json")
	uri, err := p.d.Blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(raw))
	if err != nil {
		log.Warn("quarantine write failed", zap.Error(err))
		return
	}
	log.Warn("malformed dataset item quarantined", zap.String("uri", uri))
}

func (p *Processor) logBatch(job pipeline.Job, counters map[string]int) {
	p.d.Logger.Info("batch processed",
		zap.Int64("job_id", job.ID),
		zap.String("progress", job.Progress()),
		zap.Int("inserted", counters["inserted"]),
		zap.Int("skipped", counters["skipped"]),
		zap.Int("quarantined", counters["quarantined"]),
	)
}
