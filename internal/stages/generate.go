package stages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Generator writes one message per industry/signal pair.
type Generator struct {
	d Deps
}

// NewGenerator builds the generate stage.
func NewGenerator(d Deps) *Generator {
	d = d.withDefaults()
	d.Logger = d.Logger.Named(NameGenerate)
	return &Generator{d: d}
}

// Name implements Stage.
func (g *Generator) Name() string { return NameGenerate }

// Run handles the pair at the job's offset. Pairs are ordered industry-major
// over visible industries and visible signals with an embedding query. The
// first call purges yesterday's messages.
func (g *Generator) Run(ctx context.Context, req Request) (Result, error) {
	job, ok, err := g.d.activeJob(ctx, pipeline.StatusGenerating, req)
	if err != nil || !ok {
		return noop(NameGenerate, job), err
	}

	industries, err := g.d.Catalog.VisibleIndustries(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load visible industries: %w", err)
	}
	allSignals, err := g.d.Catalog.VisibleSignals(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load visible signals: %w", err)
	}
	signals := make([]pipeline.Signal, 0, len(allSignals))
	for _, s := range allSignals {
		if strings.TrimSpace(s.EmbeddingQuery) != "" {
			signals = append(signals, s)
		}
	}
	pairs := len(industries) * len(signals)
	offset := job.CurrentBatchOffset

	if offset == 0 {
		if err := g.d.Messages.DeleteAll(ctx); err != nil {
			return Result{}, fmt.Errorf("purge messages: %w", err)
		}
		job.TotalItems = pairs
	}
	counters := map[string]int{"generated": 0, "no_content": 0}
	if offset >= pairs {
		saved, err := g.toSending(ctx, job)
		if err != nil {
			return Result{}, err
		}
		return done(NameGenerate, saved, counters), nil
	}

	industry := industries[offset/len(signals)]
	signal := signals[offset%len(signals)]
	log := g.d.Logger.With(
		zap.Int64("job_id", job.ID),
		zap.Int64("industry_id", industry.ID),
		zap.Int64("signal_id", signal.ID),
	)

	generated, err := g.generate(ctx, industry, signal)
	if err != nil {
		return Result{}, err
	}
	if generated {
		counters["generated"]++
		log.Info("message generated")
	} else {
		counters["no_content"]++
		log.Info("no content for pair")
	}

	next := offset + 1
	var saved pipeline.Job
	if next >= pairs {
		saved, err = g.toSending(ctx, job)
	} else {
		job.Advance(next)
		saved, err = g.d.save(ctx, job)
	}
	if err != nil {
		return Result{}, err
	}
	return done(NameGenerate, saved, counters), nil
}

func (g *Generator) generate(ctx context.Context, industry pipeline.Industry, signal pipeline.Signal) (bool, error) {
	embeddings, err := g.d.Embedder.Embed(ctx, []string{signal.EmbeddingQuery})
	if err != nil {
		return false, fmt.Errorf("embed signal %d query: %w", signal.ID, err)
	}
	if len(embeddings) != 1 {
		return false, fmt.Errorf("embedder returned %d vectors for one query", len(embeddings))
	}

	matches, err := g.d.Index.Query(ctx, g.d.Namespace, embeddings[0], g.d.TopK, strconv.FormatInt(industry.ID, 10))
	if errors.Is(err, pipeline.ErrNotFound) {
		matches = nil
	} else if err != nil {
		return false, fmt.Errorf("query index for industry %d: %w", industry.ID, err)
	}
	contextText := BuildContext(matches)
	if contextText == "" {
		return false, nil
	}

	text, err := g.d.Generator.Generate(ctx, SystemPrompt(), UserMessage(contextText, signal.Prompt))
	if err != nil {
		return false, fmt.Errorf("generate message for industry %d signal %d: %w", industry.ID, signal.ID, err)
	}
	text = strings.TrimSpace(text)
	if text == "" || text == NoContent {
		return false, nil
	}

	if _, err := g.d.Messages.Insert(ctx, pipeline.Message{
		IndustryID: industry.ID,
		SignalID:   signal.ID,
		Text:       text,
	}); err != nil {
		return false, fmt.Errorf("store message: %w", err)
	}
	return true, nil
}

func (g *Generator) toSending(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	count, err := recipientCount(ctx, g.d)
	if err != nil {
		return pipeline.Job{}, err
	}
	job.Transition(pipeline.StatusSending, count)
	saved, err := g.d.save(ctx, job)
	if err != nil {
		return pipeline.Job{}, err
	}
	g.d.Logger.Info("generation finished", zap.Int64("job_id", saved.ID), zap.Int("recipients", count))
	return saved, nil
}

// debugMode reports whether delivery is limited to admins.
func debugMode(ctx context.Context, d Deps) (bool, error) {
	cfg, err := d.Catalog.ScrapeConfig(ctx)
	if errors.Is(err, pipeline.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	return cfg.Debug, nil
}

func recipientCount(ctx context.Context, d Deps) (int, error) {
	adminsOnly, err := debugMode(ctx, d)
	if err != nil {
		return 0, err
	}
	count, err := d.Recipients.CountRecipients(ctx, adminsOnly)
	if err != nil {
		return 0, fmt.Errorf("count recipients: %w", err)
	}
	return count, nil
}
