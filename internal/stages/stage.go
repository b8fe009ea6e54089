// Package stages implements the six pipeline stage handlers. Each handler
// loads the active job, does one bounded unit of work and persists the job
// with a version check, so a handler can be re-run for the same offset.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/clock/system"
	"github.com/JakeFAU/linkedin-signals/internal/metrics"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
	"github.com/JakeFAU/linkedin-signals/internal/telemetry"
)

// Stage names double as the HTTP endpoint suffixes.
const (
	NameLaunch    = "scrape-launch"
	NamePoll      = "scrape-poll"
	NameProcess   = "process-posts"
	NameVectorize = "vectorize"
	NameGenerate  = "generate"
	NameSend      = "send"
)

// DefaultBatchSize is used when a request does not carry one.
const DefaultBatchSize = 10

// Request carries the controller's view of the batch cursor.
type Request struct {
	BatchOffset *int `json:"batch_offset,omitempty"`
	BatchSize   int  `json:"batch_size,omitempty"`
}

// At returns a request pinned to offset.
func At(offset, size int) Request {
	return Request{BatchOffset: &offset, BatchSize: size}
}

func (r Request) size() int {
	if r.BatchSize > 0 {
		return r.BatchSize
	}
	return DefaultBatchSize
}

// Result describes what a stage did.
type Result struct {
	Stage    string          `json:"stage"`
	Status   pipeline.Status `json:"status,omitempty"`
	Noop     bool            `json:"noop"`
	Progress string          `json:"progress,omitempty"`
	Counters map[string]int  `json:"counters,omitempty"`
}

// Stage is one step of the pipeline.
type Stage interface {
	Name() string
	Run(ctx context.Context, req Request) (Result, error)
}

// PreconditionError reports missing configuration that a retry cannot fix.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// IsPrecondition reports whether err carries a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// IsConflict reports whether err means another invocation already moved the job.
func IsConflict(err error) bool {
	return errors.Is(err, pipeline.ErrVersionConflict) || errors.Is(err, pipeline.ErrStaleOffset)
}

// AdminNotifier alerts admins synchronously and reports how many were reached.
type AdminNotifier interface {
	Admins(ctx context.Context, chatIDs []int64, text string) int
}

// FailureRecorder charges a failure to the job's retry budget.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, job pipeline.Job, cause error, rewind func(*pipeline.Job)) (pipeline.Job, error)
}

// Deps are the collaborators shared by the stage handlers.
type Deps struct {
	Jobs       pipeline.JobStore
	Profiles   pipeline.ProfileStore
	Posts      pipeline.PostStore
	Messages   pipeline.MessageStore
	Catalog    pipeline.CatalogStore
	Recipients pipeline.RecipientStore
	Scraper    pipeline.Scraper
	Embedder   pipeline.Embedder
	Generator  pipeline.Generator
	Index      pipeline.VectorIndex
	Messenger  pipeline.Messenger
	Blobs      pipeline.BlobStore
	Notifier   AdminNotifier
	Failures   FailureRecorder
	Clock      pipeline.Clock
	Logger     *zap.Logger

	// Namespace scopes every vector written and queried.
	Namespace string
	// Freshness is the rolling window a post must fall in to be kept.
	Freshness time.Duration
	// TopK bounds the retrieval per industry/signal pair.
	TopK int
	// QuarantinePrefix is prepended to quarantined object paths.
	QuarantinePrefix string
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = system.New()
	}
	if d.Namespace == "" {
		d.Namespace = "default"
	}
	if d.Freshness <= 0 {
		d.Freshness = 24 * time.Hour
	}
	if d.TopK <= 0 {
		d.TopK = 10
	}
	if d.QuarantinePrefix == "" {
		d.QuarantinePrefix = "quarantine"
	}
	return d
}

// All returns every stage keyed by the job status it serves, instrumented.
func All(d Deps) map[pipeline.Status]Stage {
	return map[pipeline.Status]Stage{
		pipeline.StatusIdle:        Instrument(NewLauncher(d)),
		pipeline.StatusScraping:    Instrument(NewPoller(d)),
		pipeline.StatusProcessing:  Instrument(NewProcessor(d)),
		pipeline.StatusVectorizing: Instrument(NewVectorizer(d)),
		pipeline.StatusGenerating:  Instrument(NewGenerator(d)),
		pipeline.StatusSending:     Instrument(NewSender(d)),
	}
}

// Instrument wraps s with a span and the stage metrics.
func Instrument(s Stage) Stage {
	return instrumented{Stage: s}
}

type instrumented struct {
	Stage
}

func (s instrumented) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "stage."+s.Name())
	defer span.End()

	start := time.Now()
	res, err := s.Stage.Run(ctx, req)
	metrics.ObserveStage(s.Name(), err, time.Since(start), res.Counters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// activeJob loads the active job when it is in want. ok is false when there is
// nothing for the stage to do.
func (d Deps) activeJob(ctx context.Context, want pipeline.Status, req Request) (pipeline.Job, bool, error) {
	job, err := d.Jobs.Active(ctx)
	if errors.Is(err, pipeline.ErrNotFound) {
		return pipeline.Job{}, false, nil
	}
	if err != nil {
		return pipeline.Job{}, false, fmt.Errorf("load active job: %w", err)
	}
	if job.Status != want {
		return job, false, nil
	}
	if req.BatchOffset != nil && *req.BatchOffset != job.CurrentBatchOffset {
		return job, false, fmt.Errorf("%w: requested %d, job %d is at %d",
			pipeline.ErrStaleOffset, *req.BatchOffset, job.ID, job.CurrentBatchOffset)
	}
	return job, true, nil
}

func (d Deps) save(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	saved, err := d.Jobs.Update(ctx, job)
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("save job %d: %w", job.ID, err)
	}
	return saved, nil
}

func noop(stage string, job pipeline.Job) Result {
	res := Result{Stage: stage, Noop: true}
	if job.ID != 0 {
		res.Status = job.Status
		res.Progress = job.Progress()
	}
	return res
}

func done(stage string, job pipeline.Job, counters map[string]int) Result {
	return Result{Stage: stage, Status: job.Status, Progress: job.Progress(), Counters: counters}
}
