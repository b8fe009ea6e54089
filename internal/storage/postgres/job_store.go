package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

const activeJobIndex = "pipeline_jobs_single_active"

const jobColumns = `id, status, current_batch_offset, total_items, apify_run_id, dataset_id,
	scrape_started_at, window_start, admin_chat_ids, retry_count, max_retries, error_message,
	started_at, updated_at, version`

// JobStore persists the pipeline job row.
type JobStore struct {
	db DB
}

// NewJobStore wraps a pool.
func NewJobStore(db DB) *JobStore {
	return &JobStore{db: db}
}

// Active returns the newest non-terminal job.
func (s *JobStore) Active(ctx context.Context) (pipeline.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs
		WHERE status NOT IN ('completed', 'failed')
		ORDER BY id DESC LIMIT 1`
	job, err := scanJob(s.db.QueryRow(ctx, query))
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get active job: %w", err)
	}
	return job, nil
}

// Latest returns the newest job of any status.
func (s *JobStore) Latest(ctx context.Context) (pipeline.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs ORDER BY id DESC LIMIT 1`
	job, err := scanJob(s.db.QueryRow(ctx, query))
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get latest job: %w", err)
	}
	return job, nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id int64) (pipeline.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// Create inserts a job. The partial unique index rejects a second active job.
func (s *JobStore) Create(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	query := `INSERT INTO pipeline_jobs (status, current_batch_offset, total_items, admin_chat_ids, retry_count, max_retries, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
		RETURNING ` + jobColumns
	var startedAt *time.Time
	if !job.StartedAt.IsZero() {
		startedAt = &job.StartedAt
	}
	created, err := scanJob(s.db.QueryRow(ctx, query,
		string(job.Status), job.CurrentBatchOffset, job.TotalItems, nonNilIDs(job.AdminChatIDs), job.RetryCount, job.MaxRetries, startedAt,
	))
	if err != nil {
		if isUniqueViolation(err, activeJobIndex) {
			return pipeline.Job{}, pipeline.ErrActiveJobExists
		}
		return pipeline.Job{}, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

// Update writes every mutable column when the stored version matches job.Version.
func (s *JobStore) Update(ctx context.Context, job pipeline.Job) (pipeline.Job, error) {
	query := `UPDATE pipeline_jobs SET
			status = $2,
			current_batch_offset = $3,
			total_items = $4,
			apify_run_id = $5,
			dataset_id = $6,
			scrape_started_at = $7,
			window_start = $8,
			admin_chat_ids = $9,
			retry_count = $10,
			max_retries = $11,
			error_message = $12,
			updated_at = now(),
			version = version + 1
		WHERE id = $1 AND version = $13
		RETURNING ` + jobColumns
	updated, err := scanJob(s.db.QueryRow(ctx, query,
		job.ID,
		string(job.Status),
		job.CurrentBatchOffset,
		job.TotalItems,
		nullString(job.ApifyRunID),
		nullString(job.DatasetID),
		job.ScrapeStartedAt,
		job.WindowStart,
		nonNilIDs(job.AdminChatIDs),
		job.RetryCount,
		job.MaxRetries,
		nullString(job.ErrorMessage),
		job.Version,
	))
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, pipeline.ErrNotFound):
		return pipeline.Job{}, fmt.Errorf("update job %d at version %d: %w", job.ID, job.Version, pipeline.ErrVersionConflict)
	case isUniqueViolation(err, activeJobIndex):
		return pipeline.Job{}, pipeline.ErrActiveJobExists
	default:
		return pipeline.Job{}, fmt.Errorf("update job %d: %w", job.ID, err)
	}
}

func scanJob(row pgx.Row) (pipeline.Job, error) {
	var (
		job                            pipeline.Job
		status                         string
		runID, datasetID, errorMessage *string
	)
	err := row.Scan(
		&job.ID,
		&status,
		&job.CurrentBatchOffset,
		&job.TotalItems,
		&runID,
		&datasetID,
		&job.ScrapeStartedAt,
		&job.WindowStart,
		&job.AdminChatIDs,
		&job.RetryCount,
		&job.MaxRetries,
		&errorMessage,
		&job.StartedAt,
		&job.UpdatedAt,
		&job.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Job{}, pipeline.ErrNotFound
		}
		return pipeline.Job{}, err
	}
	job.Status = pipeline.Status(status)
	if !job.Status.Valid() {
		return pipeline.Job{}, fmt.Errorf("job %d has unknown status %q", job.ID, status)
	}
	job.ApifyRunID = derefString(runID)
	job.DatasetID = derefString(datasetID)
	job.ErrorMessage = derefString(errorMessage)
	return job, nil
}
