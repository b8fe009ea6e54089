package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu     sync.RWMutex
	nextID int64
	jobs   map[int64]pipeline.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[int64]pipeline.Job)}
}

// Active returns the newest non-terminal job.
func (s *JobStore) Active(_ context.Context) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest(func(j pipeline.Job) bool { return j.Active() })
}

// Latest returns the newest job of any status.
func (s *JobStore) Latest(_ context.Context) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newest(func(pipeline.Job) bool { return true })
}

func (s *JobStore) newest(match func(pipeline.Job) bool) (pipeline.Job, error) {
	var (
		found pipeline.Job
		ok    bool
	)
	for _, job := range s.jobs {
		if !match(job) {
			continue
		}
		if !ok || job.ID > found.ID {
			found, ok = job, true
		}
	}
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return found.Clone(), nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id int64) (pipeline.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return job.Clone(), nil
}

// Create stores a new job unless another job is still active.
func (s *JobStore) Create(_ context.Context, job pipeline.Job) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !job.Status.Valid() {
		return pipeline.Job{}, fmt.Errorf("create job: unknown status %q", job.Status)
	}
	if job.Active() && s.otherActive(0) {
		return pipeline.Job{}, pipeline.ErrActiveJobExists
	}
	s.nextID++
	job = job.Clone()
	job.ID = s.nextID
	job.Version = 1
	now := time.Now().UTC()
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

// Update replaces the job when its version matches the stored row.
func (s *JobStore) Update(_ context.Context, job pipeline.Job) (pipeline.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	if stored.Version != job.Version {
		return pipeline.Job{}, pipeline.ErrVersionConflict
	}
	if !job.Status.Valid() {
		return pipeline.Job{}, fmt.Errorf("update job %d: unknown status %q", job.ID, job.Status)
	}
	if job.Active() && s.otherActive(job.ID) {
		return pipeline.Job{}, pipeline.ErrActiveJobExists
	}
	job = job.Clone()
	job.Version = stored.Version + 1
	job.StartedAt = stored.StartedAt
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

// otherActive reports whether a job other than id is active. Callers hold the lock.
func (s *JobStore) otherActive(id int64) bool {
	for _, existing := range s.jobs {
		if existing.ID != id && existing.Active() {
			return true
		}
	}
	return false
}
