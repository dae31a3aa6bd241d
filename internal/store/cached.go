package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/cache"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// StatusCachingStore writes job status changes through to the cache so the
// status read path can skip the database. Cache failures are logged and never
// fail the write.
type StatusCachingStore struct {
	Store
	cache cache.Cache
	ttl   time.Duration
}

// WithStatusCache wraps s so every successful status change refreshes the
// cached status of the job.
func WithStatusCache(s Store, c cache.Cache, ttl time.Duration) *StatusCachingStore {
	return &StatusCachingStore{Store: s, cache: c, ttl: ttl}
}

func (s *StatusCachingStore) CreateJob(ctx context.Context, job *models.Job) error {
	if err := s.Store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.put(ctx, job.ID, job.Status)
	return nil
}

func (s *StatusCachingStore) CreateJobs(ctx context.Context, jobs []*models.Job) error {
	if err := s.Store.CreateJobs(ctx, jobs); err != nil {
		return err
	}
	for _, j := range jobs {
		s.put(ctx, j.ID, j.Status)
	}
	return nil
}

func (s *StatusCachingStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) error {
	if err := s.Store.UpdateJobStatus(ctx, id, from, to, opts...); err != nil {
		return err
	}
	s.put(ctx, id, to)
	if to.IsTerminal() {
		if err := s.cache.Delete(ctx, cache.JobResultKey(id)); err != nil {
			slog.Warn("failed to drop cached job result", "job_id", id, "error", err)
		}
	}
	return nil
}

func (s *StatusCachingStore) ResetForRetry(ctx context.Context, id uuid.UUID, from models.JobStatus, opts ...JobUpdateOption) error {
	if err := s.Store.ResetForRetry(ctx, id, from, opts...); err != nil {
		return err
	}
	s.put(ctx, id, models.JobStatusPending)
	return nil
}

// JobStatus returns the job's status from the cache, falling back to the store.
func (s *StatusCachingStore) JobStatus(ctx context.Context, id uuid.UUID) (models.JobStatus, error) {
	status, ok, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		slog.Warn("job status cache read failed", "job_id", id, "error", err)
	}
	if ok {
		return status, nil
	}
	job, err := s.Store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	s.put(ctx, id, job.Status)
	return job.Status, nil
}

func (s *StatusCachingStore) put(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	if err := s.cache.SetJobStatus(ctx, id, status, s.ttl); err != nil {
		slog.Warn("failed to cache job status", "job_id", id, "status", status, "error", err)
	}
}

// Compile-time check that StatusCachingStore implements Store.
var _ Store = (*StatusCachingStore)(nil)
