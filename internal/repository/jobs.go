package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/media-jobs-back/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrConflict reports a conditional write whose precondition no longer holds.
	ErrConflict = errors.New("resource state conflict")
)

// JobsRepository abstracts job persistence and query operations.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// UpdateProgress only raises progress on a processing job and reports
	// whether the row changed.
	UpdateProgress(ctx context.Context, jobID string, progress int, at time.Time) (bool, error)
	TransitionJob(ctx context.Context, jobID string, transition domain.JobTransition) (*domain.Job, error)
	DeleteJob(ctx context.Context, ownerID, jobID string) (bool, error)
	ListJobs(ctx context.Context, filter domain.JobListFilter) ([]domain.Job, error)
	CountJobs(ctx context.Context, filter domain.JobListFilter) (int, error)
}

// Store bundles every repository a backend provides.
type Store interface {
	JobsRepository
	ProfilesRepository
	PlansRepository
	UsageRepository
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore keeps all records in memory for local development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	profiles map[string]*domain.Profile
	plans    map[string]domain.Plan
	usage    []domain.UsageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*domain.Job),
		profiles: make(map[string]*domain.Profile),
		plans:    make(map[string]domain.Plan),
	}
}

func (r *MemoryStore) Ping(context.Context) error { return nil }

func (r *MemoryStore) Close() error { return nil }

func (r *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return ErrConflict
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryStore) UpdateProgress(_ context.Context, jobID string, progress int, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing || progress <= job.Progress {
		return false, nil
	}
	job.Progress = progress
	job.UpdatedAt = at
	return true, nil
}

func (r *MemoryStore) TransitionJob(
	_ context.Context,
	jobID string,
	transition domain.JobTransition,
) (*domain.Job, error) {
	if err := transition.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != transition.From {
		return nil, ErrConflict
	}
	transition.Apply(job)
	return job.Clone(), nil
}

func (r *MemoryStore) DeleteJob(_ context.Context, ownerID, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok || job.OwnerID != ownerID {
		return false, nil
	}
	delete(r.jobs, jobID)
	return true, nil
}

func (r *MemoryStore) ListJobs(_ context.Context, filter domain.JobListFilter) ([]domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.Job, 0)
	for _, job := range r.jobs {
		if !matchesJobFilter(job, filter) {
			continue
		}
		items = append(items, *job.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (r *MemoryStore) CountJobs(_ context.Context, filter domain.JobListFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, job := range r.jobs {
		if matchesJobFilter(job, filter) {
			total++
		}
	}
	return total, nil
}

func matchesJobFilter(job *domain.Job, filter domain.JobListFilter) bool {
	if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
		return false
	}
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Since != nil && job.CreatedAt.Before(*filter.Since) {
		return false
	}
	return true
}
