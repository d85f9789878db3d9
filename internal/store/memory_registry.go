package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/upscaler/internal/domain"
)

// MemoryRegistry keeps jobs in process memory. The lock is only ever held
// for the map access itself.
type MemoryRegistry struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (r *MemoryRegistry) Create(_ context.Context, job domain.Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("create job %s: unknown status %q", job.ID, job.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (domain.Job, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok, nil
}

func (r *MemoryRegistry) UpdateStatus(_ context.Context, id string, status domain.Status, detail string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if err := domain.CheckTransition(job.Status, status); err != nil {
		return job, fmt.Errorf("job %s: %w", id, err)
	}

	job.Status = status
	job.Detail = detail
	job.UpdatedAt = r.now().UTC()
	r.jobs[id] = job
	return job, nil
}

func (r *MemoryRegistry) AttachFiles(_ context.Context, id string, files domain.Files) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	job.Files = files
	job.UpdatedAt = r.now().UTC()
	r.jobs[id] = job
	return job, nil
}

func (r *MemoryRegistry) EvictTerminal(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			evicted++
		}
	}
	return evicted, nil
}

func (r *MemoryRegistry) Len(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs), nil
}
