package memory

import (
	"context"
	"sync"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
)

// JobRepo is an in-memory storage.JobRepository for tests and
// single-node runs without Postgres.
type JobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

// NewJobRepo creates an empty in-memory job repository.
func NewJobRepo() *JobRepo {
	return &JobRepo{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

// WithClock overrides the clock, for tests.
func (r *JobRepo) WithClock(now func() time.Time) *JobRepo {
	r.now = now
	return r
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepo) Save(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.UpdatedAt = r.now()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *JobRepo) ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stuck []*domain.Job
	for _, j := range r.jobs {
		if j.Status == domain.StatusProcessing && j.UpdatedAt.Before(cutoff) {
			cp := *j
			stuck = append(stuck, &cp)
		}
	}
	return stuck, nil
}

func (r *JobRepo) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, j := range r.jobs {
		if j.ExpiresAt != nil && j.ExpiresAt.Before(now) {
			delete(r.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}
