package storage

import (
	"context"
	"errors"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
)

var (
	// ErrNotFound is returned when a job record doesn't exist
	ErrNotFound = errors.New("job not found")
)

// JobRepository handles job record storage operations.
//
// Save is a full-record upsert with last-write-wins semantics: there is
// no optimistic lock, and two overlapping redeliveries of the same job
// may race. That race is a tolerated consequence of at-least-once
// delivery; higher invariants are maintained by writer discipline.
type JobRepository interface {
	// Get retrieves a job by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Save upserts the full record in a single atomic write and bumps
	// UpdatedAt.
	Save(ctx context.Context, job *domain.Job) error

	// ListStuck returns Processing jobs whose UpdatedAt is older than
	// the cutoff, for the reaper.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*domain.Job, error)

	// DeleteExpired removes records whose TTL passed. Returns the
	// number deleted.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
