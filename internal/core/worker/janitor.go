// Package worker hosts background maintenance jobs that run beside the
// queue consumers.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
)

// Transport is the slice of the queue client the janitor needs.
type Transport interface {
	// ReapProcessing moves deliveries whose attempt started longer than
	// visibility ago back to the pending queue.
	ReapProcessing(ctx context.Context, visibility time.Duration) (int, error)

	// ReapDLQWorking returns stale DLQ working-list entries to the DLQ.
	ReapDLQWorking(ctx context.Context, visibility time.Duration) (int, error)

	// Enqueue publishes a message to the pending queue.
	Enqueue(ctx context.Context, msg domain.Message) (string, error)
}

// Janitor periodically re-queues stuck work and prunes expired records.
type Janitor struct {
	visibility time.Duration
	jobs       storage.JobRepository
	queue      Transport
	cron       *cron.Cron
	now        func() time.Time
	log        *slog.Logger
}

// NewJanitor creates a janitor. Visibility is the per-delivery
// invisibility window; jobs stuck in processing for twice that long get
// a fresh message enqueued.
func NewJanitor(
	visibility time.Duration,
	jobs storage.JobRepository,
	queue Transport,
	log *slog.Logger,
) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{
		visibility: visibility,
		jobs:       jobs,
		queue:      queue,
		cron:       cron.New(),
		now:        time.Now,
		log:        log,
	}
}

// WithClock overrides the clock, for tests.
func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	j.now = now
	return j
}

// Start schedules the sweep and begins running it.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		j.Sweep(ctx)
	}); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop stops the cron schedule. Running sweeps finish on their own.
func (j *Janitor) Stop() {
	j.cron.Stop()
}

// Sweep runs one maintenance pass: reap invisible deliveries, re-queue
// jobs stuck in processing with no live delivery, prune expired records.
func (j *Janitor) Sweep(ctx context.Context) {
	if n, err := j.queue.ReapProcessing(ctx, j.visibility); err != nil {
		j.log.Error("Failed to reap processing queue", "error", err)
	} else if n > 0 {
		j.log.Info("Re-queued invisible deliveries", "count", n)
	}

	if n, err := j.queue.ReapDLQWorking(ctx, j.visibility); err != nil {
		j.log.Error("Failed to reap DLQ working list", "error", err)
	} else if n > 0 {
		j.log.Info("Returned stale entries to the DLQ", "count", n)
	}

	j.requeueStuck(ctx)

	if n, err := j.jobs.DeleteExpired(ctx, j.now()); err != nil {
		j.log.Error("Failed to prune expired job records", "error", err)
	} else if n > 0 {
		j.log.Info("Pruned expired job records", "count", n)
	}
}

// requeueStuck enqueues fresh messages for processing jobs whose record
// has not been touched for twice the visibility window. A delivery that
// merely lost its consumer is covered by ReapProcessing; this catches
// jobs whose message is gone entirely. Duplicates are harmless, the
// orchestrator ignores redeliveries of terminal jobs.
func (j *Janitor) requeueStuck(ctx context.Context) {
	cutoff := j.now().Add(-2 * j.visibility)
	stuck, err := j.jobs.ListStuck(ctx, cutoff)
	if err != nil {
		j.log.Error("Failed to list stuck jobs", "error", err)
		return
	}
	for _, job := range stuck {
		msg := domain.Message{
			JobID:       job.ID,
			TenantKey:   job.TenantKey,
			StageInputs: job.StageInputs,
			CreatedAt:   j.now(),
		}
		if _, err := j.queue.Enqueue(ctx, msg); err != nil {
			j.log.Error("Failed to re-queue stuck job", "job_id", job.ID, "error", err)
			continue
		}
		j.log.Warn("Re-queued stuck job", "job_id", job.ID, "stale_since", job.UpdatedAt)
	}
}
