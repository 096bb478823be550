package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/pipeline/budget"
	"github.com/drawlytics/conveyor/internal/pipeline/metrics"
	"github.com/drawlytics/conveyor/internal/pipeline/retry"
)

// Executor wraps one stage call with pre-flight budget checks, status
// transitions, and checkpoint persistence.
//
// Stage functions must be idempotent under re-invocation; the executor
// provides no deduplication.
type Executor struct {
	jobs    storage.JobRepository
	retrier *retry.Coordinator
	// deferBuffer is the minimum remaining budget required before
	// starting a stage.
	deferBuffer time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// NewExecutor creates a stage executor.
func NewExecutor(jobs storage.JobRepository, retrier *retry.Coordinator, deferBuffer time.Duration, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		jobs:        jobs,
		retrier:     retrier,
		deferBuffer: deferBuffer,
		now:         time.Now,
		log:         log,
	}
}

// WithClock overrides the clock, for tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs one stage attempt for job. Expected outcomes (completed,
// degraded, deferred) come back in the Outcome; a non-nil error means
// the job was marked Failed.
//
// Pre-flight deferral happens before the stage function is ever
// invoked: if the remaining budget is below the buffer, the stage
// function is not called and no state is mutated beyond what previous
// writes left (current_stage stays as-is).
func (e *Executor) Execute(ctx context.Context, mon *budget.Monitor, job *domain.Job, st Stage, sc *StageContext) (Outcome, error) {
	// Pre-flight: wall-clock budget
	if mon.Approaching(e.deferBuffer) {
		metrics.Deferrals.WithLabelValues(st.Name, "deadline").Inc()
		e.log.Info("Deferring stage, invocation budget low",
			"job_id", job.ID,
			"stage", st.Name,
			"remaining", mon.Remaining())
		return Outcome{Kind: OutcomeDeferred, DeferCause: "deadline"}, nil
	}

	// Pre-flight: memory pressure. Past the critical threshold this is
	// a hard fault, not a deferral.
	if memErr := mon.CheckMemory(); memErr != nil {
		return e.fail(ctx, job, st, memErr)
	}

	// Write #1: mark the stage in progress
	job.Status = domain.StatusProcessing
	job.CurrentStage = st.Name
	if err := e.jobs.Save(ctx, job); err != nil {
		return Outcome{}, &domain.StageError{Stage: st.Name, JobID: job.ID, Err: err}
	}

	started := e.now()
	result, runErr := e.invoke(ctx, mon, st, sc)
	elapsed := e.now().Sub(started)

	if runErr != nil {
		if !st.Required {
			return e.degrade(ctx, job, st, runErr, elapsed)
		}
		return e.fail(ctx, job, st, runErr)
	}

	// Write #2: record completion and checkpoint
	job.RecordStage(domain.StageResult{
		Name:       st.Name,
		Outcome:    domain.OutcomeCompleted,
		FinishedAt: e.now(),
	})
	if result != nil {
		job.SetCheckpoint(st.Name, result, e.now())
	}
	job.CurrentStage = ""
	if err := e.jobs.Save(ctx, job); err != nil {
		return Outcome{}, &domain.StageError{Stage: st.Name, JobID: job.ID, Err: err}
	}

	metrics.StageDuration.WithLabelValues(st.Name, "completed").Observe(elapsed.Seconds())
	return Outcome{Kind: OutcomeCompleted, Result: result}, nil
}

func (e *Executor) invoke(ctx context.Context, mon *budget.Monitor, st Stage, sc *StageContext) (json.RawMessage, error) {
	if !st.Retryable {
		return st.Run(ctx, sc)
	}
	var result json.RawMessage
	err := e.retrier.Run(ctx, mon.Remaining(), func(ctx context.Context) error {
		out, err := st.Run(ctx, sc)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// degrade records a best-effort stage failure and keeps the job alive.
func (e *Executor) degrade(ctx context.Context, job *domain.Job, st Stage, cause error, elapsed time.Duration) (Outcome, error) {
	e.log.Warn("Best-effort stage degraded",
		"job_id", job.ID,
		"stage", st.Name,
		"error", cause)

	job.RecordStage(domain.StageResult{
		Name:       st.Name,
		Outcome:    domain.OutcomeDegraded,
		Detail:     cause.Error(),
		FinishedAt: e.now(),
	})
	job.CurrentStage = ""
	if err := e.jobs.Save(ctx, job); err != nil {
		return Outcome{}, &domain.StageError{Stage: st.Name, JobID: job.ID, Err: err}
	}

	metrics.StageDuration.WithLabelValues(st.Name, "degraded").Observe(elapsed.Seconds())
	return Outcome{Kind: OutcomeDegraded, Err: cause}, nil
}

// fail marks the job Failed (terminal, written at most once) and wraps
// the cause with stage and job context.
func (e *Executor) fail(ctx context.Context, job *domain.Job, st Stage, cause error) (Outcome, error) {
	job.Status = domain.StatusFailed
	// current_stage is meaningful only while Processing; the failing
	// stage lives on in error_details.
	job.CurrentStage = ""
	job.ErrorDetail = &domain.ErrorDetail{
		Stage:     st.Name,
		Message:   cause.Error(),
		Timestamp: e.now(),
	}
	if err := e.jobs.Save(ctx, job); err != nil {
		e.log.Error("Failed to persist job failure",
			"job_id", job.ID,
			"stage", st.Name,
			"error", err)
	}
	return Outcome{}, &domain.StageError{Stage: st.Name, JobID: job.ID, Err: cause}
}
