// Package pipeline drives a job through the fixed stage sequence
// across possibly many short-lived worker invocations.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/pipeline/budget"
	"github.com/drawlytics/conveyor/internal/pipeline/metrics"
)

// Orchestrator drives the statically ordered stage list for one job.
// Stages run strictly in sequence within an invocation; parallelism
// across jobs comes from independent invocations.
type Orchestrator struct {
	stages []Stage
	exec   *Executor
	jobs   storage.JobRepository
	// recordTTL sets a storage-layer expiry on terminal records.
	// 0 disables expiry.
	recordTTL time.Duration
	now       func() time.Time
	newID     func() string
	log       *slog.Logger
}

// NewOrchestrator creates a pipeline orchestrator over the given stage
// sequence.
func NewOrchestrator(stages []Stage, exec *Executor, jobs storage.JobRepository, recordTTL time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		stages:    stages,
		exec:      exec,
		jobs:      jobs,
		recordTTL: recordTTL,
		now:       time.Now,
		newID:     uuid.NewString,
		log:       log,
	}
}

// WithClock overrides the clock, for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Stages returns the configured stage sequence.
func (o *Orchestrator) Stages() []Stage { return o.stages }

// Process handles one delivery of a job message. It resumes at the
// first stage not yet recorded in stages_completed, so a redelivered
// message never redoes finished work.
//
// Returns domain.ErrDeferred when the invocation budget ran out before
// the pipeline finished; the caller should leave the message
// unacknowledged so the queue redelivers it. Any other error means the
// job is terminally Failed and the message can be acknowledged.
func (o *Orchestrator) Process(ctx context.Context, mon *budget.Monitor, d domain.Delivery) error {
	msg := d.Message

	job, err := o.jobs.Get(ctx, msg.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		job = domain.NewJob(msg.JobID, msg.TenantKey, o.now())
	} else if err != nil {
		return fmt.Errorf("failed to load job %s: %w", msg.JobID, err)
	}

	// At-least-once delivery: a redelivery may arrive after the job
	// already finished. Treat it as a no-op.
	if job.Status.Terminal() {
		o.log.Info("Skipping delivery for terminal job",
			"job_id", job.ID,
			"status", job.Status,
			"receive_count", d.ReceiveCount)
		return nil
	}

	// Echo the message inputs onto the record so the janitor can
	// fabricate a replacement message if this one is ever lost.
	if len(msg.StageInputs) > 0 {
		job.StageInputs = msg.StageInputs
	}

	job.CorrelationID = o.newID()
	log := o.log.With("job_id", job.ID, "correlation_id", job.CorrelationID)
	log.Info("Processing job",
		"receive_count", d.ReceiveCount,
		"stages_done", len(job.StagesCompleted),
		"budget", mon.Remaining())

	sc := o.buildContext(job, msg)

	for _, st := range o.stages {
		if job.StageDone(st.Name) {
			continue
		}

		if st.Precondition != nil && !st.Precondition(sc) {
			// Record the skip as completed so progress accounting and
			// resumption stay accurate.
			job.RecordStage(domain.StageResult{
				Name:       st.Name,
				Outcome:    domain.OutcomeCompleted,
				Detail:     domain.SkipDetail,
				FinishedAt: o.now(),
			})
			if err := o.jobs.Save(ctx, job); err != nil {
				return fmt.Errorf("failed to record skip of %s: %w", st.Name, err)
			}
			log.Info("Skipped stage, precondition unmet", "stage", st.Name)
			continue
		}

		out, err := o.exec.Execute(ctx, mon, job, st, sc)
		if err != nil {
			metrics.JobsProcessed.WithLabelValues("failed").Inc()
			log.Error("Pipeline halted", "stage", st.Name, "error", err)
			return err
		}

		switch out.Kind {
		case OutcomeCompleted:
			if out.Result != nil {
				sc.setResult(st.Name, out.Result)
			}
		case OutcomeDegraded:
			// Best-effort stage failed; later stages run without its
			// output.
			continue
		case OutcomeDeferred:
			job.SetMeta(domain.MetaDeferredAt, o.now().UTC().Format(time.RFC3339Nano))
			if err := o.jobs.Save(ctx, job); err != nil {
				log.Error("Failed to persist deferral marker", "error", err)
			}
			metrics.JobsProcessed.WithLabelValues("deferred").Inc()
			log.Info("Deferred remaining stages", "stage", st.Name, "cause", out.DeferCause)
			return domain.ErrDeferred
		}
	}

	job.Status = domain.StatusCompleted
	job.CurrentStage = ""
	if o.recordTTL > 0 {
		exp := o.now().Add(o.recordTTL)
		job.ExpiresAt = &exp
	}
	if err := o.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to persist completion of job %s: %w", job.ID, err)
	}

	metrics.JobsProcessed.WithLabelValues("completed").Inc()
	log.Info("Job completed", "stages", len(job.StagesCompleted))
	return nil
}

// buildContext rebuilds the accumulated stage context from the message
// inputs and the checkpoints of already-finished stages. A fabricated
// replacement message carries no inputs; those come from the record.
func (o *Orchestrator) buildContext(job *domain.Job, msg domain.Message) *StageContext {
	inputs := msg.StageInputs
	if len(inputs) == 0 {
		inputs = job.StageInputs
	}
	sc := &StageContext{
		JobID:         job.ID,
		TenantKey:     job.TenantKey,
		CorrelationID: job.CorrelationID,
		Inputs:        inputs,
		Metadata:      job.Metadata,
	}
	for name, cp := range job.Checkpoints {
		sc.setResult(name, cp.Payload)
	}
	return sc
}
