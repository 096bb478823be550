// Package status builds read-only, client-facing views of job progress.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/pipeline"
)

// View is the client-facing projection of a job record.
type View struct {
	JobID           string               `json:"job_id"`
	Status          domain.Status        `json:"status"`
	Progress        int                  `json:"progress"`
	CurrentStep     string               `json:"current_step"`
	StagesCompleted []domain.StageResult `json:"stages_completed"`
	Error           *ViewError           `json:"error,omitempty"`
	Hint            string               `json:"hint,omitempty"`
}

// ViewError is the human-readable failure surface.
type ViewError struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

const (
	waitingStep = "waiting to start"
	resumeHint  = "processing was interrupted and will resume automatically"
)

// Projector maps persisted job state to progress views using a fixed
// per-stage weight table.
type Projector struct {
	jobs    storage.JobRepository
	order   []string
	weights map[string]int
	total   int
}

// NewProjector builds the weight table from the stage sequence, with
// optional per-stage overrides from config. Stages without a weight get
// an equal share of the remainder.
func NewProjector(jobs storage.JobRepository, stages []pipeline.Stage, overrides map[string]int) *Projector {
	p := &Projector{
		jobs:    jobs,
		weights: make(map[string]int),
	}

	unweighted := 0
	assigned := 0
	for _, st := range stages {
		p.order = append(p.order, st.Name)
		w := st.Weight
		if ow, ok := overrides[st.Name]; ok {
			w = ow
		}
		if w > 0 {
			p.weights[st.Name] = w
			assigned += w
		} else {
			unweighted++
		}
	}
	if unweighted > 0 && assigned < 100 {
		share := (100 - assigned) / unweighted
		for _, st := range stages {
			if _, ok := p.weights[st.Name]; !ok {
				p.weights[st.Name] = share
			}
		}
	}
	for _, w := range p.weights {
		p.total += w
	}
	return p
}

// Project builds the status view for a job.
func (p *Projector) Project(ctx context.Context, jobID string) (*View, error) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	v := &View{
		JobID:           job.ID,
		Status:          job.Status,
		StagesCompleted: job.StagesCompleted,
	}

	switch job.Status {
	case domain.StatusQueued:
		v.Progress = 0
		v.CurrentStep = waitingStep

	case domain.StatusCompleted:
		v.Progress = 100
		v.CurrentStep = "done"

	case domain.StatusProcessing:
		v.Progress = p.partialProgress(job)
		if job.CurrentStage != "" {
			v.CurrentStep = fmt.Sprintf("processing %s", job.CurrentStage)
		} else {
			v.CurrentStep = "processing"
		}
		if p.deferredLast(job) {
			v.Hint = resumeHint
		}

	case domain.StatusFailed:
		v.Progress = p.partialProgress(job)
		v.CurrentStep = "failed"
		v.Error = failureView(job)
	}

	return v, nil
}

// partialProgress sums the weights of finished stages. Degraded and
// skipped stages count; the result is capped below 100 so only a
// Completed status ever reports full progress.
func (p *Projector) partialProgress(job *domain.Job) int {
	if p.total == 0 {
		return 0
	}
	sum := 0
	for _, r := range job.StagesCompleted {
		sum += p.weights[r.Name]
	}
	progress := sum * 100 / p.total
	if progress >= 100 {
		progress = 99
	}
	return progress
}

// deferredLast reports whether a deferral was recorded after the last
// finished stage, i.e. the most recent invocation stopped on budget.
func (p *Projector) deferredLast(job *domain.Job) bool {
	raw, ok := job.Metadata[domain.MetaDeferredAt]
	if !ok {
		return false
	}
	deferredAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false
	}
	if n := len(job.StagesCompleted); n > 0 {
		last := job.StagesCompleted[n-1].FinishedAt
		return deferredAt.After(last)
	}
	return true
}

func failureView(job *domain.Job) *ViewError {
	ve := &ViewError{Message: "processing failed"}
	if job.ErrorDetail != nil {
		ve.Stage = job.ErrorDetail.Stage
		ve.Message = job.ErrorDetail.Message
	}
	if ve.Stage == "" && job.Metadata != nil {
		ve.Stage = job.Metadata[domain.MetaFailedStage]
	}
	return ve
}
