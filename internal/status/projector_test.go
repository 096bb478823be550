package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/infra/storage/memory"
	"github.com/drawlytics/conveyor/internal/pipeline"
)

func fourStages() []pipeline.Stage {
	return []pipeline.Stage{
		{Name: "extract", Weight: 20},
		{Name: "analyze", Weight: 40},
		{Name: "scale", Weight: 10},
		{Name: "render", Weight: 30},
	}
}

func seed(t *testing.T, repo *memory.JobRepo, job *domain.Job) {
	t.Helper()
	if err := repo.Save(context.Background(), job); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
}

func TestProject_Queued(t *testing.T) {
	repo := memory.NewJobRepo()
	p := NewProjector(repo, fourStages(), nil)

	seed(t, repo, domain.NewJob("job-1", "acme", time.Now()))

	v, err := p.Project(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	if v.Progress != 0 {
		t.Errorf("queued job must report 0%%, got %d", v.Progress)
	}
	if v.CurrentStep != waitingStep {
		t.Errorf("expected waiting message, got %q", v.CurrentStep)
	}
}

func TestProject_Never100UnlessCompleted(t *testing.T) {
	repo := memory.NewJobRepo()
	p := NewProjector(repo, fourStages(), nil)

	// All stages recorded but status still Processing (final write
	// pending or lost): progress must stay below 100.
	job := domain.NewJob("job-2", "acme", time.Now())
	job.Status = domain.StatusProcessing
	for _, name := range []string{"extract", "analyze", "scale", "render"} {
		job.RecordStage(domain.StageResult{Name: name, Outcome: domain.OutcomeCompleted, FinishedAt: time.Now()})
	}
	seed(t, repo, job)

	v, err := p.Project(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	if v.Progress >= 100 {
		t.Errorf("non-completed job reported %d%%", v.Progress)
	}

	job.Status = domain.StatusCompleted
	seed(t, repo, job)
	v, _ = p.Project(context.Background(), "job-2")
	if v.Progress != 100 {
		t.Errorf("completed job must report 100%%, got %d", v.Progress)
	}
}

func TestProject_PartialProgressWeights(t *testing.T) {
	repo := memory.NewJobRepo()
	p := NewProjector(repo, fourStages(), nil)

	job := domain.NewJob("job-3", "acme", time.Now())
	job.Status = domain.StatusProcessing
	job.CurrentStage = "analyze"
	job.RecordStage(domain.StageResult{Name: "extract", Outcome: domain.OutcomeCompleted, FinishedAt: time.Now()})
	seed(t, repo, job)

	v, err := p.Project(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	if v.Progress != 20 {
		t.Errorf("expected 20%% after extract, got %d", v.Progress)
	}
	if v.CurrentStep != "processing analyze" {
		t.Errorf("expected current step to name the stage, got %q", v.CurrentStep)
	}

	// Degraded stages count toward progress
	job.RecordStage(domain.StageResult{Name: "analyze", Outcome: domain.OutcomeDegraded, FinishedAt: time.Now()})
	seed(t, repo, job)
	v, _ = p.Project(context.Background(), "job-3")
	if v.Progress != 60 {
		t.Errorf("expected 60%% with degraded analyze, got %d", v.Progress)
	}
}

func TestProject_DeferredHint(t *testing.T) {
	repo := memory.NewJobRepo()
	p := NewProjector(repo, fourStages(), nil)

	finished := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job := domain.NewJob("job-4", "acme", time.Now())
	job.Status = domain.StatusProcessing
	job.RecordStage(domain.StageResult{Name: "extract", Outcome: domain.OutcomeCompleted, FinishedAt: finished})
	job.SetMeta(domain.MetaDeferredAt, finished.Add(time.Minute).Format(time.RFC3339Nano))
	seed(t, repo, job)

	v, err := p.Project(context.Background(), "job-4")
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	if v.Hint != resumeHint {
		t.Errorf("expected resume hint, got %q", v.Hint)
	}

	// A deferral landing in the same second as the stage finish must
	// still surface, hence the nanosecond marker format.
	job.SetMeta(domain.MetaDeferredAt, finished.Add(100*time.Millisecond).Format(time.RFC3339Nano))
	seed(t, repo, job)
	v, _ = p.Project(context.Background(), "job-4")
	if v.Hint != resumeHint {
		t.Errorf("expected resume hint for same-second deferral, got %q", v.Hint)
	}
	if v.Status == domain.StatusFailed {
		t.Error("a deferred job must never surface as failed")
	}

	// After progress resumes past the deferral, the hint goes away.
	job.RecordStage(domain.StageResult{Name: "analyze", Outcome: domain.OutcomeCompleted, FinishedAt: finished.Add(10 * time.Minute)})
	seed(t, repo, job)
	v, _ = p.Project(context.Background(), "job-4")
	if v.Hint != "" {
		t.Errorf("stale deferral marker still surfaced: %q", v.Hint)
	}
}

func TestProject_FailedSurfacesStage(t *testing.T) {
	repo := memory.NewJobRepo()
	p := NewProjector(repo, fourStages(), nil)

	job := domain.NewJob("job-5", "acme", time.Now())
	job.Status = domain.StatusFailed
	job.ErrorDetail = &domain.ErrorDetail{
		Stage:     "analyze",
		Message:   "stage analyze failed for job job-5: permanent: unreadable drawing",
		Timestamp: time.Now(),
	}
	seed(t, repo, job)

	v, err := p.Project(context.Background(), "job-5")
	if err != nil {
		t.Fatalf("project failed: %v", err)
	}
	if v.Error == nil || v.Error.Stage != "analyze" {
		t.Fatalf("expected failing stage surfaced, got %+v", v.Error)
	}
	if v.Error.Message == "" {
		t.Error("expected a human-readable message")
	}
}

func TestProject_NotFound(t *testing.T) {
	repo := memory.NewJobRepo()
	p := NewProjector(repo, fourStages(), nil)

	_, err := p.Project(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
