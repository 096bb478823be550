package stages

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage/memory"
	"github.com/drawlytics/conveyor/internal/pipeline"
	"github.com/drawlytics/conveyor/internal/pipeline/budget"
	"github.com/drawlytics/conveyor/internal/pipeline/retry"
)

// =============================================================================
// Mock collaborators
// =============================================================================

type mockParser struct {
	parsed *ParsedDrawing
	err    error
}

func (m *mockParser) Parse(ctx context.Context, input DrawingInput) (*ParsedDrawing, error) {
	return m.parsed, m.err
}

type mockModel struct {
	analysis   *Analysis
	analyzeErr error
	scale      *ScaleInfo
	scaleErr   error
	scaleCalls int
}

func (m *mockModel) Analyze(ctx context.Context, parsed *ParsedDrawing) (*Analysis, error) {
	return m.analysis, m.analyzeErr
}

func (m *mockModel) DetectScale(ctx context.Context, parsed *ParsedDrawing) (*ScaleInfo, error) {
	m.scaleCalls++
	return m.scale, m.scaleErr
}

type mockRenderer struct {
	location string
	err      error
}

func (m *mockRenderer) Render(ctx context.Context, jobID string, a *Analysis, scale *ScaleInfo) (string, error) {
	return m.location, m.err
}

type mockNotifier struct {
	notified bool
	err      error
}

func (m *mockNotifier) Notify(ctx context.Context, tenantKey, jobID, location string) error {
	m.notified = true
	return m.err
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func run(t *testing.T, deps Deps, jobID string) (*memory.JobRepo, error) {
	t.Helper()
	repo := memory.NewJobRepo()
	retrier := retry.NewCoordinator(retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
	}, nil).WithSleeper(noSleep)
	exec := pipeline.NewExecutor(repo, retrier, 60*time.Second, nil)
	orch := pipeline.NewOrchestrator(Pipeline(deps), exec, repo, 0, nil)

	input, _ := json.Marshal(DrawingInput{DocumentKey: "drawings/plan.pdf"})
	d := domain.Delivery{
		Message: domain.Message{
			JobID:       jobID,
			TenantKey:   "acme",
			StageInputs: map[string]json.RawMessage{InputKey: input},
			CreatedAt:   time.Now(),
		},
		ReceiveCount: 1,
	}
	mon := budget.NewMonitor(budget.Config{}, time.Now().Add(time.Hour), nil)
	return repo, orch.Process(context.Background(), mon, d)
}

func happyDeps() Deps {
	return Deps{
		Parser: &mockParser{parsed: &ParsedDrawing{Pages: 2}},
		Model: &mockModel{
			analysis: &Analysis{
				Items:      []TakeoffItem{{Name: "door", Quantity: 4, Unit: "ea", Confidence: 0.92}},
				Measurable: true,
			},
			scale: &ScaleInfo{Ratio: "1:50", Confidence: 0.8},
		},
		Renderer: &mockRenderer{location: "results/plan.xlsx"},
		Notifier: &mockNotifier{},
	}
}

// =============================================================================
// Pipeline flow
// =============================================================================

func TestPipeline_FullRun(t *testing.T) {
	deps := happyDeps()
	repo, err := run(t, deps, "job-1")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	job, _ := repo.Get(context.Background(), "job-1")
	if job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if len(job.StagesCompleted) != 5 {
		t.Fatalf("expected 5 stage results, got %d", len(job.StagesCompleted))
	}
	if !deps.Notifier.(*mockNotifier).notified {
		t.Error("expected notifier to fire")
	}
	if _, ok := job.Checkpoints[StageRender]; !ok {
		t.Error("expected render checkpoint")
	}
}

func TestPipeline_ScaleSkippedWhenNotMeasurable(t *testing.T) {
	deps := happyDeps()
	deps.Model.(*mockModel).analysis.Measurable = false

	repo, err := run(t, deps, "job-2")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if deps.Model.(*mockModel).scaleCalls != 0 {
		t.Error("scale detection must not run for unmeasurable drawings")
	}

	job, _ := repo.Get(context.Background(), "job-2")
	for _, r := range job.StagesCompleted {
		if r.Name == StageScale {
			if r.Outcome != domain.OutcomeCompleted || r.Detail != domain.SkipDetail {
				t.Errorf("expected skip recorded as completed/skipped, got %s/%s", r.Outcome, r.Detail)
			}
			return
		}
	}
	t.Error("expected a stage result for scale_detect")
}

func TestPipeline_NotifyFailureDegrades(t *testing.T) {
	deps := happyDeps()
	deps.Notifier.(*mockNotifier).err = domain.NewTransient(domain.ReasonUnavailable, errors.New("webhook down"))

	repo, err := run(t, deps, "job-3")
	if err != nil {
		t.Fatalf("notify failure must not fail the job, got %v", err)
	}

	job, _ := repo.Get(context.Background(), "job-3")
	if job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	last := job.StagesCompleted[len(job.StagesCompleted)-1]
	if last.Name != StageNotify || last.Outcome != domain.OutcomeDegraded {
		t.Errorf("expected notify degraded, got %s/%s", last.Name, last.Outcome)
	}
}

func TestPipeline_ParserFailureFailsJob(t *testing.T) {
	deps := happyDeps()
	deps.Parser.(*mockParser).err = domain.NewPermanent(errors.New("encrypted pdf"))

	repo, err := run(t, deps, "job-4")
	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageExtract {
		t.Fatalf("expected extract stage error, got %v", err)
	}

	job, _ := repo.Get(context.Background(), "job-4")
	if job.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
}

func TestPipeline_MissingInputIsPermanent(t *testing.T) {
	repo := memory.NewJobRepo()
	retrier := retry.NewCoordinator(retry.DefaultConfig, nil).WithSleeper(noSleep)
	exec := pipeline.NewExecutor(repo, retrier, 60*time.Second, nil)
	orch := pipeline.NewOrchestrator(Pipeline(happyDeps()), exec, repo, 0, nil)

	d := domain.Delivery{
		Message:      domain.Message{JobID: "job-5", TenantKey: "acme", CreatedAt: time.Now()},
		ReceiveCount: 1,
	}
	mon := budget.NewMonitor(budget.Config{}, time.Now().Add(time.Hour), nil)
	err := orch.Process(context.Background(), mon, d)
	var stageErr *domain.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected stage error for missing input, got %v", err)
	}
	if !errors.As(err, new(*domain.PermanentError)) {
		t.Errorf("missing input must be permanent, got %v", err)
	}
}
