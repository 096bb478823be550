package dlq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/drawlytics/conveyor/internal/alert"
	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage/memory"
)

// =============================================================================
// Mock alert sink
// =============================================================================

type mockSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (s *mockSink) Notify(ctx context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *mockSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newAnalyzer(sink alert.Sink) (*Analyzer, *memory.JobRepo) {
	repo := memory.NewJobRepo()
	cfg := Config{HardLimit: 14 * time.Minute}
	return NewAnalyzer(cfg, repo, sink, nil), repo
}

func msg(jobID string) domain.Message {
	return domain.Message{JobID: jobID, TenantKey: "acme", CreatedAt: time.Now()}
}

// =============================================================================
// Classification
// =============================================================================

func TestClassify_Rules(t *testing.T) {
	a, _ := newAnalyzer(&mockSink{})
	hardLimit := 14 * time.Minute

	cases := []struct {
		name         string
		receiveCount int
		duration     time.Duration
		want         domain.FailureType
	}{
		{"near hard limit is timeout", 1, time.Duration(0.98 * float64(hardLimit)), domain.FailureTimeout},
		{"mid-range with redeliveries is rate limit", 3, 5 * time.Minute, domain.FailureRateLimit},
		{"short with redeliveries is resource exhaustion", 3, 30 * time.Second, domain.FailureResourceExhausted},
		{"short first delivery is infrastructure", 1, 15 * time.Second, domain.FailureInfrastructure},
		{"high receive count is processing failure", 6, 90 * time.Second, domain.FailureProcessing},
		{"otherwise temporary", 1, 90 * time.Second, domain.FailureTemporary},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := a.Classify(tc.receiveCount, tc.duration, msg("job-1"))
			if got != tc.want {
				t.Errorf("Classify(%d, %v) = %s, want %s", tc.receiveCount, tc.duration, got, tc.want)
			}
		})
	}
}

func TestClassify_ValidationMarker(t *testing.T) {
	a, _ := newAnalyzer(&mockSink{})

	got := a.Classify(1, 90*time.Second, domain.Message{JobID: "sample-drawing-7", TenantKey: "acme"})
	if got != domain.FailureInputValidation {
		t.Errorf("expected input validation failure for sample marker, got %s", got)
	}
}

func TestIsCritical(t *testing.T) {
	a, _ := newAnalyzer(&mockSink{})

	// Critical types regardless of receive count
	for _, ft := range []domain.FailureType{
		domain.FailureTimeout,
		domain.FailureResourceExhausted,
		domain.FailureRateLimit,
	} {
		if !a.IsCritical(ft, 1) {
			t.Errorf("expected %s critical at receive_count 1", ft)
		}
	}

	// Any type at or above the receive threshold
	if !a.IsCritical(domain.FailureTemporary, 3) {
		t.Error("expected temporary failure critical at receive_count 3")
	}
	if a.IsCritical(domain.FailureTemporary, 1) {
		t.Error("temporary failure at receive_count 1 should not be critical")
	}
}

// =============================================================================
// Finalize
// =============================================================================

func TestFinalize_RateLimitScenario(t *testing.T) {
	// Message redelivered 3 times at ~5 minutes each: classified
	// rate_limit_exhausted, job Failed, exactly one critical alert.
	sink := &mockSink{}
	a, repo := newAnalyzer(sink)

	d := domain.Delivery{Message: msg("job-9"), ReceiveCount: 3}
	ctx := context.Background()

	// Worker got partway before dying.
	job := domain.NewJob("job-9", "acme", time.Now())
	job.Status = domain.StatusProcessing
	job.CurrentStage = "analyze"
	job.RecordStage(domain.StageResult{Name: "extract", Outcome: domain.OutcomeCompleted})
	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}

	if err := a.Finalize(ctx, d, 5*time.Minute); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	got, _ := repo.Get(ctx, "job-9")
	if got.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorDetail == nil || got.ErrorDetail.Analysis == nil {
		t.Fatal("expected error details with analysis")
	}
	if got.ErrorDetail.Analysis.FailureType != domain.FailureRateLimit {
		t.Errorf("expected rate_limit_exhausted, got %s", got.ErrorDetail.Analysis.FailureType)
	}
	// Progress preserved, current_stage moved to failed_stage
	if len(got.StagesCompleted) != 1 {
		t.Errorf("expected stages_completed preserved, got %d entries", len(got.StagesCompleted))
	}
	if got.Metadata[domain.MetaFailedStage] != "analyze" {
		t.Errorf("expected failed_stage=analyze, got %q", got.Metadata[domain.MetaFailedStage])
	}
	if got.CurrentStage != "" {
		t.Errorf("expected current_stage cleared, got %q", got.CurrentStage)
	}
	if sink.count() != 1 {
		t.Fatalf("expected exactly one alert, got %d", sink.count())
	}

	// Repeat invocation for the same dead-lettered message: no second
	// alert, no error.
	if err := a.Finalize(ctx, d, 5*time.Minute); err != nil {
		t.Fatalf("repeated finalize failed: %v", err)
	}
	if sink.count() != 1 {
		t.Errorf("repeated finalize fired another alert: %d", sink.count())
	}
}

func TestFinalize_MissingJobRecord(t *testing.T) {
	sink := &mockSink{}
	a, repo := newAnalyzer(sink)

	d := domain.Delivery{Message: msg("job-10"), ReceiveCount: 1}
	if err := a.Finalize(context.Background(), d, 15*time.Second); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	got, err := repo.Get(context.Background(), "job-10")
	if err != nil {
		t.Fatalf("expected record created, got %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorDetail.Analysis.FailureType != domain.FailureInfrastructure {
		t.Errorf("expected infrastructure failure, got %s", got.ErrorDetail.Analysis.FailureType)
	}
	// infrastructure_failure at receive_count 1 is not critical
	if sink.count() != 0 {
		t.Errorf("expected no alert, got %d", sink.count())
	}
}

func TestFinalize_AlertFailureIsSwallowed(t *testing.T) {
	sink := &mockSink{err: context.DeadlineExceeded}
	a, repo := newAnalyzer(sink)

	d := domain.Delivery{Message: msg("job-11"), ReceiveCount: 4}
	if err := a.Finalize(context.Background(), d, 30*time.Second); err != nil {
		t.Fatalf("alert failure must not escalate, got %v", err)
	}

	got, _ := repo.Get(context.Background(), "job-11")
	if got.Status != domain.StatusFailed {
		t.Errorf("job must still be finalized, got %s", got.Status)
	}
}
