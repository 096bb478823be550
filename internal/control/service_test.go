package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/queue"
	"github.com/drawlytics/conveyor/internal/infra/storage/memory"
	"github.com/drawlytics/conveyor/internal/pipeline"
	"github.com/drawlytics/conveyor/internal/pipeline/budget"
	"github.com/drawlytics/conveyor/internal/pipeline/retry"
	"github.com/drawlytics/conveyor/internal/status"
)

// =============================================================================
// Fakes
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
	depth  int64
}

func (f *fakeTransport) Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error) {
	return nil, nil
}

func (f *fakeTransport) Ack(ctx context.Context, d *queue.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, d.Message.JobID)
	return nil
}

func (f *fakeTransport) Nack(ctx context.Context, d *queue.Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, d.Message.JobID)
	return nil
}

func (f *fakeTransport) ReceiveDLQ(ctx context.Context, wait time.Duration) (*queue.Delivery, time.Duration, error) {
	return nil, 0, nil
}

func (f *fakeTransport) AckDLQ(ctx context.Context, d *queue.Delivery) error { return nil }

func (f *fakeTransport) Depth(ctx context.Context) (int64, error) {
	return f.depth, nil
}

func newTestService(t *testing.T, stageSeq []pipeline.Stage, maxInvocation time.Duration) (*Service, *fakeTransport, *memory.JobRepo) {
	t.Helper()
	repo := memory.NewJobRepo()
	retrier := retry.NewCoordinator(retry.Config{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Second,
	}, nil).WithSleeper(func(ctx context.Context, d time.Duration) error { return nil })
	exec := pipeline.NewExecutor(repo, retrier, 60*time.Second, nil)
	orch := pipeline.NewOrchestrator(stageSeq, exec, repo, 0, nil)
	transport := &fakeTransport{}
	return &Service{
		jobs:      repo,
		transport: transport,
		orch:      orch,
		monCfg:    budget.Config{MaxInvocation: maxInvocation},
		log:       discardLogger(),
	}, transport, repo
}

func okStage(name string) pipeline.Stage {
	return pipeline.Stage{
		Name:     name,
		Required: true,
		Run: func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		},
	}
}

func delivery(jobID string) *queue.Delivery {
	return &queue.Delivery{
		Delivery: domain.Delivery{
			Message: domain.Message{
				JobID:     jobID,
				TenantKey: "acme",
				CreatedAt: time.Now(),
			},
			ReceiveCount: 1,
		},
		ID: jobID,
	}
}

// =============================================================================
// Settlement
// =============================================================================

func TestSettleAck(t *testing.T) {
	stageErr := &domain.StageError{Stage: "analyze", JobID: "j", Err: errors.New("boom")}

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"completed", nil, true},
		{"stage failure is terminal", stageErr, true},
		{"deferred redelivers", domain.ErrDeferred, false},
		{"infra error redelivers", errors.New("store unavailable"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := settleAck(tc.err); got != tc.want {
				t.Errorf("settleAck(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestHandle_AcksCompletedJob(t *testing.T) {
	svc, transport, repo := newTestService(t, []pipeline.Stage{okStage("a")}, time.Hour)

	svc.handle(context.Background(), delivery("job-ok"))

	if len(transport.acked) != 1 || transport.acked[0] != "job-ok" {
		t.Fatalf("expected job-ok acked, got acked=%v nacked=%v", transport.acked, transport.nacked)
	}
	job, err := repo.Get(context.Background(), "job-ok")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
}

func TestHandle_AcksFailedJob(t *testing.T) {
	failing := pipeline.Stage{
		Name:     "a",
		Required: true,
		Run: func(ctx context.Context, sc *pipeline.StageContext) (json.RawMessage, error) {
			return nil, domain.NewPermanent(errors.New("corrupt document"))
		},
	}
	svc, transport, repo := newTestService(t, []pipeline.Stage{failing}, time.Hour)

	svc.handle(context.Background(), delivery("job-bad"))

	if len(transport.acked) != 1 {
		t.Fatalf("terminal failure must ack, got acked=%v nacked=%v", transport.acked, transport.nacked)
	}
	job, _ := repo.Get(context.Background(), "job-bad")
	if job.Status != domain.StatusFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
}

func TestHandle_NacksDeferredJob(t *testing.T) {
	// 10s budget against a 60s defer buffer: the first stage defers
	// before running.
	svc, transport, repo := newTestService(t, []pipeline.Stage{okStage("a")}, 10*time.Second)

	svc.handle(context.Background(), delivery("job-slow"))

	if len(transport.nacked) != 1 || transport.nacked[0] != "job-slow" {
		t.Fatalf("expected job-slow nacked, got acked=%v nacked=%v", transport.acked, transport.nacked)
	}
	job, _ := repo.Get(context.Background(), "job-slow")
	if job.Status.Terminal() {
		t.Errorf("deferred job must stay non-terminal, got %s", job.Status)
	}
}

// =============================================================================
// Status server
// =============================================================================

func TestServer_JobStatus(t *testing.T) {
	repo := memory.NewJobRepo()
	job := domain.NewJob("job-1", "acme", time.Now())
	job.Status = domain.StatusCompleted
	if err := repo.Save(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	projector := status.NewProjector(repo, []pipeline.Stage{okStage("a")}, nil)
	srv := NewServer(projector, &fakeTransport{depth: 3}, 0)

	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/job-1/status", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view status.View
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Progress != 100 {
		t.Errorf("expected progress 100, got %d", view.Progress)
	}

	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/nope/status", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 for unknown job, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Errorf("expected healthy, got %d", rec.Code)
	}
}
