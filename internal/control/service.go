// Package control wires the application together and runs the worker
// lifecycle: queue consumers, the DLQ analyzer loop, the janitor and
// the status server.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	"golang.org/x/sync/errgroup"

	"github.com/drawlytics/conveyor/internal/alert"
	"github.com/drawlytics/conveyor/internal/core/config"
	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/core/worker"
	"github.com/drawlytics/conveyor/internal/dlq"
	"github.com/drawlytics/conveyor/internal/infra/queue"
	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/infra/storage/memory"
	"github.com/drawlytics/conveyor/internal/infra/storage/postgres"
	"github.com/drawlytics/conveyor/internal/pipeline"
	"github.com/drawlytics/conveyor/internal/pipeline/budget"
	"github.com/drawlytics/conveyor/internal/pipeline/metrics"
	"github.com/drawlytics/conveyor/internal/pipeline/retry"
	"github.com/drawlytics/conveyor/internal/stages"
	"github.com/drawlytics/conveyor/internal/status"
)

// receiveWait is the blocking-receive timeout per poll. Short enough
// that consumers notice cancellation promptly.
const receiveWait = 5 * time.Second

// Transport is the slice of the queue client the consumer loops use.
type Transport interface {
	Receive(ctx context.Context, wait time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Nack(ctx context.Context, d *queue.Delivery) error
	ReceiveDLQ(ctx context.Context, wait time.Duration) (*queue.Delivery, time.Duration, error)
	AckDLQ(ctx context.Context, d *queue.Delivery) error
	Depth(ctx context.Context) (int64, error)
}

// Service is the assembled worker application.
type Service struct {
	cfg       config.AppConfig
	jobs      storage.JobRepository
	db        *postgres.DB
	queue     *queue.Client
	transport Transport
	orch      *pipeline.Orchestrator
	analyzer  *dlq.Analyzer
	janitor   *worker.Janitor
	server    *Server
	monCfg    budget.Config
	log       *slog.Logger
}

// NewService creates a service with all dependencies initialized. Zero
// fields in deps are filled with the placeholder collaborators.
func NewService(cfg config.AppConfig, deps stages.Deps, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}

	var jobs storage.JobRepository
	var db *postgres.DB
	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		jobs = postgres.NewJobRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		jobs = memory.NewJobRepo()
		log.Info("Using Memory storage")
	}

	qc, err := queue.NewClient(cfg.Queue, cfg.DLQ.MaxReceives)
	if err != nil {
		return nil, fmt.Errorf("failed to init queue: %w", err)
	}

	var alerts alert.Sink
	if cfg.DLQ.AlertWebhookURL != "" {
		alerts = alert.NewWebhookSink(cfg.DLQ.AlertWebhookURL)
	} else {
		alerts = alert.NewLogSink(log)
	}

	fillDefaultDeps(&deps, log)
	stageSeq := stages.Pipeline(deps)

	retrier := retry.NewCoordinator(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
		Jitter:     cfg.Retry.Jitter,
	}, log)
	exec := pipeline.NewExecutor(jobs, retrier, cfg.Worker.DeferBuffer, log)
	orch := pipeline.NewOrchestrator(stageSeq, exec, jobs, cfg.Worker.RecordTTL, log)

	analyzerCfg := dlq.DefaultConfig
	analyzerCfg.HardLimit = cfg.Worker.MaxInvocation
	analyzerCfg.CriticalReceives = cfg.DLQ.CriticalReceives
	analyzer := dlq.NewAnalyzer(analyzerCfg, jobs, alerts, log)

	projector := status.NewProjector(jobs, stageSeq, cfg.Pipeline.Weights)
	janitor := worker.NewJanitor(cfg.Worker.Visibility, jobs, qc, log)
	server := NewServer(projector, qc, cfg.Server.Port)

	return &Service{
		cfg:       cfg,
		jobs:      jobs,
		db:        db,
		queue:     qc,
		transport: qc,
		orch:      orch,
		analyzer:  analyzer,
		janitor:   janitor,
		server:    server,
		monCfg: budget.Config{
			MaxInvocation:          cfg.Worker.MaxInvocation,
			MemoryLimitBytes:       cfg.Memory.LimitBytes,
			MemoryWarnFraction:     cfg.Memory.WarnFraction,
			MemoryCriticalFraction: cfg.Memory.CriticalFraction,
		},
		log: log,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// consumer fails. The HTTP server and janitor run beside the consumer
// group.
func (s *Service) Run(ctx context.Context) error {
	go func() {
		if err := s.server.Start(); err != nil {
			s.log.Error("Status server failed", "error", err)
		}
	}()

	if err := s.janitor.Start(); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Worker.Concurrency; i++ {
		g.Go(func() error { return s.consumeLoop(ctx) })
	}
	g.Go(func() error { return s.dlqLoop(ctx) })
	g.Go(func() error { return s.depthLoop(ctx) })

	s.log.Info("Worker started",
		"consumers", s.cfg.Worker.Concurrency,
		"port", s.cfg.Server.Port)

	return g.Wait()
}

// Stop shuts down the service.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping worker...")

	s.janitor.Stop()

	if err := s.queue.Close(); err != nil {
		s.log.Warn("Failed to close queue client", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.Warn("Failed to close database", "error", err)
		}
	}

	return s.server.Stop(ctx)
}

// consumeLoop receives pending deliveries and processes them until ctx
// is cancelled. Receive errors are logged and retried after a pause.
func (s *Service) consumeLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		d, err := s.transport.Receive(ctx, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("Queue receive failed", "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if d == nil {
			// Timed out, or the delivery was dead-lettered on receive.
			continue
		}
		s.handle(ctx, d)
	}
}

// handle runs one delivery through the orchestrator and settles it.
func (s *Service) handle(ctx context.Context, d *queue.Delivery) {
	deadline, _ := ctx.Deadline()
	mon := budget.NewMonitor(s.monCfg, deadline, s.log)

	err := s.orch.Process(ctx, mon, d.Delivery)
	if settleAck(err) {
		if err != nil {
			s.log.Warn("Job finished in failure",
				"job_id", d.Message.JobID,
				"receive_count", d.ReceiveCount,
				"error", err)
		}
		if ackErr := s.transport.Ack(ctx, d); ackErr != nil {
			s.log.Error("Failed to ack delivery", "job_id", d.Message.JobID, "error", ackErr)
		}
		return
	}

	if errors.Is(err, domain.ErrDeferred) {
		s.log.Info("Deferred job returned to queue", "job_id", d.Message.JobID)
	} else {
		s.log.Error("Processing failed, returning delivery to queue",
			"job_id", d.Message.JobID,
			"receive_count", d.ReceiveCount,
			"error", err)
	}
	if nackErr := s.transport.Nack(ctx, d); nackErr != nil {
		s.log.Error("Failed to nack delivery", "job_id", d.Message.JobID, "error", nackErr)
	}
}

// settleAck reports whether the delivery should be acknowledged. Clean
// completion acks. A stage failure acks too: the job record is already
// terminal, redelivery would change nothing. Deferrals and
// infrastructure errors nack so the queue redelivers.
func settleAck(err error) bool {
	if err == nil {
		return true
	}
	var stageErr *domain.StageError
	return errors.As(err, &stageErr)
}

// dlqLoop drains the dead-letter queue through the failure analyzer.
// The entry is acknowledged only after the analysis is persisted.
func (s *Service) dlqLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		d, lastAttempt, err := s.transport.ReceiveDLQ(ctx, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("DLQ receive failed", "error", err)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if d == nil {
			continue
		}
		if err := s.analyzer.Finalize(ctx, d.Delivery, lastAttempt); err != nil {
			s.log.Error("DLQ finalization failed", "job_id", d.Message.JobID, "error", err)
			continue
		}
		if err := s.transport.AckDLQ(ctx, d); err != nil {
			s.log.Error("Failed to ack DLQ entry", "job_id", d.Message.JobID, "error", err)
		}
	}
}

// depthLoop samples the pending queue length into the depth gauge.
func (s *Service) depthLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			depth, err := s.transport.Depth(ctx)
			if err != nil {
				s.log.Debug("Failed to read queue depth", "error", err)
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
