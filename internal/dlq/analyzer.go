// Package dlq classifies and finalizes jobs whose message exceeded the
// queue's redelivery budget.
//
// Classification is heuristic: it reasons from receive counts and
// processing durations, not from the original error, and is best-effort
// diagnostics rather than a hard contract.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/drawlytics/conveyor/internal/alert"
	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/infra/storage"
	"github.com/drawlytics/conveyor/internal/pipeline/metrics"
)

// Config holds classification thresholds.
type Config struct {
	// HardLimit is the hard per-invocation time limit.
	HardLimit time.Duration
	// TimeoutFraction of HardLimit at which a duration classifies as
	// timeout.
	TimeoutFraction float64
	// MidRangeMin is the lower bound of the "mid-range" duration band.
	MidRangeMin time.Duration
	// ShortMax is the upper bound of a "very short" duration.
	ShortMax time.Duration
	// ProcessingReceives classifies processing_failure at or above
	// this receive count.
	ProcessingReceives int
	// CriticalReceives marks any failure critical at or above this
	// receive count, regardless of type.
	CriticalReceives int
}

// DefaultConfig provides sensible defaults for a 14-minute invocation
// limit.
var DefaultConfig = Config{
	HardLimit:          14 * time.Minute,
	TimeoutFraction:    0.9,
	MidRangeMin:        2 * time.Minute,
	ShortMax:           60 * time.Second,
	ProcessingReceives: 5,
	CriticalReceives:   3,
}

// Analyzer classifies dead-lettered jobs and finalizes their records.
type Analyzer struct {
	cfg    Config
	jobs   storage.JobRepository
	alerts alert.Sink
	now    func() time.Time
	log    *slog.Logger
}

// NewAnalyzer creates a DLQ failure analyzer.
func NewAnalyzer(cfg Config, jobs storage.JobRepository, alerts alert.Sink, log *slog.Logger) *Analyzer {
	if cfg.TimeoutFraction == 0 {
		cfg.TimeoutFraction = DefaultConfig.TimeoutFraction
	}
	if cfg.MidRangeMin == 0 {
		cfg.MidRangeMin = DefaultConfig.MidRangeMin
	}
	if cfg.ShortMax == 0 {
		cfg.ShortMax = DefaultConfig.ShortMax
	}
	if cfg.ProcessingReceives == 0 {
		cfg.ProcessingReceives = DefaultConfig.ProcessingReceives
	}
	if cfg.CriticalReceives == 0 {
		cfg.CriticalReceives = DefaultConfig.CriticalReceives
	}
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{
		cfg:    cfg,
		jobs:   jobs,
		alerts: alerts,
		now:    time.Now,
		log:    log,
	}
}

// Classify maps redelivery facts to a failure type using first-match
// ordered rules.
func (a *Analyzer) Classify(receiveCount int, processingDuration time.Duration, msg domain.Message) domain.FailureType {
	switch {
	case float64(processingDuration) >= a.cfg.TimeoutFraction*float64(a.cfg.HardLimit):
		return domain.FailureTimeout
	case processingDuration >= a.cfg.MidRangeMin && receiveCount > 1:
		return domain.FailureRateLimit
	case receiveCount > 1 && processingDuration < a.cfg.ShortMax:
		return domain.FailureResourceExhausted
	case receiveCount == 1 && processingDuration < a.cfg.ShortMax:
		return domain.FailureInfrastructure
	case hasValidationMarker(msg):
		return domain.FailureInputValidation
	case receiveCount >= a.cfg.ProcessingReceives:
		return domain.FailureProcessing
	default:
		return domain.FailureTemporary
	}
}

// IsCritical reports whether the failure warrants an alert.
func (a *Analyzer) IsCritical(ft domain.FailureType, receiveCount int) bool {
	switch ft {
	case domain.FailureTimeout, domain.FailureResourceExhausted, domain.FailureRateLimit:
		return true
	}
	return receiveCount >= a.cfg.CriticalReceives
}

// Finalize sets the job to Failed with the failure analysis attached,
// preserving prior progress for diagnosis, and fires a best-effort
// alert for critical failures. Repeated invocation for the same
// dead-lettered message is a no-op after the first.
func (a *Analyzer) Finalize(ctx context.Context, d domain.Delivery, processingDuration time.Duration) error {
	msg := d.Message

	job, err := a.jobs.Get(ctx, msg.JobID)
	if errors.Is(err, storage.ErrNotFound) {
		// The worker may have died before its first write.
		job = domain.NewJob(msg.JobID, msg.TenantKey, a.now())
	} else if err != nil {
		return fmt.Errorf("failed to load job %s: %w", msg.JobID, err)
	}

	// Idempotent finalize: already analyzed means already alerted.
	if job.Status == domain.StatusFailed && job.ErrorDetail != nil && job.ErrorDetail.Analysis != nil {
		a.log.Info("Job already finalized, skipping",
			"job_id", job.ID,
			"failure_type", job.ErrorDetail.Analysis.FailureType)
		return nil
	}

	ft := a.Classify(d.ReceiveCount, processingDuration, msg)
	critical := a.IsCritical(ft, d.ReceiveCount)
	metrics.DLQJobs.WithLabelValues(string(ft)).Inc()

	failedStage := job.CurrentStage
	if failedStage != "" {
		job.SetMeta(domain.MetaFailedStage, failedStage)
	}
	job.CurrentStage = ""
	job.Status = domain.StatusFailed
	job.ErrorDetail = &domain.ErrorDetail{
		Stage:     failedStage,
		Message:   fmt.Sprintf("dead-lettered after %d deliveries (%s)", d.ReceiveCount, ft),
		Timestamp: a.now(),
		Analysis: &domain.FailureAnalysis{
			FailureType:        ft,
			ReceiveCount:       d.ReceiveCount,
			ProcessingDuration: processingDuration,
			IsCritical:         critical,
		},
	}

	if err := a.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
	}

	a.log.Warn("Dead-lettered job finalized",
		"job_id", job.ID,
		"failure_type", ft,
		"receive_count", d.ReceiveCount,
		"processing_duration", processingDuration,
		"critical", critical)

	if critical {
		al := alert.Alert{
			JobID:         job.ID,
			FailureType:   ft,
			ErrorSummary:  job.ErrorDetail.Message,
			CorrelationID: job.CorrelationID,
			ReceiveCount:  d.ReceiveCount,
			FiredAt:       a.now(),
		}
		if err := a.alerts.Notify(ctx, al); err != nil {
			// Best-effort: never re-raise alert failures.
			metrics.AlertFailures.Inc()
			a.log.Error("Failed to deliver critical alert",
				"job_id", job.ID,
				"error", err)
		}
	}
	return nil
}

// hasValidationMarker sniffs the message for test/sample indicators.
func hasValidationMarker(msg domain.Message) bool {
	for _, s := range []string{msg.JobID, msg.TenantKey} {
		l := strings.ToLower(s)
		if strings.Contains(l, "test") || strings.Contains(l, "sample") {
			return true
		}
	}
	return false
}
