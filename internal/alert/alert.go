// Package alert delivers fire-and-forget notifications for critical
// job failures. Delivery failures are logged, never escalated.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
)

// Alert carries the facts of a critical failure.
type Alert struct {
	JobID         string             `json:"job_id"`
	FailureType   domain.FailureType `json:"failure_type"`
	ErrorSummary  string             `json:"error_summary"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	ReceiveCount  int                `json:"receive_count"`
	FiredAt       time.Time          `json:"fired_at"`
}

// Sink receives alerts. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

// WebhookSink POSTs alerts as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook alert sink.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes alerts to the structured log. Used when no webhook is
// configured.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log-only alert sink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Notify(ctx context.Context, a Alert) error {
	s.log.Error("CRITICAL job failure",
		"job_id", a.JobID,
		"failure_type", a.FailureType,
		"summary", a.ErrorSummary,
		"correlation_id", a.CorrelationID,
		"receive_count", a.ReceiveCount)
	return nil
}
