// Package retry runs callables with bounded, adaptive backoff against
// the invocation deadline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
	"github.com/drawlytics/conveyor/internal/pipeline/metrics"
)

// SafetyMargin is the slack kept between a backoff sleep and the
// invocation deadline. If a computed delay plus this margin does not
// fit in the remaining budget, the coordinator aborts without sleeping.
const SafetyMargin = 30 * time.Second

// Config defines retry behavior.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	MaxRetries: 3,
	BaseDelay:  2 * time.Second,
	MaxDelay:   60 * time.Second,
	Jitter:     true,
}

// Coordinator executes callables with retry. Permanent errors
// propagate immediately; transient errors back off exponentially, or
// per a rate-limit reset hint when the error carries one.
type Coordinator struct {
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
	log   *slog.Logger
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator(cfg Config, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
		randf: rand.Float64,
		log:   log,
	}
}

// WithClock overrides the clock, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// WithSleeper overrides the backoff sleep, for tests.
func (c *Coordinator) WithSleeper(sleep func(ctx context.Context, d time.Duration) error) *Coordinator {
	c.sleep = sleep
	return c
}

// Run invokes fn with up to MaxRetries retries against the remaining
// invocation budget. If the budget cannot cover even a first attempt,
// fn is never invoked.
func (c *Coordinator) Run(ctx context.Context, remaining time.Duration, fn func(ctx context.Context) error) error {
	deadline := c.now().Add(remaining)

	// Zero-invocation short-circuit: no point starting an attempt the
	// deadline cannot absorb.
	if remaining < SafetyMargin {
		return fmt.Errorf("%w: %s remaining below %s safety margin",
			domain.ErrRetryExhausted, remaining, SafetyMargin)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
		lastErr = err
		metrics.RetryAttempts.WithLabelValues(string(transientReason(err))).Inc()

		if attempt >= c.cfg.MaxRetries {
			return exhausted(lastErr, attempt+1)
		}

		delay := c.delayFor(attempt, err)
		if left := deadline.Sub(c.now()); delay+SafetyMargin > left {
			c.log.Warn("Aborting retries, deadline too close",
				"attempt", attempt+1,
				"delay", delay,
				"remaining", left)
			return exhausted(lastErr, attempt+1)
		}

		c.log.Debug("Retrying after transient error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// delayFor computes the backoff before retrying attempt (0-indexed).
// A rate-limit reset hint wins over the exponential schedule; jitter is
// only applied to computed delays, never to hints.
func (c *Coordinator) delayFor(attempt int, err error) time.Duration {
	if hint, ok := domain.RetryAfterHint(err); ok {
		return hint
	}

	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	if c.cfg.Jitter {
		// ±25%
		delay *= 0.75 + c.randf()*0.5
	}
	return time.Duration(delay)
}

func exhausted(lastErr error, attempts int) error {
	if domain.IsRateLimited(lastErr) {
		return fmt.Errorf("%w after %d attempts: %w", domain.ErrRateLimitExceeded, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrRetryExhausted, attempts, lastErr)
}

func transientReason(err error) domain.TransientReason {
	var te *domain.TransientError
	if errors.As(err, &te) {
		return te.Reason
	}
	return domain.ReasonUnavailable
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
