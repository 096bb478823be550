// Package budget tracks the wall-clock and memory budget of a single
// worker invocation.
//
// This package contains:
//   - Monitor: remaining-deadline and heap-pressure checks
//
// The monitor never preempts running code. It is polled at stage
// boundaries and before backoff sleeps, never mid-stage.
package budget

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
)

// Config holds budget configuration.
type Config struct {
	// MaxInvocation is the deadline fallback when the platform
	// supplies none: deadline = start + MaxInvocation.
	MaxInvocation time.Duration
	// MemoryLimitBytes is the heap ceiling. 0 disables memory checks.
	MemoryLimitBytes uint64
	// MemoryWarnFraction logs above this fraction of the limit.
	MemoryWarnFraction float64
	// MemoryCriticalFraction fails CheckMemory at or above this
	// fraction.
	MemoryCriticalFraction float64
}

// Monitor computes the remaining invocation budget and memory pressure.
type Monitor struct {
	cfg      Config
	deadline time.Time
	now      func() time.Time
	heapUsed func() uint64
	log      *slog.Logger
}

// NewMonitor creates a monitor for one invocation. A zero deadline
// falls back to start-time plus MaxInvocation.
func NewMonitor(cfg Config, deadline time.Time, log *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		deadline: deadline,
		now:      time.Now,
		heapUsed: heapInUse,
		log:      log,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.deadline.IsZero() {
		m.deadline = m.now().Add(cfg.MaxInvocation)
	}
	return m
}

// WithClock overrides the clock, for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// WithHeapReader overrides the heap usage source, for tests.
func (m *Monitor) WithHeapReader(heapUsed func() uint64) *Monitor {
	m.heapUsed = heapUsed
	return m
}

// Remaining returns the wall-clock budget left in this invocation.
// Never negative.
func (m *Monitor) Remaining() time.Duration {
	left := m.deadline.Sub(m.now())
	if left < 0 {
		return 0
	}
	return left
}

// Approaching reports whether less than buffer remains.
func (m *Monitor) Approaching(buffer time.Duration) bool {
	return m.Remaining() < buffer
}

// MemoryFraction returns heap usage as a fraction of the configured
// limit. ok is false when no limit is configured.
func (m *Monitor) MemoryFraction() (frac float64, ok bool) {
	if m.cfg.MemoryLimitBytes == 0 {
		return 0, false
	}
	return float64(m.heapUsed()) / float64(m.cfg.MemoryLimitBytes), true
}

// CheckMemory polls heap pressure. Below the warning threshold it is
// silent; between warning and critical it logs only; at or above
// critical it returns a resource fault.
func (m *Monitor) CheckMemory() error {
	frac, ok := m.MemoryFraction()
	if !ok {
		return nil
	}
	switch {
	case frac >= m.cfg.MemoryCriticalFraction:
		return fmt.Errorf("%w: heap at %.0f%% of limit", domain.ErrResourceFault, frac*100)
	case frac >= m.cfg.MemoryWarnFraction:
		m.log.Warn("Memory pressure elevated",
			"fraction", frac,
			"warn_threshold", m.cfg.MemoryWarnFraction,
			"critical_threshold", m.cfg.MemoryCriticalFraction)
	}
	return nil
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}
