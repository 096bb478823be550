package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/drawlytics/conveyor/internal/core/domain"
)

func TestMonitor_Remaining(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := start

	m := NewMonitor(Config{}, start.Add(5*time.Minute), nil).
		WithClock(func() time.Time { return current })

	if got := m.Remaining(); got != 5*time.Minute {
		t.Errorf("expected 5m remaining, got %v", got)
	}

	current = start.Add(4 * time.Minute)
	if got := m.Remaining(); got != 1*time.Minute {
		t.Errorf("expected 1m remaining, got %v", got)
	}

	// Past the deadline: clamped at zero
	current = start.Add(10 * time.Minute)
	if got := m.Remaining(); got != 0 {
		t.Errorf("expected 0 remaining, got %v", got)
	}
}

func TestMonitor_DeadlineFallback(t *testing.T) {
	// Zero deadline falls back to start + MaxInvocation.
	m := NewMonitor(Config{MaxInvocation: 10 * time.Minute}, time.Time{}, nil)
	if m.Remaining() > 10*time.Minute {
		t.Errorf("fallback remaining exceeds max invocation: %v", m.Remaining())
	}
	if m.Remaining() < 9*time.Minute {
		t.Errorf("fallback remaining suspiciously low: %v", m.Remaining())
	}
}

func TestMonitor_Approaching(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := start

	m := NewMonitor(Config{}, start.Add(2*time.Minute), nil).
		WithClock(func() time.Time { return current })

	if m.Approaching(1 * time.Minute) {
		t.Error("2m remaining should not be approaching with 1m buffer")
	}
	current = start.Add(90 * time.Second)
	if !m.Approaching(1 * time.Minute) {
		t.Error("30s remaining should be approaching with 1m buffer")
	}
}

func TestMonitor_MemoryThresholds(t *testing.T) {
	cfg := Config{
		MemoryLimitBytes:       1000,
		MemoryWarnFraction:     0.75,
		MemoryCriticalFraction: 0.9,
	}

	heap := uint64(0)
	m := NewMonitor(cfg, time.Now().Add(time.Minute), nil).
		WithHeapReader(func() uint64 { return heap })

	// Below warning: silent success
	heap = 500
	if err := m.CheckMemory(); err != nil {
		t.Errorf("expected nil below warn threshold, got %v", err)
	}

	// Between warning and critical: logs only, no error
	heap = 800
	if err := m.CheckMemory(); err != nil {
		t.Errorf("expected nil between warn and critical, got %v", err)
	}

	// At critical: resource fault
	heap = 900
	err := m.CheckMemory()
	if !errors.Is(err, domain.ErrResourceFault) {
		t.Errorf("expected resource fault at critical threshold, got %v", err)
	}
}

func TestMonitor_MemoryUnavailable(t *testing.T) {
	m := NewMonitor(Config{}, time.Now().Add(time.Minute), nil)

	if _, ok := m.MemoryFraction(); ok {
		t.Error("expected memory fraction unavailable with no limit configured")
	}
	if err := m.CheckMemory(); err != nil {
		t.Errorf("expected nil with no limit configured, got %v", err)
	}
}
