package config

import (
	"time"

	"github.com/drawlytics/conveyor/internal/infra/queue"
	"github.com/drawlytics/conveyor/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig    `yaml:"server"`
	Queue    queue.Config    `yaml:"queue"`
	Database postgres.Config `yaml:"database"`
	Logging  LoggingConfig   `yaml:"logging"`
	Worker   WorkerConfig    `yaml:"worker"`
	Retry    RetryConfig     `yaml:"retry"`
	Memory   MemoryConfig    `yaml:"memory"`
	DLQ      DLQConfig       `yaml:"dlq"`
	Pipeline PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WorkerConfig bounds a single invocation.
type WorkerConfig struct {
	// Concurrency is the number of queue consumers run in parallel.
	// Each consumer processes one job at a time.
	Concurrency int `yaml:"concurrency"`
	// MaxInvocation is the hard wall-clock budget per invocation,
	// used as the deadline fallback when the platform supplies none.
	MaxInvocation time.Duration `yaml:"max_invocation"`
	// DeferBuffer is the minimum remaining budget required before
	// starting another stage.
	DeferBuffer time.Duration `yaml:"defer_buffer"`
	// Visibility is how long a received message stays invisible before
	// the reaper considers it stuck and re-queues it.
	Visibility time.Duration `yaml:"visibility"`
	// RecordTTL is how long finished job records are retained.
	// 0 disables expiry.
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// RetryConfig controls the retry coordinator.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     bool          `yaml:"jitter"`
}

// MemoryConfig sets the heap pressure thresholds.
type MemoryConfig struct {
	// LimitBytes is the memory ceiling the fraction is computed
	// against. 0 disables memory checks.
	LimitBytes uint64 `yaml:"limit_bytes"`
	// WarnFraction logs above this fraction of the limit.
	WarnFraction float64 `yaml:"warn_fraction"`
	// CriticalFraction fails the check at or above this fraction.
	CriticalFraction float64 `yaml:"critical_fraction"`
}

// DLQConfig controls dead-letter classification and alerting.
type DLQConfig struct {
	// MaxReceives is the redelivery budget before a message is
	// dead-lettered.
	MaxReceives int `yaml:"max_receives"`
	// CriticalReceives marks any failure critical at or above this
	// receive count, regardless of type.
	CriticalReceives int `yaml:"critical_receives"`
	// AlertWebhookURL receives critical alerts. Empty logs only.
	AlertWebhookURL string `yaml:"alert_webhook_url"`
}

// PipelineConfig carries per-stage progress weights for the status
// projector. Missing stages get an equal share of the remainder.
type PipelineConfig struct {
	Weights map[string]int `yaml:"weights"`
}
