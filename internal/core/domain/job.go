package domain

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusQueued means the job has been accepted but no worker has
	// picked it up yet.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker is driving the job through the
	// pipeline. A job may re-enter Processing on redelivery.
	StatusProcessing Status = "processing"
	// StatusCompleted means all required stages finished. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the job hit an unrecoverable error or was
	// finalized by the DLQ analyzer. Terminal.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status allows no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StageOutcome records how a single stage ended.
type StageOutcome string

const (
	// OutcomeCompleted means the stage produced its result. A skipped
	// stage is also recorded as Completed (with a skip detail) so
	// progress accounting stays accurate.
	OutcomeCompleted StageOutcome = "completed"
	// OutcomeDegraded means a best-effort stage failed; the job carries
	// on without its output.
	OutcomeDegraded StageOutcome = "degraded"
)

// SkipDetail is the detail string recorded when a stage is skipped
// because its precondition was unmet.
const SkipDetail = "skipped"

// StageResult is one entry of a job's stages_completed list.
type StageResult struct {
	Name       string       `json:"name"`
	Outcome    StageOutcome `json:"outcome"`
	Detail     string       `json:"detail,omitempty"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Checkpoint holds a stage's persisted partial result so a later
// invocation can resume without redoing the work.
type Checkpoint struct {
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"saved_at"`
}

// FailureAnalysis is attached to error details by the DLQ analyzer.
type FailureAnalysis struct {
	FailureType        FailureType   `json:"failure_type"`
	ReceiveCount       int           `json:"receive_count"`
	ProcessingDuration time.Duration `json:"processing_duration"`
	IsCritical         bool          `json:"is_critical"`
}

// ErrorDetail describes why a job failed. Set only on StatusFailed.
type ErrorDetail struct {
	Stage     string           `json:"stage,omitempty"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
	Analysis  *FailureAnalysis `json:"analysis,omitempty"`
}

// FailureType classifies a dead-lettered job for alerting.
type FailureType string

const (
	FailureTimeout           FailureType = "timeout"
	FailureRateLimit         FailureType = "rate_limit_exhausted"
	FailureResourceExhausted FailureType = "resource_exhausted"
	FailureInfrastructure    FailureType = "infrastructure_failure"
	FailureInputValidation   FailureType = "input_validation_failure"
	FailureProcessing        FailureType = "processing_failure"
	FailureTemporary         FailureType = "temporary_failure"
)

// Metadata keys written by the orchestrator and DLQ analyzer.
const (
	// MetaDeferredAt marks the last invocation as deferred so the
	// status projector can surface a "will resume" hint.
	MetaDeferredAt = "deferred_at"
	// MetaFailedStage preserves current_stage when the DLQ analyzer
	// finalizes a job, for diagnosis.
	MetaFailedStage = "failed_stage"
)

// Job is the single durable record driven through the pipeline.
// The store is last-write-wins; all invariants (monotonic progress,
// at most one terminal transition) are maintained by writer discipline.
type Job struct {
	ID              string                `json:"id"`
	TenantKey       string                `json:"tenant_key"`
	Status          Status                `json:"status"`
	CurrentStage    string                `json:"current_stage,omitempty"`
	StagesCompleted []StageResult         `json:"stages_completed"`
	Checkpoints     map[string]Checkpoint `json:"checkpoints,omitempty"`
	// StageInputs echoes the message's stage_inputs so a job whose
	// original message was lost can be re-queued and still resume.
	StageInputs map[string]json.RawMessage `json:"stage_inputs,omitempty"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	ErrorDetail     *ErrorDetail          `json:"error_details,omitempty"`
	CorrelationID   string                `json:"correlation_id,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	ExpiresAt       *time.Time            `json:"ttl,omitempty"`
}

// NewJob creates a queued job record for a freshly enqueued message.
func NewJob(id, tenantKey string, now time.Time) *Job {
	return &Job{
		ID:              id,
		TenantKey:       tenantKey,
		Status:          StatusQueued,
		StagesCompleted: []StageResult{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// StageDone reports whether the named stage already has an entry in
// stages_completed. Degraded entries count: the stage ran and will not
// be re-run on resumption.
func (j *Job) StageDone(name string) bool {
	for _, r := range j.StagesCompleted {
		if r.Name == name {
			return true
		}
	}
	return false
}

// RecordStage appends a stage result. stages_completed is append-only
// within a logical run; callers never truncate it.
func (j *Job) RecordStage(r StageResult) {
	j.StagesCompleted = append(j.StagesCompleted, r)
}

// SetCheckpoint stores a stage's partial result.
func (j *Job) SetCheckpoint(stage string, payload json.RawMessage, now time.Time) {
	if j.Checkpoints == nil {
		j.Checkpoints = make(map[string]Checkpoint)
	}
	j.Checkpoints[stage] = Checkpoint{Payload: payload, SavedAt: now}
}

// SetMeta sets a metadata key. Metadata accumulates and is never removed.
func (j *Job) SetMeta(key, value string) {
	if j.Metadata == nil {
		j.Metadata = make(map[string]string)
	}
	j.Metadata[key] = value
}
