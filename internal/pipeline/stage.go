package pipeline

import (
	"context"
	"encoding/json"
)

// StageFunc is the contract a stage implementation fulfills. It must be
// idempotent under re-invocation (delivery is at-least-once) and must
// return errors distinguishable as transient or permanent via the
// domain error types.
type StageFunc func(ctx context.Context, sc *StageContext) (json.RawMessage, error)

// Stage is one named unit of work in the fixed pipeline sequence.
type Stage struct {
	Name string
	Run  StageFunc
	// Required stages halt the pipeline on unrecoverable failure.
	// Non-required (best-effort) stages degrade instead.
	Required bool
	// Retryable stages are wrapped by the retry coordinator.
	Retryable bool
	// Precondition, when non-nil and false, skips the stage. The skip
	// is recorded as completed so progress accounting stays accurate.
	Precondition func(sc *StageContext) bool
	// Weight is the stage's share of reported progress.
	Weight int
}

// StageContext is the accumulated, append-only context a stage receives.
// Results carries prior stages' outputs, rebuilt from persisted
// checkpoints on resumption.
type StageContext struct {
	JobID         string
	TenantKey     string
	CorrelationID string
	Inputs        map[string]json.RawMessage
	Metadata      map[string]string

	results map[string]json.RawMessage
}

// Result returns the output of an earlier stage.
func (sc *StageContext) Result(name string) (json.RawMessage, bool) {
	r, ok := sc.results[name]
	return r, ok
}

func (sc *StageContext) setResult(name string, payload json.RawMessage) {
	if sc.results == nil {
		sc.results = make(map[string]json.RawMessage)
	}
	sc.results[name] = payload
}

// OutcomeKind discriminates the stage executor's outcome sum type.
type OutcomeKind int

const (
	// OutcomeCompleted means the stage produced a result.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeDegraded means a best-effort stage failed and the
	// pipeline continues without its output.
	OutcomeDegraded
	// OutcomeDeferred means the invocation budget ran low before the
	// stage started; the job resumes on a later delivery.
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeDeferred:
		return "deferred"
	}
	return "unknown"
}

// Outcome is the executor's result for one stage attempt. Expected
// outcomes travel here, not through errors; only unrecoverable
// required-stage failures surface as errors.
type Outcome struct {
	Kind OutcomeKind
	// Result is set for OutcomeCompleted.
	Result json.RawMessage
	// Err is set for OutcomeDegraded.
	Err error
	// DeferCause is set for OutcomeDeferred.
	DeferCause string
}
