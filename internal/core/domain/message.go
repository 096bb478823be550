package domain

import (
	"encoding/json"
	"time"
)

// Message is the queue payload that starts (or resumes) a job.
type Message struct {
	JobID       string                     `json:"job_id"`
	TenantKey   string                     `json:"tenant_key"`
	StageInputs map[string]json.RawMessage `json:"stage_inputs,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// Delivery wraps a Message with the queue's redelivery metadata.
// ReceiveCount and the timestamps are supplied by the transport and
// consumed only by the DLQ analyzer.
type Delivery struct {
	Message         Message
	ReceiveCount    int
	SentAt          time.Time
	FirstReceivedAt time.Time
	ReceivedAt      time.Time
}
