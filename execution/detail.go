// Package execution provides the append-only log of step-level outcomes.
// Every status transition a job goes through is recorded as exactly one
// Detail; details are immutable once written.
package execution

import (
	"encoding/json"
	"time"

	"github.com/xraph/notify/id"
)

// Status classifies the outcome a detail records.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusWarning   Status = "warning"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// Source identifies which component emitted a detail.
type Source string

const (
	SourceRunner     Source = "runner"
	SourceDigest     Source = "digest"
	SourceMatcher    Source = "matcher"
	SourceDispatcher Source = "dispatcher"
)

// Detail is an immutable record of one attempt's outcome for a job step.
type Detail struct {
	ID            id.DetailID  `json:"id"`
	JobID         id.JobID     `json:"job_id"`
	EnvironmentID string       `json:"environment_id"`
	StepType      string       `json:"step_type,omitempty"`
	Source        Source       `json:"source"`
	Status        Status       `json:"status"`

	// Detail is the human-readable outcome message.
	Detail string `json:"detail"`

	// Provider carries provider-specific metadata for channel sends.
	Provider map[string]string `json:"provider,omitempty"`

	// Raw reports whether RawPayload is attached.
	Raw        bool            `json:"raw"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
