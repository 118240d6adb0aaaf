// Package dlq provides the dead letter queue for jobs that have
// exhausted their retry budget. It supports inspection, replay, and
// purging.
//
// When a job fails terminally the runner calls [Service.Push] to move
// it into the DLQ. The original payload, error message, and retry
// counts are preserved for debugging. Replaying an entry re-creates the
// job with a fresh ID and a reset retry budget and enqueues it.
package dlq

import (
	"context"
	"time"

	"github.com/xraph/notify/id"
)

// Entry represents a job that has exhausted its retry budget and been
// moved to the dead letter queue for inspection or replay.
type Entry struct {
	ID             id.DLQID        `json:"id"`
	JobID          id.JobID        `json:"job_id"`
	EnvironmentID  string          `json:"environment_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	WorkflowID     id.WorkflowID   `json:"workflow_id"`
	StepID         id.StepID       `json:"step_id"`
	SubscriberID   id.SubscriberID `json:"subscriber_id"`
	Queue          string          `json:"queue"`
	Payload        []byte          `json:"payload"`
	Error          string          `json:"error"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	FailedAt       time.Time       `json:"failed_at"`
	ReplayedAt     *time.Time      `json:"replayed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// EnvironmentID filters by environment. Empty means all environments.
	EnvironmentID string
}

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// PushDLQ adds a failed job entry to the dead letter queue.
	PushDLQ(ctx context.Context, entry *Entry) error

	// ListDLQ returns DLQ entries matching the given options, newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves a DLQ entry by ID.
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ReplayDLQ marks a DLQ entry as replayed. The actual re-enqueue is
	// handled at the service layer.
	ReplayDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ removes DLQ entries with FailedAt before the given time.
	// Returns the number of entries removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the total number of entries in the dead letter queue.
	CountDLQ(ctx context.Context) (int64, error)
}
