// Package queue defines the durable queue contract the worker pool
// consumes from, plus per-queue/per-environment rate limiting.
//
// Messages are small job references; the job record itself lives in the
// store. Delivery is at-least-once; the runner's terminal-status check
// makes re-delivery a no-op.
package queue

import (
	"context"
	"time"

	"github.com/xraph/notify/id"
)

// Message is one queue entry referencing a job to execute.
type Message struct {
	JobID         id.JobID `json:"job_id" msgpack:"job_id"`
	EnvironmentID string   `json:"environment_id" msgpack:"environment_id"`

	// Queue names the logical queue the message travels on.
	Queue string `json:"queue" msgpack:"queue"`

	// DelayUntil holds the message back until the given time.
	// Zero means immediately deliverable.
	DelayUntil time.Time `json:"delay_until,omitempty" msgpack:"delay_until"`
}

// Queue is the durable queue contract.
type Queue interface {
	// Enqueue adds a message, honoring DelayUntil.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue removes and returns up to limit due messages from the
	// given queues, earliest first. It returns an empty slice when
	// nothing is due; it never blocks.
	Dequeue(ctx context.Context, queues []string, limit int) ([]Message, error)
}
