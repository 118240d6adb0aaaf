// Package ext defines the extension system for notify. Extensions are
// notified of lifecycle events (job created, message sent, digest
// window closed, etc.) and can react to them for audit, metrics, or
// fan-out into other systems.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobCreated is called after a trigger creates a job.
type JobCreated interface {
	OnJobCreated(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when a job fails but is scheduled for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobMerged is called when a trigger's job is folded into an open
// digest window instead of executing.
type JobMerged interface {
	OnJobMerged(ctx context.Context, j *job.Job, activeJobID string) error
}

// JobDLQ is called when a job is moved to the dead letter queue.
type JobDLQ interface {
	OnJobDLQ(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Digest lifecycle hooks
// ──────────────────────────────────────────────────

// DigestWindowOpened is called when a digest job opens a new window.
type DigestWindowOpened interface {
	OnDigestWindowOpened(ctx context.Context, j *job.Job) error
}

// DigestWindowClosed is called when a digest window closes and its
// accumulated events proceed to the next step.
type DigestWindowClosed interface {
	OnDigestWindowClosed(ctx context.Context, j *job.Job, events int) error
}

// ──────────────────────────────────────────────────
// Delivery lifecycle hooks
// ──────────────────────────────────────────────────

// MessageSent is called after a provider accepts a rendered message.
type MessageSent interface {
	OnMessageSent(ctx context.Context, j *job.Job, kind channel.Kind, receipts []*channel.Receipt) error
}

// MessageFailed is called when every target of a dispatch fails.
type MessageFailed interface {
	OnMessageFailed(ctx context.Context, j *job.Job, kind channel.Kind, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
