package job

import (
	"context"
	"time"

	"github.com/xraph/notify/id"
)

// Store defines the persistence contract for jobs.
//
// All operations are scoped by environment: implementations must reject
// reads and writes whose ambient scope (see the scope package) names a
// different environment than the job's with notify.ErrScopeViolation.
// Missing IDs fail with notify.ErrJobNotFound.
type Store interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// UpdateJobStatus transitions the job to the given status. The
	// transition must be legal per CanTransition; terminal jobs never
	// regress. reason is stored for audit (may be empty).
	UpdateJobStatus(ctx context.Context, jobID id.JobID, status Status, reason string) error

	// FindActiveJobsForDigestKey returns the digest jobs for the given
	// environment and window key that are still mergeable (status
	// pending, queued, or delayed), oldest first. Running jobs are
	// excluded: once the close-time runner marks the window's job
	// running (under the window lock), new triggers open a fresh
	// window. At most one mergeable job exists while the digest
	// invariant holds; the slice form lets callers detect violations.
	FindActiveJobsForDigestKey(ctx context.Context, environmentID, key string) ([]*Job, error)

	// ListJobsByTrigger returns all jobs created for a trigger
	// transaction, oldest first.
	ListJobsByTrigger(ctx context.Context, triggerID id.TriggerID) ([]*Job, error)

	// ReapStaleJobs returns jobs stuck in running state longer than the
	// given threshold, indicating the owning worker may have crashed.
	ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*Job, error)
}
