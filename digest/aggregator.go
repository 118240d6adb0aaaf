package digest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/lock"
	"github.com/xraph/notify/queue"
	"github.com/xraph/notify/workflow"
)

// Result reports what Add did with a trigger.
type Result string

const (
	// ResultCreated means the trigger opened a new window and its job
	// is the window's active job.
	ResultCreated Result = "created"
	// ResultMerged means the trigger was folded into an open window and
	// its job went terminal as merged.
	ResultMerged Result = "merged"
)

func lockKey(windowKey string) string { return "digest:" + windowKey }

// Aggregator merges concurrent triggers for the same digest key into
// one pending run. All window mutation happens under the key's
// distributed lock; the lock serializes merges against the close-time
// runner so a trigger arriving after close begins a new window.
type Aggregator struct {
	jobs     job.Store
	locks    lock.Client
	queue    queue.Queue
	recorder *execution.Recorder
	logger   *slog.Logger

	lockTTL time.Duration
	now     func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLockTTL bounds how long a window lock may be held.
func WithLockTTL(d time.Duration) Option {
	return func(a *Aggregator) { a.lockTTL = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an Aggregator.
func NewAggregator(
	jobs job.Store,
	locks lock.Client,
	q queue.Queue,
	recorder *execution.Recorder,
	logger *slog.Logger,
	opts ...Option,
) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		jobs:     jobs,
		locks:    locks,
		queue:    q,
		recorder: recorder,
		logger:   logger,
		lockTTL:  10 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add routes a digest-step job into its window: the first trigger for a
// key opens a window and schedules its close; later triggers merge and
// go terminal as merged.
func (a *Aggregator) Add(ctx context.Context, j *job.Job, cfg *workflow.DigestConfig) (Result, error) {
	key := WindowKey(j.EnvironmentID, j.WorkflowID.String(), j.SubscriberID.String(), PartitionValue(cfg, j.Payload))

	held, err := a.locks.Acquire(ctx, lockKey(key), a.lockTTL)
	if err != nil {
		return "", fmt.Errorf("digest: acquire window lock %q: %w", key, err)
	}
	defer func() {
		if relErr := a.locks.Release(context.WithoutCancel(ctx), held); relErr != nil {
			a.logger.Warn("failed to release digest lock",
				slog.String("key", key),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	active, err := a.jobs.FindActiveJobsForDigestKey(ctx, j.EnvironmentID, key)
	if err != nil {
		return "", fmt.Errorf("digest: find active jobs for %q: %w", key, err)
	}

	if len(active) == 0 {
		return a.openWindow(ctx, j, cfg, key)
	}
	return a.merge(ctx, j, active[0], key)
}

// openWindow makes j the window's active job and schedules its close.
func (a *Aggregator) openWindow(ctx context.Context, j *job.Job, cfg *workflow.DigestConfig, key string) (Result, error) {
	openedAt := a.now()

	meta, err := NewMeta(cfg, key, openedAt, j.Payload)
	if err != nil {
		return "", err
	}
	j.Digest = meta
	j.Status = job.StatusDelayed
	j.RunAt = meta.CloseAt

	if err := a.jobs.UpdateJob(ctx, j); err != nil {
		return "", fmt.Errorf("digest: persist window for %q: %w", key, err)
	}

	// The close-time message wakes the active job when the window ends.
	msg := queue.Message{
		JobID:         j.ID,
		EnvironmentID: j.EnvironmentID,
		Queue:         j.Queue,
		DelayUntil:    meta.CloseAt,
	}
	if err := a.queue.Enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("digest: schedule window close for %q: %w", key, err)
	}

	a.recorder.Record(ctx, j.ID, j.EnvironmentID, execution.SourceDigest, execution.StatusPending,
		fmt.Sprintf("digest window opened, closes at %s", meta.CloseAt.Format(time.RFC3339)),
		execution.WithStepType(string(workflow.StepDigest)),
	)

	a.logger.Debug("digest window opened",
		slog.String("key", key),
		slog.String("job_id", j.ID.String()),
		slog.Time("close_at", meta.CloseAt),
	)

	return ResultCreated, nil
}

// merge folds j's payload into the window's active job and marks j merged.
func (a *Aggregator) merge(ctx context.Context, j, active *job.Job, key string) (Result, error) {
	if active.Digest == nil {
		return "", fmt.Errorf("digest: active job %s for %q has no digest state", active.ID, key)
	}

	mergedAt := a.now()

	active.Digest.Events = append(active.Digest.Events, j.Payload)
	active.Digest.EventsCount = len(active.Digest.Events)

	// A backoff merge inside the quiet period pushes the close forward.
	if active.Digest.Policy == job.PolicyBackoff && InQuietPeriod(active.Digest, mergedAt) {
		extended := ExtendedClose(active.Digest, mergedAt)
		if extended.After(active.Digest.CloseAt) {
			active.Digest.CloseAt = extended
			active.RunAt = extended
		}
	}

	if err := a.jobs.UpdateJob(ctx, active); err != nil {
		return "", fmt.Errorf("digest: merge into %s: %w", active.ID, err)
	}

	// The caller's job never executes independently.
	j.Status = job.StatusMerged
	j.StatusReason = fmt.Sprintf("merged into digest job %s", active.ID)
	if err := a.jobs.UpdateJob(ctx, j); err != nil {
		return "", fmt.Errorf("digest: mark %s merged: %w", j.ID, err)
	}

	a.recorder.Record(ctx, j.ID, j.EnvironmentID, execution.SourceDigest, execution.StatusSuccess,
		fmt.Sprintf("trigger merged into digest job %s (%d events)", active.ID, active.Digest.EventsCount),
		execution.WithStepType(string(workflow.StepDigest)),
	)

	a.logger.Debug("trigger merged into digest window",
		slog.String("key", key),
		slog.String("active_job_id", active.ID.String()),
		slog.Int("events", active.Digest.EventsCount),
	)

	return ResultMerged, nil
}

// Reschedule re-parks a digest job whose close time moved forward since
// its wake message was enqueued (backoff extension). Called by the
// runner under the window lock.
func (a *Aggregator) Reschedule(ctx context.Context, j *job.Job) error {
	msg := queue.Message{
		JobID:         j.ID,
		EnvironmentID: j.EnvironmentID,
		Queue:         j.Queue,
		DelayUntil:    j.Digest.CloseAt,
	}
	if err := a.queue.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("digest: reschedule close for %s: %w", j.ID, err)
	}
	return nil
}

// AcquireWindow takes the window lock for a digest job's key. The
// runner holds it across the close transition so a concurrent merge
// either lands before close or starts a fresh window.
func (a *Aggregator) AcquireWindow(ctx context.Context, j *job.Job) (*lock.Lock, error) {
	return a.locks.Acquire(ctx, lockKey(j.Digest.Key), a.lockTTL)
}

// ReleaseWindow releases a window lock taken with AcquireWindow.
func (a *Aggregator) ReleaseWindow(ctx context.Context, l *lock.Lock) {
	if err := a.locks.Release(ctx, l); err != nil {
		a.logger.Warn("failed to release digest lock", slog.String("key", l.Key), slog.String("error", err.Error()))
	}
}
