// Package worker provides the job execution engine: a Runner that
// consumes queue messages and executes workflow steps through
// middleware, and a Pool that manages concurrent polling goroutines.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/backoff"
	"github.com/xraph/notify/delay"
	"github.com/xraph/notify/digest"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/ext"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/middleware"
	"github.com/xraph/notify/queue"
	"github.com/xraph/notify/send"
	"github.com/xraph/notify/subscriber"
	"github.com/xraph/notify/workflow"
)

// stepResult carries side-band state out of a step execution: whether
// the job was parked (no completion) and the payload the next step in
// the chain should receive.
type stepResult struct {
	parked      bool
	nextPayload json.RawMessage
}

// Runner executes one queue message at a time: it loads the referenced
// job, runs the workflow step through the middleware chain, and maps
// the outcome onto job transitions, retries, chaining, and the DLQ.
//
// Delivery is at-least-once; a message referencing a terminal job is
// dropped without effect.
type Runner struct {
	jobs        job.Store
	workflows   *workflow.Registry
	subscribers subscriber.Store
	queue       queue.Queue
	dispatcher  *send.Dispatcher
	aggregator  *digest.Aggregator
	delays      *delay.Calculator
	dlqService  *dlq.Service
	recorder    *execution.Recorder
	extensions  *ext.Registry
	logger      *slog.Logger

	backoff    backoff.Strategy
	mw         middleware.Middleware
	workerID   id.WorkerID
	maxRetries int
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) RunnerOption {
	return func(r *Runner) { r.backoff = s }
}

// WithMiddleware sets the middleware chain steps run through.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) { r.mw = middleware.Chain(mws...) }
}

// WithWorkerID sets the worker identity stamped on running jobs.
func WithWorkerID(workerID id.WorkerID) RunnerOption {
	return func(r *Runner) { r.workerID = workerID }
}

// WithDefaultMaxRetries sets the retry budget for chained jobs whose
// step does not override it.
func WithDefaultMaxRetries(n int) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

// WithRunnerClock overrides the time source (tests).
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner.
func NewRunner(
	jobs job.Store,
	workflows *workflow.Registry,
	subscribers subscriber.Store,
	q queue.Queue,
	dispatcher *send.Dispatcher,
	aggregator *digest.Aggregator,
	delays *delay.Calculator,
	dlqService *dlq.Service,
	recorder *execution.Recorder,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...RunnerOption,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		jobs:        jobs,
		workflows:   workflows,
		subscribers: subscribers,
		queue:       q,
		dispatcher:  dispatcher,
		aggregator:  aggregator,
		delays:      delays,
		dlqService:  dlqService,
		recorder:    recorder,
		extensions:  extensions,
		logger:      logger,
		backoff:     backoff.DefaultStrategy(),
		mw:          middleware.Chain(),
		workerID:    id.NewWorkerID(),
		maxRetries:  3,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WorkerID returns the runner's worker identity.
func (r *Runner) WorkerID() id.WorkerID { return r.workerID }

// Execute processes one queue message end to end.
func (r *Runner) Execute(ctx context.Context, msg queue.Message) error {
	j, err := r.jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, notify.ErrJobNotFound) {
			// The job vanished; nothing to execute.
			r.logger.Warn("queue message references missing job",
				slog.String("job_id", msg.JobID.String()))
			return nil
		}
		return err
	}

	// Re-delivered messages for finished jobs are no-ops.
	if j.Terminal() {
		return nil
	}

	w, ok := r.workflows.GetByID(j.WorkflowID)
	if !ok {
		return r.failPermanently(ctx, j, fmt.Errorf("%w: %s", notify.ErrWorkflowNotFound, j.WorkflowID))
	}
	step, ok := w.StepByID(j.StepID)
	if !ok {
		return r.failPermanently(ctx, j, fmt.Errorf("workflow %s has no step %s", w.Name, j.StepID))
	}

	var res stepResult
	terminal := func(ctx context.Context) error {
		return r.runStep(ctx, j, w, step, &res)
	}

	start := r.now()
	execErr := r.mw(ctx, j, terminal)
	elapsed := r.now().Sub(start)

	if execErr != nil {
		return r.handleFailure(ctx, j, w, step, execErr)
	}
	if res.parked {
		return nil
	}
	return r.handleSuccess(ctx, j, w, step, &res, elapsed)
}

// runStep executes one workflow step. It owns the transitions into
// running; parked outcomes leave the job delayed.
func (r *Runner) runStep(ctx context.Context, j *job.Job, w *workflow.Workflow, step *workflow.Step, res *stepResult) error {
	switch step.Kind {
	case workflow.StepDigest:
		return r.runDigestWake(ctx, j, res)
	case workflow.StepDelay:
		return r.runDelay(ctx, j, step, res)
	case workflow.StepChannel:
		return r.runChannel(ctx, j, step)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// runDigestWake handles the close-time message for a digest window.
// All decisions happen under the window lock so a concurrent trigger
// either merges before close or opens a fresh window after it.
func (r *Runner) runDigestWake(ctx context.Context, j *job.Job, res *stepResult) error {
	if j.Digest == nil {
		return fmt.Errorf("digest step job %s has no window state", j.ID)
	}

	held, err := r.aggregator.AcquireWindow(ctx, j)
	if err != nil {
		return err
	}
	defer r.aggregator.ReleaseWindow(context.WithoutCancel(ctx), held)

	// Reload under the lock: merges may have extended the close time
	// since this message was enqueued.
	fresh, err := r.jobs.GetJob(ctx, j.ID)
	if err != nil {
		return err
	}
	if fresh.Terminal() {
		res.parked = true
		return nil
	}
	*j = *fresh

	now := r.now()
	if now.Before(j.Digest.CloseAt) {
		// Early wake: the close moved forward, so re-park until then.
		res.parked = true
		return r.aggregator.Reschedule(ctx, j)
	}

	if err := r.markRunning(ctx, j); err != nil {
		return err
	}

	events := j.Digest.EventsCount
	r.recorder.Success(ctx, j.ID, j.EnvironmentID, execution.SourceDigest,
		fmt.Sprintf("digest window closed with %d event(s)", events),
		execution.WithStepType(string(workflow.StepDigest)),
	)
	r.extensions.EmitDigestWindowClosed(ctx, j, events)

	composed, err := composeDigestPayload(j.Digest)
	if err != nil {
		return err
	}
	res.nextPayload = composed
	return nil
}

// runDelay parks the chain on first arrival and resumes it once the
// wake time passes.
func (r *Runner) runDelay(ctx context.Context, j *job.Job, step *workflow.Step, res *stepResult) error {
	now := r.now()

	if j.Delay == nil {
		until, err := r.delays.WakeTime(step.Delay, j.Payload)
		if err != nil {
			return err
		}
		j.Delay = &job.DelayMeta{Until: until}
		j.RunAt = until

		if err := r.transition(ctx, j, job.StatusDelayed, "delay step parked"); err != nil {
			return err
		}
		if err := r.jobs.UpdateJob(ctx, j); err != nil {
			return err
		}
		if err := r.queue.Enqueue(ctx, queue.Message{
			JobID:         j.ID,
			EnvironmentID: j.EnvironmentID,
			Queue:         j.Queue,
			DelayUntil:    until,
		}); err != nil {
			return err
		}

		r.recorder.Record(ctx, j.ID, j.EnvironmentID, execution.SourceRunner, execution.StatusPending,
			fmt.Sprintf("delayed until %s", until.Format(time.RFC3339)),
			execution.WithStepType(string(workflow.StepDelay)),
		)
		res.parked = true
		return nil
	}

	if now.Before(j.Delay.Until) {
		// Early wake; put the message back without touching the job.
		res.parked = true
		return r.queue.Enqueue(ctx, queue.Message{
			JobID:         j.ID,
			EnvironmentID: j.EnvironmentID,
			Queue:         j.Queue,
			DelayUntil:    j.Delay.Until,
		})
	}

	if err := r.markRunning(ctx, j); err != nil {
		return err
	}
	r.recorder.Success(ctx, j.ID, j.EnvironmentID, execution.SourceRunner,
		"delay elapsed",
		execution.WithStepType(string(workflow.StepDelay)),
	)
	return nil
}

// runChannel renders and sends the step's message.
func (r *Runner) runChannel(ctx context.Context, j *job.Job, step *workflow.Step) error {
	if err := r.markRunning(ctx, j); err != nil {
		return err
	}

	sub, err := r.subscribers.GetSubscriber(ctx, j.SubscriberID)
	if err != nil {
		return err
	}

	outcome, err := r.dispatcher.Dispatch(ctx, j, step, sub, j.Payload)
	if err != nil {
		r.extensions.EmitMessageFailed(ctx, j, step.Channel, err)
		return err
	}
	if outcome.Status == send.StatusSent {
		r.extensions.EmitMessageSent(ctx, j, step.Channel, outcome.Receipts)
	}
	return nil
}

// handleSuccess completes the job and chains the next workflow step.
func (r *Runner) handleSuccess(ctx context.Context, j *job.Job, w *workflow.Workflow, step *workflow.Step, res *stepResult, elapsed time.Duration) error {
	now := r.now()
	j.CompletedAt = &now
	if err := r.transition(ctx, j, job.StatusCompleted, ""); err != nil {
		return err
	}
	if err := r.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}
	r.extensions.EmitJobCompleted(ctx, j, elapsed)

	next := w.NextStep(step.ID)
	if next == nil {
		return nil
	}

	payload := j.Payload
	if res.nextPayload != nil {
		payload = res.nextPayload
	}
	return r.chainNext(ctx, j, next, payload)
}

// chainNext creates and routes the job for the next step in the chain.
func (r *Runner) chainNext(ctx context.Context, j *job.Job, next *workflow.Step, payload json.RawMessage) error {
	budget := next.MaxRetries
	if budget == 0 {
		budget = r.maxRetries
	}

	nj := &job.Job{
		Entity:         notify.NewEntity(),
		ID:             id.NewJobID(),
		EnvironmentID:  j.EnvironmentID,
		OrganizationID: j.OrganizationID,
		WorkflowID:     j.WorkflowID,
		StepID:         next.ID,
		SubscriberID:   j.SubscriberID,
		TriggerID:      j.TriggerID,
		ParentID:       j.ID,
		Queue:          j.Queue,
		Payload:        payload,
		Overrides:      j.Overrides,
		Status:         job.StatusPending,
		MaxRetries:     budget,
		RunAt:          r.now(),
	}
	if err := r.jobs.CreateJob(ctx, nj); err != nil {
		return err
	}
	r.extensions.EmitJobCreated(ctx, nj)

	return r.Route(ctx, nj, next)
}

// Route hands a freshly created pending job to its step's scheduling
// path: digest steps go through the aggregator, everything else is
// queued immediately. The engine uses this for a trigger's first step;
// the runner uses it for chained steps.
func (r *Runner) Route(ctx context.Context, j *job.Job, step *workflow.Step) error {
	if step.Kind == workflow.StepDigest {
		result, err := r.aggregator.Add(ctx, j, step.Digest)
		if err != nil {
			return err
		}
		switch result {
		case digest.ResultCreated:
			r.extensions.EmitDigestWindowOpened(ctx, j)
		case digest.ResultMerged:
			r.extensions.EmitJobMerged(ctx, j, j.StatusReason)
		}
		return nil
	}

	if err := r.jobs.UpdateJobStatus(ctx, j.ID, job.StatusQueued, ""); err != nil {
		return err
	}
	j.Status = job.StatusQueued

	msg := queue.Message{
		JobID:         j.ID,
		EnvironmentID: j.EnvironmentID,
		Queue:         j.Queue,
	}
	// A future run-at delays delivery; delay steps park themselves on
	// first execution instead.
	if j.RunAt.After(r.now()) {
		msg.DelayUntil = j.RunAt
	}
	return r.queue.Enqueue(ctx, msg)
}

// retryable reports whether an execution error warrants another
// attempt. Provider failures and lock contention are transient; scope
// violations, filter errors, and missing senders never heal.
func retryable(err error) bool {
	return errors.Is(err, notify.ErrChannelDispatch) ||
		errors.Is(err, notify.ErrLockTimeout) ||
		errors.Is(err, notify.ErrLockBusy)
}

// handleFailure classifies the error and either schedules a retry or
// moves the job to the DLQ. A terminally failed channel step still
// chains the next step: one channel's failure must not silence its
// siblings.
func (r *Runner) handleFailure(ctx context.Context, j *job.Job, w *workflow.Workflow, step *workflow.Step, execErr error) error {
	j.RetryCount++
	j.LastError = execErr.Error()

	if retryable(execErr) && j.RetryCount <= j.MaxRetries {
		return r.scheduleRetry(ctx, j, execErr)
	}
	if err := r.sendToDLQ(ctx, j, execErr); err != nil {
		return err
	}

	if step.Kind == workflow.StepChannel {
		if next := w.NextStep(step.ID); next != nil {
			if err := r.chainNext(ctx, j, next, j.Payload); err != nil {
				return err
			}
		}
	}
	return execErr
}

// failPermanently short-circuits a job whose configuration can never
// execute (missing workflow or step).
func (r *Runner) failPermanently(ctx context.Context, j *job.Job, cause error) error {
	j.LastError = cause.Error()
	if err := r.sendToDLQ(ctx, j, cause); err != nil {
		return err
	}
	return cause
}

// scheduleRetry re-queues the job with a backoff delay.
func (r *Runner) scheduleRetry(ctx context.Context, j *job.Job, execErr error) error {
	nextRunAt := r.now().Add(r.backoff.Delay(j.RetryCount))
	j.RunAt = nextRunAt

	if err := r.markFailed(ctx, j, "retry scheduled"); err != nil {
		return err
	}
	if err := r.transition(ctx, j, job.StatusQueued, "retry scheduled"); err != nil {
		return err
	}
	if err := r.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}
	if err := r.queue.Enqueue(ctx, queue.Message{
		JobID:         j.ID,
		EnvironmentID: j.EnvironmentID,
		Queue:         j.Queue,
		DelayUntil:    nextRunAt,
	}); err != nil {
		return err
	}

	r.recorder.Record(ctx, j.ID, j.EnvironmentID, execution.SourceRunner, execution.StatusWarning,
		fmt.Sprintf("attempt %d/%d failed, retrying at %s: %s",
			j.RetryCount, j.MaxRetries, nextRunAt.Format(time.RFC3339), execErr),
	)
	r.extensions.EmitJobRetrying(ctx, j, j.RetryCount, nextRunAt)

	r.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.RetryCount),
		slog.Int("max_retries", j.MaxRetries),
		slog.Time("next_run_at", nextRunAt),
	)
	return execErr
}

// sendToDLQ marks the job failed and moves it to the dead letter queue.
// It returns nil once the job is parked; the execution error itself is
// the caller's to propagate.
func (r *Runner) sendToDLQ(ctx context.Context, j *job.Job, execErr error) error {
	attempts := j.RetryCount

	// A permanent failure consumes the remaining retry budget so the
	// persisted job stays terminal across at-least-once redelivery.
	if j.RetryCount < j.MaxRetries {
		j.RetryCount = j.MaxRetries
	}

	if err := r.markFailed(ctx, j, execErr.Error()); err != nil {
		return err
	}
	if err := r.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}

	if r.dlqService != nil {
		if dlqErr := r.dlqService.Push(ctx, j, execErr); dlqErr != nil {
			r.logger.Error("failed to push job to DLQ",
				slog.String("job_id", j.ID.String()),
				slog.String("error", dlqErr.Error()),
			)
		}
	}

	r.recorder.Failure(ctx, j.ID, j.EnvironmentID, execution.SourceRunner,
		fmt.Sprintf("failed after %d attempt(s): %s", attempts, execErr),
	)
	r.extensions.EmitJobFailed(ctx, j, execErr)
	r.extensions.EmitJobDLQ(ctx, j, execErr)

	r.logger.Warn("job moved to DLQ",
		slog.String("job_id", j.ID.String()),
		slog.Int("attempts", attempts),
		slog.String("error", execErr.Error()),
	)
	return nil
}

// markRunning transitions a job into running, walking through queued
// for parked jobs, and stamps the worker identity.
func (r *Runner) markRunning(ctx context.Context, j *job.Job) error {
	if j.Status == job.StatusDelayed || j.Status == job.StatusPending {
		if err := r.transition(ctx, j, job.StatusQueued, ""); err != nil {
			return err
		}
	}
	if err := r.transition(ctx, j, job.StatusRunning, ""); err != nil {
		return err
	}

	now := r.now()
	j.StartedAt = &now
	j.WorkerID = r.workerID
	if err := r.jobs.UpdateJob(ctx, j); err != nil {
		return err
	}
	r.extensions.EmitJobStarted(ctx, j)
	return nil
}

// markFailed walks the job to failed along legal edges from wherever
// it currently sits.
func (r *Runner) markFailed(ctx context.Context, j *job.Job, reason string) error {
	if j.Status == job.StatusDelayed || j.Status == job.StatusPending {
		if err := r.transition(ctx, j, job.StatusQueued, ""); err != nil {
			return err
		}
	}
	if j.Status == job.StatusQueued {
		if err := r.transition(ctx, j, job.StatusRunning, ""); err != nil {
			return err
		}
	}
	if j.Status == job.StatusFailed {
		return nil
	}
	return r.transition(ctx, j, job.StatusFailed, reason)
}

// transition updates the job's status through the store's state
// machine and mirrors it locally.
func (r *Runner) transition(ctx context.Context, j *job.Job, status job.Status, reason string) error {
	if err := r.jobs.UpdateJobStatus(ctx, j.ID, status, reason); err != nil {
		return err
	}
	j.Status = status
	j.StatusReason = reason
	return nil
}

// digestPayload is the composed payload handed to the step after a
// digest: the accumulated events plus their count.
type digestPayload struct {
	Events      []json.RawMessage `json:"events"`
	EventsCount int               `json:"events_count"`
}

func composeDigestPayload(meta *job.DigestMeta) (json.RawMessage, error) {
	data, err := json.Marshal(digestPayload{
		Events:      meta.Events,
		EventsCount: meta.EventsCount,
	})
	if err != nil {
		return nil, fmt.Errorf("compose digest payload: %w", err)
	}
	return data, nil
}
