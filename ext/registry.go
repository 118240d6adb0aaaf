package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobCreatedEntry struct {
	name string
	hook JobCreated
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobMergedEntry struct {
	name string
	hook JobMerged
}

type jobDLQEntry struct {
	name string
	hook JobDLQ
}

type digestOpenedEntry struct {
	name string
	hook DigestWindowOpened
}

type digestClosedEntry struct {
	name string
	hook DigestWindowClosed
}

type messageSentEntry struct {
	name string
	hook MessageSent
}

type messageFailedEntry struct {
	name string
	hook MessageFailed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobCreated    []jobCreatedEntry
	jobStarted    []jobStartedEntry
	jobCompleted  []jobCompletedEntry
	jobFailed     []jobFailedEntry
	jobRetrying   []jobRetryingEntry
	jobMerged     []jobMergedEntry
	jobDLQ        []jobDLQEntry
	digestOpened  []digestOpenedEntry
	digestClosed  []digestClosedEntry
	messageSent   []messageSentEntry
	messageFailed []messageFailedEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobCreated); ok {
		r.jobCreated = append(r.jobCreated, jobCreatedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobMerged); ok {
		r.jobMerged = append(r.jobMerged, jobMergedEntry{name, h})
	}
	if h, ok := e.(JobDLQ); ok {
		r.jobDLQ = append(r.jobDLQ, jobDLQEntry{name, h})
	}
	if h, ok := e.(DigestWindowOpened); ok {
		r.digestOpened = append(r.digestOpened, digestOpenedEntry{name, h})
	}
	if h, ok := e.(DigestWindowClosed); ok {
		r.digestClosed = append(r.digestClosed, digestClosedEntry{name, h})
	}
	if h, ok := e.(MessageSent); ok {
		r.messageSent = append(r.messageSent, messageSentEntry{name, h})
	}
	if h, ok := e.(MessageFailed); ok {
		r.messageFailed = append(r.messageFailed, messageFailedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitJobCreated notifies all extensions that implement JobCreated.
func (r *Registry) EmitJobCreated(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCreated {
		if err := e.hook.OnJobCreated(ctx, j); err != nil {
			r.logHookError("OnJobCreated", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		if err := e.hook.OnJobRetrying(ctx, j, attempt, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobMerged notifies all extensions that implement JobMerged.
func (r *Registry) EmitJobMerged(ctx context.Context, j *job.Job, activeJobID string) {
	for _, e := range r.jobMerged {
		if err := e.hook.OnJobMerged(ctx, j, activeJobID); err != nil {
			r.logHookError("OnJobMerged", e.name, err)
		}
	}
}

// EmitJobDLQ notifies all extensions that implement JobDLQ.
func (r *Registry) EmitJobDLQ(ctx context.Context, j *job.Job, jobErr error) {
	for _, e := range r.jobDLQ {
		if err := e.hook.OnJobDLQ(ctx, j, jobErr); err != nil {
			r.logHookError("OnJobDLQ", e.name, err)
		}
	}
}

// EmitDigestWindowOpened notifies all extensions that implement DigestWindowOpened.
func (r *Registry) EmitDigestWindowOpened(ctx context.Context, j *job.Job) {
	for _, e := range r.digestOpened {
		if err := e.hook.OnDigestWindowOpened(ctx, j); err != nil {
			r.logHookError("OnDigestWindowOpened", e.name, err)
		}
	}
}

// EmitDigestWindowClosed notifies all extensions that implement DigestWindowClosed.
func (r *Registry) EmitDigestWindowClosed(ctx context.Context, j *job.Job, events int) {
	for _, e := range r.digestClosed {
		if err := e.hook.OnDigestWindowClosed(ctx, j, events); err != nil {
			r.logHookError("OnDigestWindowClosed", e.name, err)
		}
	}
}

// EmitMessageSent notifies all extensions that implement MessageSent.
func (r *Registry) EmitMessageSent(ctx context.Context, j *job.Job, kind channel.Kind, receipts []*channel.Receipt) {
	for _, e := range r.messageSent {
		if err := e.hook.OnMessageSent(ctx, j, kind, receipts); err != nil {
			r.logHookError("OnMessageSent", e.name, err)
		}
	}
}

// EmitMessageFailed notifies all extensions that implement MessageFailed.
func (r *Registry) EmitMessageFailed(ctx context.Context, j *job.Job, kind channel.Kind, sendErr error) {
	for _, e := range r.messageFailed {
		if err := e.hook.OnMessageFailed(ctx, j, kind, sendErr); err != nil {
			r.logHookError("OnMessageFailed", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block delivery.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
