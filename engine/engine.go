// Package engine wires all notify subsystems together: stores, queue,
// locks, the digest aggregator, the channel dispatcher, middleware, and
// the worker pool. It provides the Trigger and CancelJob operations.
//
// This package exists to break the import cycle: the root notify
// package defines Entity (imported by job, workflow, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/notify"
	"github.com/xraph/notify/backoff"
	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/delay"
	"github.com/xraph/notify/digest"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/ext"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/lock"
	mw "github.com/xraph/notify/middleware"
	"github.com/xraph/notify/observability"
	"github.com/xraph/notify/queue"
	"github.com/xraph/notify/scope"
	"github.com/xraph/notify/send"
	"github.com/xraph/notify/subscriber"
	"github.com/xraph/notify/worker"
	"github.com/xraph/notify/workflow"
)

// Engine wraps a Notifier with fully wired subsystems. Use Build() to
// create one.
type Engine struct {
	n          *notify.Notifier
	extensions *ext.Registry
	workflows  *workflow.Registry
	channels   *channel.Registry

	jobStore   job.Store
	subStore   subscriber.Store
	recorder   *execution.Recorder
	dlqService *dlq.Service

	queue      queue.Queue
	locks      lock.Client
	aggregator *digest.Aggregator
	dispatcher *send.Dispatcher
	runner     *worker.Runner
	pool       *worker.Pool

	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger
	maxRetries int

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// Dispatcher extras.
	renderer channel.Renderer
	prefs    subscriber.PreferenceSource

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry backoff strategy. If not set,
// backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithDefaultMaxRetries sets the retry budget for jobs whose step does
// not override it. Defaults to 3.
func WithDefaultMaxRetries(n int) Option {
	return func(eng *Engine) { eng.maxRetries = n }
}

// WithQueue sets the durable queue backend. Defaults to the in-process
// queue; pass queue.NewRedis for multi-worker deployments.
func WithQueue(q queue.Queue) Option {
	return func(eng *Engine) { eng.queue = q }
}

// WithLockClient sets the distributed lock backend. Defaults to the
// in-process client; pass lock.NewRedis for multi-worker deployments.
func WithLockClient(c lock.Client) Option {
	return func(eng *Engine) { eng.locks = c }
}

// WithChannel registers a sender for a channel kind.
func WithChannel(kind channel.Kind, s channel.Sender) Option {
	return func(eng *Engine) { eng.channels.Register(kind, s) }
}

// WithRenderer overrides the content renderer.
func WithRenderer(r channel.Renderer) Option {
	return func(eng *Engine) { eng.renderer = r }
}

// WithPreferenceSource sets the subscriber preference lookup. The
// default allows every channel.
func WithPreferenceSource(p subscriber.PreferenceSource) Option {
	return func(eng *Engine) { eng.prefs = p }
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set,
// the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for both the
// metrics middleware and the observability extension. If not set, the
// global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build creates an Engine from an existing Notifier. The Notifier's
// store must implement the job, execution, subscriber, and dlq store
// interfaces; store.Open returns backends that implement all of them.
func Build(n *notify.Notifier, opts ...Option) (*Engine, error) {
	logger := n.Logger()
	storer := n.Store()

	if storer == nil {
		return nil, notify.ErrNoStore
	}

	js, ok := storer.(job.Store)
	if !ok {
		return nil, fmt.Errorf("notify: store does not implement job.Store")
	}
	es, ok := storer.(execution.Store)
	if !ok {
		return nil, fmt.Errorf("notify: store does not implement execution.Store")
	}
	ss, ok := storer.(subscriber.Store)
	if !ok {
		return nil, fmt.Errorf("notify: store does not implement subscriber.Store")
	}
	ds, ok := storer.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("notify: store does not implement dlq.Store")
	}

	eng := &Engine{
		n:          n,
		extensions: ext.NewRegistry(logger),
		workflows:  workflow.NewRegistry(),
		channels:   channel.NewRegistry(),
		jobStore:   js,
		subStore:   ss,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	config := n.Config()

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.maxRetries == 0 {
		eng.maxRetries = 3
	}
	if eng.queue == nil {
		eng.queue = queue.NewMemory()
	}
	if eng.locks == nil {
		eng.locks = lock.NewMemory(lock.WithMemoryWaitTimeout(config.LockWaitTimeout))
	}

	eng.recorder = execution.NewRecorder(es, logger)
	eng.dlqService = dlq.NewService(ds, js, eng.queue)

	dispatchOpts := []send.Option{send.WithSendTimeout(config.DispatchTimeout)}
	if eng.renderer != nil {
		dispatchOpts = append(dispatchOpts, send.WithRenderer(eng.renderer))
	}
	if eng.prefs != nil {
		dispatchOpts = append(dispatchOpts, send.WithPreferenceSource(eng.prefs))
	}
	eng.dispatcher = send.NewDispatcher(eng.channels, eng.recorder, logger, dispatchOpts...)

	eng.aggregator = digest.NewAggregator(js, eng.locks, eng.queue, eng.recorder, logger,
		digest.WithLockTTL(config.LockTTL))

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/notify"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/notify"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	var obsErr error
	if eng.meterProvider != nil {
		obsExt, obsErr = observability.NewMetricsExtensionWithMeter(
			eng.meterProvider.Meter("github.com/xraph/notify/observability"))
	} else {
		obsExt, obsErr = observability.NewMetricsExtension()
	}
	if obsErr != nil {
		return nil, fmt.Errorf("notify: build observability extension: %w", obsErr)
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging →
	// scope → timeout, then user middleware.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Scope(),
		mw.Timeout(config.DispatchTimeout),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	eng.runner = worker.NewRunner(
		js, eng.workflows, ss, eng.queue,
		eng.dispatcher, eng.aggregator,
		delay.New(delay.WithRetryStrategy(eng.bo)),
		eng.dlqService, eng.recorder, eng.extensions, logger,
		worker.WithBackoff(eng.bo),
		worker.WithMiddleware(allMws...),
		worker.WithDefaultMaxRetries(eng.maxRetries),
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithStaleJobThreshold(config.StaleJobThreshold),
	}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	eng.pool = worker.NewPool(eng.queue, eng.runner, js, logger, poolOpts...)

	// Wire back into the Notifier.
	n.SetPool(eng.pool)
	n.SetExtensions(eng.extensions)

	return eng, nil
}

// RegisterWorkflow registers a workflow template. Missing workflow and
// step IDs are assigned by the registry.
func (eng *Engine) RegisterWorkflow(w *workflow.Workflow) error {
	return eng.workflows.Register(w)
}

// Trigger is one workflow trigger event: a named workflow, the target
// subscribers, and the event payload fanned out to each of them.
type Trigger struct {
	// Workflow names the registered workflow to run.
	Workflow string

	// Subscribers are the recipients; one job chain is created per
	// subscriber.
	Subscribers []id.SubscriberID

	// Payload is the event's structured data.
	Payload json.RawMessage

	// Overrides carries channel-specific options to the senders.
	Overrides json.RawMessage

	// Queue overrides the queue the chain travels on. Empty means
	// "default".
	Queue string

	// EnvironmentID scopes the trigger when the context carries no
	// ambient scope.
	EnvironmentID string
}

// TriggerResult reports what a trigger produced.
type TriggerResult struct {
	// TriggerID identifies the trigger transaction across all fanned
	// out jobs.
	TriggerID id.TriggerID

	// Jobs are the first-step jobs, one per subscriber, in subscriber
	// order.
	Jobs []*job.Job
}

// Trigger fans a workflow event out to its subscribers: for each
// subscriber it creates a job for the workflow's first step and routes
// it (digest steps go through the aggregator, everything else is
// queued).
func (eng *Engine) Trigger(ctx context.Context, t Trigger) (*TriggerResult, error) {
	w, ok := eng.workflows.GetByName(t.Workflow)
	if !ok {
		return nil, fmt.Errorf("%w: %q", notify.ErrWorkflowNotFound, t.Workflow)
	}
	if !w.Active {
		return nil, fmt.Errorf("%w: %q", notify.ErrWorkflowInactive, t.Workflow)
	}
	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("notify: workflow %q has no steps", t.Workflow)
	}
	if len(t.Subscribers) == 0 {
		return nil, fmt.Errorf("notify: trigger for %q names no subscribers", t.Workflow)
	}

	environmentID, organizationID := scope.Capture(ctx)
	if environmentID == "" {
		environmentID = t.EnvironmentID
	}
	if environmentID == "" {
		return nil, fmt.Errorf("notify: trigger for %q has no environment", t.Workflow)
	}

	queueName := t.Queue
	if queueName == "" {
		queueName = "default"
	}

	first := &w.Steps[0]
	budget := first.MaxRetries
	if budget == 0 {
		budget = eng.maxRetries
	}

	triggerID := id.NewTriggerID()
	now := time.Now().UTC()

	jobs := make([]*job.Job, len(t.Subscribers))
	g, gctx := errgroup.WithContext(ctx)
	for i, subID := range t.Subscribers {
		g.Go(func() error {
			j := &job.Job{
				Entity:         notify.NewEntity(),
				ID:             id.NewJobID(),
				EnvironmentID:  environmentID,
				OrganizationID: organizationID,
				WorkflowID:     w.ID,
				StepID:         first.ID,
				SubscriberID:   subID,
				TriggerID:      triggerID,
				Queue:          queueName,
				Payload:        t.Payload,
				Overrides:      t.Overrides,
				Status:         job.StatusPending,
				MaxRetries:     budget,
				RunAt:          now,
			}
			if err := eng.jobStore.CreateJob(gctx, j); err != nil {
				return fmt.Errorf("create job for subscriber %s: %w", subID, err)
			}
			eng.extensions.EmitJobCreated(gctx, j)

			if err := eng.runner.Route(gctx, j, first); err != nil {
				return fmt.Errorf("route job for subscriber %s: %w", subID, err)
			}
			jobs[i] = j
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	eng.logger.Info("workflow triggered",
		slog.String("workflow", w.Name),
		slog.String("trigger_id", triggerID.String()),
		slog.Int("subscribers", len(t.Subscribers)),
	)

	return &TriggerResult{TriggerID: triggerID, Jobs: jobs}, nil
}

// CancelJob cancels a job that has not finished. Cancelling an already
// cancelled job is a no-op; other terminal statuses return
// ErrInvalidTransition.
func (eng *Engine) CancelJob(ctx context.Context, jobID id.JobID) error {
	j, err := eng.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == job.StatusCancelled {
		return nil
	}

	if err := eng.jobStore.UpdateJobStatus(ctx, jobID, job.StatusCancelled, "cancelled"); err != nil {
		return err
	}
	eng.recorder.Record(ctx, jobID, j.EnvironmentID, execution.SourceRunner, execution.StatusCancelled,
		"job cancelled")
	return nil
}

// Start begins queue consumption.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.n.Start(ctx)
}

// Stop gracefully shuts down the engine within the configured shutdown
// timeout.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.n.Config().ShutdownTimeout)
		defer cancel()
	}
	return eng.n.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Workflows returns the workflow registry.
func (eng *Engine) Workflows() *workflow.Registry { return eng.workflows }

// Notifier returns the underlying Notifier.
func (eng *Engine) Notifier() *notify.Notifier { return eng.n }

// DLQService returns the engine's DLQ service for replay and
// inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlqService }

// JobStore returns the job store for direct queries.
func (eng *Engine) JobStore() job.Store { return eng.jobStore }

// SubscriberStore returns the subscriber store.
func (eng *Engine) SubscriberStore() subscriber.Store { return eng.subStore }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// WorkerID returns the identity of this engine's worker pool.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }
