// Package send turns a channel step into provider deliveries: filter
// evaluation, preference check, content rendering, and the Sender call,
// with one execution detail per decision.
package send

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/notify"
	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/match"
	"github.com/xraph/notify/subscriber"
	"github.com/xraph/notify/workflow"
)

// Status classifies what Dispatch did with a step.
type Status string

const (
	// StatusSent means at least one target accepted the message.
	StatusSent Status = "sent"
	// StatusSkipped means filters, preferences, or a missing target kept
	// the step from sending. Not a failure.
	StatusSkipped Status = "skipped"
)

// Outcome is the result of dispatching one channel step.
type Outcome struct {
	Status    Status
	Reason    string
	MessageID id.MessageID
	Receipts  []*channel.Receipt
}

// Dispatcher executes channel steps. It owns no job state; the runner
// maps its outcomes and errors onto job transitions.
type Dispatcher struct {
	registry *channel.Registry
	renderer channel.Renderer
	matcher  *match.Matcher
	prefs    subscriber.PreferenceSource
	recorder *execution.Recorder
	logger   *slog.Logger

	sendTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRenderer overrides the content renderer.
func WithRenderer(r channel.Renderer) Option {
	return func(d *Dispatcher) { d.renderer = r }
}

// WithPreferenceSource sets the subscriber preference lookup.
func WithPreferenceSource(p subscriber.PreferenceSource) Option {
	return func(d *Dispatcher) { d.prefs = p }
}

// WithSendTimeout bounds each provider Send call.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.sendTimeout = timeout }
}

// NewDispatcher creates a Dispatcher over the given sender registry.
func NewDispatcher(registry *channel.Registry, recorder *execution.Recorder, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		registry:    registry,
		renderer:    channel.NewTemplateRenderer(),
		matcher:     match.New(),
		prefs:       subscriber.AllowAll{},
		recorder:    recorder,
		logger:      logger,
		sendTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes one channel step for one subscriber. payload is the
// content-rendering input (the trigger payload, or the digest-composed
// payload for steps after a digest).
//
// A skip (failed filter, declined preference, missing target) returns a
// skipped Outcome and nil error. A failure returns an error: provider
// and timeout failures wrap notify.ErrChannelDispatch (retryable);
// missing senders wrap notify.ErrNoSender and malformed filters wrap
// notify.ErrFilterEvaluation (both permanent).
func (d *Dispatcher) Dispatch(ctx context.Context, j *job.Job, step *workflow.Step, sub *subscriber.Subscriber, payload []byte) (*Outcome, error) {
	res, err := d.matcher.Evaluate(step, payload, sub)
	if err != nil {
		d.recorder.Failure(ctx, j.ID, j.EnvironmentID, execution.SourceMatcher, err.Error(),
			execution.WithStepType(string(step.Channel)))
		return nil, err
	}
	if !res.Passed {
		reason := "filter did not match"
		if res.Reason != "" {
			reason = res.Reason
		}
		d.recorder.Skipped(ctx, j.ID, j.EnvironmentID, execution.SourceMatcher, reason,
			execution.WithStepType(string(step.Channel)))
		return &Outcome{Status: StatusSkipped, Reason: reason}, nil
	}

	allowed, err := d.prefs.GetPreference(ctx, sub.ID, j.WorkflowID, step.Channel)
	if err != nil {
		return nil, fmt.Errorf("send: preference lookup for %s: %w", sub.ID, err)
	}
	if !allowed {
		reason := fmt.Sprintf("subscriber disabled %s notifications", step.Channel)
		d.recorder.Skipped(ctx, j.ID, j.EnvironmentID, execution.SourceDispatcher, reason,
			execution.WithStepType(string(step.Channel)))
		return &Outcome{Status: StatusSkipped, Reason: reason}, nil
	}

	targets := targetsFor(sub, step.Channel)
	if len(targets) == 0 {
		reason := fmt.Sprintf("subscriber has no %s target", step.Channel)
		d.recorder.Skipped(ctx, j.ID, j.EnvironmentID, execution.SourceDispatcher, reason,
			execution.WithStepType(string(step.Channel)))
		return &Outcome{Status: StatusSkipped, Reason: reason}, nil
	}

	sender, ok := d.registry.Get(step.Channel)
	if !ok {
		err := fmt.Errorf("%w: %s", notify.ErrNoSender, step.Channel)
		d.recorder.Failure(ctx, j.ID, j.EnvironmentID, execution.SourceDispatcher, err.Error(),
			execution.WithStepType(string(step.Channel)))
		return nil, err
	}

	subject, body, err := d.renderer.Render(step.Subject, step.Body, payload)
	if err != nil {
		d.recorder.Failure(ctx, j.ID, j.EnvironmentID, execution.SourceDispatcher, err.Error(),
			execution.WithStepType(string(step.Channel)))
		return nil, err
	}

	msg := &channel.Message{
		ID:        id.NewMessageID(),
		JobID:     j.ID,
		Kind:      step.Channel,
		Subject:   subject,
		Body:      body,
		Overrides: j.Overrides,
	}

	receipts, err := d.send(ctx, sender, msg, targets)
	if err != nil {
		d.recorder.Failure(ctx, j.ID, j.EnvironmentID, execution.SourceDispatcher, err.Error(),
			execution.WithStepType(string(step.Channel)))
		return nil, err
	}

	d.recorder.Success(ctx, j.ID, j.EnvironmentID, execution.SourceDispatcher,
		fmt.Sprintf("%s message sent to %d target(s)", step.Channel, len(receipts)),
		execution.WithStepType(string(step.Channel)),
		execution.WithProvider(providerMeta(receipts)),
	)

	d.logger.Debug("message dispatched",
		slog.String("job_id", j.ID.String()),
		slog.String("channel", string(step.Channel)),
		slog.String("message_id", msg.ID.String()),
		slog.Int("targets", len(targets)),
	)

	return &Outcome{Status: StatusSent, MessageID: msg.ID, Receipts: receipts}, nil
}

// send fans out across the subscriber's targets (a push subscriber may
// hold several device tokens). One accepted target counts as sent; the
// call fails only when every target fails.
func (d *Dispatcher) send(ctx context.Context, sender channel.Sender, msg *channel.Message, targets []string) ([]*channel.Receipt, error) {
	var (
		mu       sync.Mutex
		receipts []*channel.Receipt
		lastErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, d.sendTimeout)
			defer cancel()

			receipt, err := sender.Send(sendCtx, msg, target)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				d.logger.Warn("provider send failed",
					slog.String("message_id", msg.ID.String()),
					slog.String("channel", string(msg.Kind)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			receipts = append(receipts, receipt)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", notify.ErrChannelDispatch, err)
	}

	if len(receipts) == 0 {
		return nil, fmt.Errorf("%w: all %d target(s) failed: %v", notify.ErrChannelDispatch, len(targets), lastErr)
	}
	return receipts, nil
}

// targetsFor returns every delivery address the subscriber has for the
// channel. Push expands to all device tokens; other channels have at
// most one target.
func targetsFor(sub *subscriber.Subscriber, kind channel.Kind) []string {
	if kind == channel.KindPush {
		return sub.DeviceTokens
	}
	if target := sub.Target(kind); target != "" {
		return []string{target}
	}
	return nil
}

func providerMeta(receipts []*channel.Receipt) map[string]string {
	meta := make(map[string]string, len(receipts))
	for i, r := range receipts {
		if r != nil && r.ProviderID != "" {
			meta[fmt.Sprintf("provider_id_%d", i)] = r.ProviderID
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
