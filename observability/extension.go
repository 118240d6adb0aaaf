package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/ext"
	"github.com/xraph/notify/job"
)

const meterName = "github.com/xraph/notify/observability"

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.JobCreated         = (*MetricsExtension)(nil)
	_ ext.JobCompleted       = (*MetricsExtension)(nil)
	_ ext.JobFailed          = (*MetricsExtension)(nil)
	_ ext.JobRetrying        = (*MetricsExtension)(nil)
	_ ext.JobMerged          = (*MetricsExtension)(nil)
	_ ext.JobDLQ             = (*MetricsExtension)(nil)
	_ ext.DigestWindowOpened = (*MetricsExtension)(nil)
	_ ext.DigestWindowClosed = (*MetricsExtension)(nil)
	_ ext.MessageSent        = (*MetricsExtension)(nil)
	_ ext.MessageFailed      = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle metrics through OpenTelemetry.
// Register it on the engine to track trigger rates, completion and
// failure counts, digest window activity, and per-channel delivery
// outcomes.
type MetricsExtension struct {
	jobsCreated   metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
	jobsRetried   metric.Int64Counter
	jobsMerged    metric.Int64Counter
	jobsDLQ       metric.Int64Counter

	windowsOpened metric.Int64Counter
	windowsClosed metric.Int64Counter
	windowEvents  metric.Int64Histogram

	messagesSent   metric.Int64Counter
	messagesFailed metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// meter provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use an sdk meter backed by a manual reader in tests.
func NewMetricsExtensionWithMeter(meter metric.Meter) (*MetricsExtension, error) {
	m := &MetricsExtension{}
	var err error

	if m.jobsCreated, err = meter.Int64Counter("notify.jobs.created",
		metric.WithDescription("Jobs created by triggers")); err != nil {
		return nil, err
	}
	if m.jobsCompleted, err = meter.Int64Counter("notify.jobs.completed",
		metric.WithDescription("Jobs completed successfully")); err != nil {
		return nil, err
	}
	if m.jobsFailed, err = meter.Int64Counter("notify.jobs.failed",
		metric.WithDescription("Jobs failed terminally")); err != nil {
		return nil, err
	}
	if m.jobsRetried, err = meter.Int64Counter("notify.jobs.retried",
		metric.WithDescription("Job retry attempts scheduled")); err != nil {
		return nil, err
	}
	if m.jobsMerged, err = meter.Int64Counter("notify.jobs.merged",
		metric.WithDescription("Jobs merged into open digest windows")); err != nil {
		return nil, err
	}
	if m.jobsDLQ, err = meter.Int64Counter("notify.jobs.dlq",
		metric.WithDescription("Jobs moved to the dead letter queue")); err != nil {
		return nil, err
	}
	if m.windowsOpened, err = meter.Int64Counter("notify.digest.windows_opened",
		metric.WithDescription("Digest windows opened")); err != nil {
		return nil, err
	}
	if m.windowsClosed, err = meter.Int64Counter("notify.digest.windows_closed",
		metric.WithDescription("Digest windows closed")); err != nil {
		return nil, err
	}
	if m.windowEvents, err = meter.Int64Histogram("notify.digest.window_events",
		metric.WithDescription("Events accumulated per closed digest window")); err != nil {
		return nil, err
	}
	if m.messagesSent, err = meter.Int64Counter("notify.messages.sent",
		metric.WithDescription("Messages accepted by a provider")); err != nil {
		return nil, err
	}
	if m.messagesFailed, err = meter.Int64Counter("notify.messages.failed",
		metric.WithDescription("Dispatches where every target failed")); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func workflowAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("workflow_id", j.WorkflowID.String()),
		attribute.String("queue", j.Queue),
	)
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// OnJobCreated implements ext.JobCreated.
func (m *MetricsExtension) OnJobCreated(ctx context.Context, j *job.Job) error {
	m.jobsCreated.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.jobsCompleted.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobsFailed.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobsRetried.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// OnJobMerged implements ext.JobMerged.
func (m *MetricsExtension) OnJobMerged(ctx context.Context, j *job.Job, _ string) error {
	m.jobsMerged.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// OnJobDLQ implements ext.JobDLQ.
func (m *MetricsExtension) OnJobDLQ(ctx context.Context, j *job.Job, _ error) error {
	m.jobsDLQ.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// ──────────────────────────────────────────────────
// Digest lifecycle hooks
// ──────────────────────────────────────────────────

// OnDigestWindowOpened implements ext.DigestWindowOpened.
func (m *MetricsExtension) OnDigestWindowOpened(ctx context.Context, j *job.Job) error {
	m.windowsOpened.Add(ctx, 1, workflowAttrs(j))
	return nil
}

// OnDigestWindowClosed implements ext.DigestWindowClosed.
func (m *MetricsExtension) OnDigestWindowClosed(ctx context.Context, j *job.Job, events int) error {
	m.windowsClosed.Add(ctx, 1, workflowAttrs(j))
	m.windowEvents.Record(ctx, int64(events), workflowAttrs(j))
	return nil
}

// ──────────────────────────────────────────────────
// Delivery lifecycle hooks
// ──────────────────────────────────────────────────

// OnMessageSent implements ext.MessageSent.
func (m *MetricsExtension) OnMessageSent(ctx context.Context, j *job.Job, kind channel.Kind, _ []*channel.Receipt) error {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", j.WorkflowID.String()),
		attribute.String("channel", string(kind)),
	))
	return nil
}

// OnMessageFailed implements ext.MessageFailed.
func (m *MetricsExtension) OnMessageFailed(ctx context.Context, j *job.Job, kind channel.Kind, _ error) error {
	m.messagesFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", j.WorkflowID.String()),
		attribute.String("channel", string(kind)),
	))
	return nil
}
