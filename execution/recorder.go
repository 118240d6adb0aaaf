package execution

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/xraph/notify/id"
)

// Store defines the append-only persistence contract for details.
type Store interface {
	// AppendDetail persists a new detail. Details are never updated or
	// deleted; implementations reject duplicate IDs.
	AppendDetail(ctx context.Context, d *Detail) error

	// ListDetails returns the details for a job in creation order.
	ListDetails(ctx context.Context, jobID id.JobID) ([]*Detail, error)
}

// Recorder writes execution details for job transitions. Recording is
// best-effort from the caller's point of view: a failed append is logged
// and swallowed so that detail-sink outages never change job outcomes.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// RecordOption customizes a recorded detail.
type RecordOption func(*Detail)

// WithStepType sets the step type on the detail.
func WithStepType(stepType string) RecordOption {
	return func(d *Detail) { d.StepType = stepType }
}

// WithProvider attaches provider metadata to the detail.
func WithProvider(meta map[string]string) RecordOption {
	return func(d *Detail) { d.Provider = meta }
}

// WithRawPayload attaches the raw payload and sets the Raw flag.
func WithRawPayload(payload json.RawMessage) RecordOption {
	return func(d *Detail) {
		d.Raw = true
		d.RawPayload = payload
	}
}

// Record appends one detail for the given job.
func (r *Recorder) Record(ctx context.Context, jobID id.JobID, environmentID string, source Source, status Status, message string, opts ...RecordOption) {
	d := &Detail{
		ID:            id.NewDetailID(),
		JobID:         jobID,
		EnvironmentID: environmentID,
		Source:        source,
		Status:        status,
		Detail:        message,
		CreatedAt:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := r.store.AppendDetail(ctx, d); err != nil {
		r.logger.Error("failed to append execution detail",
			slog.String("job_id", jobID.String()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

// Success records a success detail.
func (r *Recorder) Success(ctx context.Context, jobID id.JobID, environmentID string, source Source, message string, opts ...RecordOption) {
	r.Record(ctx, jobID, environmentID, source, StatusSuccess, message, opts...)
}

// Failure records a failed detail.
func (r *Recorder) Failure(ctx context.Context, jobID id.JobID, environmentID string, source Source, message string, opts ...RecordOption) {
	r.Record(ctx, jobID, environmentID, source, StatusFailed, message, opts...)
}

// Skipped records a skipped detail (filter mismatch, disabled preference).
func (r *Recorder) Skipped(ctx context.Context, jobID id.JobID, environmentID string, source Source, message string, opts ...RecordOption) {
	r.Record(ctx, jobID, environmentID, source, StatusSkipped, message, opts...)
}
