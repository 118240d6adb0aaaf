// Package job defines the Job entity, one schedulable unit of work for
// a workflow step instance, together with its status state machine and
// persistence contract.
package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job exists but has not been handed to the queue.
	StatusPending Status = "pending"
	// StatusQueued means the job reference sits on the durable queue.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusDelayed means the job is parked until its wake time.
	StatusDelayed Status = "delayed"
	// StatusCompleted means the job finished successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusFailed means the job failed. Terminal once retries are exhausted.
	StatusFailed Status = "failed"
	// StatusMerged means the job's trigger was folded into an open digest
	// window and will never execute independently. Terminal.
	StatusMerged Status = "merged"
	// StatusCancelled means the job was cancelled externally. Terminal.
	StatusCancelled Status = "cancelled"
)

// transitions is the allowed edge set of the status state machine.
// failed → queued covers retry re-enqueueing; a job whose retries are
// exhausted stays failed because the runner never requeues it.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusMerged, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusDelayed, StatusMerged, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusDelayed, StatusMerged, StatusCancelled},
	StatusDelayed: {StatusQueued, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether the edge from → to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status permits no further execution.
// Failed is conditionally terminal: it may transition back to queued
// while the retry budget lasts, so it is not listed here. Callers that
// need "terminal including exhausted failure" use Job.Terminal.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusMerged, StatusCancelled:
		return true
	default:
		return false
	}
}

// DigestPolicy selects how a digest window decides its close time.
type DigestPolicy string

const (
	// PolicyRegular closes the window a fixed interval after it opens.
	PolicyRegular DigestPolicy = "regular"
	// PolicyBackoff extends the close time when a trigger lands inside
	// the quiet period before close, bounded by a maximum window length.
	PolicyBackoff DigestPolicy = "backoff"
	// PolicyTimed closes the window at the next occurrence of a cron
	// schedule, independent of trigger timing.
	PolicyTimed DigestPolicy = "timed"
)

// DigestMeta is the digest aggregation state carried by a window's
// active job. Events accumulate in arrival order under the digest lock.
type DigestMeta struct {
	// Key is the full window key (environment + workflow + subscriber +
	// optional payload digest-key value).
	Key string `json:"key"`

	Policy DigestPolicy `json:"policy"`

	// Interval is the base window length (regular and backoff policies).
	Interval time.Duration `json:"interval"`

	// QuietPeriod is the span before close within which a new trigger
	// pushes the close time forward (backoff policy only).
	QuietPeriod time.Duration `json:"quiet_period,omitempty"`

	// MaxInterval bounds the total window length under backoff extension.
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// Cron is the close schedule for the timed policy.
	Cron string `json:"cron,omitempty"`

	// OpenedAt is when the window opened (first trigger).
	OpenedAt time.Time `json:"opened_at"`

	// CloseAt is the current scheduled close time. Backoff merges move
	// it forward; the runner re-parks the job until it is reached.
	CloseAt time.Time `json:"close_at"`

	// Events holds the accumulated trigger payloads in arrival order.
	Events []json.RawMessage `json:"events,omitempty"`

	// EventsCount mirrors len(Events); persisted for cheap querying.
	EventsCount int `json:"events_count"`
}

// DelayMeta is the scheduling state for a delay step.
type DelayMeta struct {
	// Until is the absolute wake time once computed.
	Until time.Time `json:"until"`
}

// Job represents one workflow step instance for one subscriber and one
// trigger (or one digest window once triggers are merged).
type Job struct {
	notify.Entity

	ID             id.JobID        `json:"id"`
	EnvironmentID  string          `json:"environment_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	WorkflowID     id.WorkflowID   `json:"workflow_id"`
	StepID         id.StepID       `json:"step_id"`
	SubscriberID   id.SubscriberID `json:"subscriber_id"`
	TriggerID      id.TriggerID    `json:"trigger_id"`

	// ParentID links a step chained after its predecessor (including
	// steps following a digest or delay). The execution graph is
	// traversed by id lookup, never by embedded pointers.
	ParentID id.JobID `json:"parent_id,omitempty"`

	// Queue is the durable queue this job's references travel on.
	Queue string `json:"queue"`

	// Payload is the trigger's structured data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Overrides carries channel-specific options (e.g. sender address).
	Overrides json.RawMessage `json:"overrides,omitempty"`

	Status       Status      `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	Digest       *DigestMeta `json:"digest,omitempty"`
	Delay        *DelayMeta  `json:"delay,omitempty"`

	MaxRetries int    `json:"max_retries"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// RunAt is when the job becomes eligible for execution.
	RunAt       time.Time   `json:"run_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	WorkerID    id.WorkerID `json:"worker_id,omitempty"`
}

// Terminal reports whether the job permits no further execution,
// treating failed-with-exhausted-retries as terminal.
func (j *Job) Terminal() bool {
	if IsTerminal(j.Status) {
		return true
	}
	return j.Status == StatusFailed && j.RetryCount >= j.MaxRetries
}

// DigestKey returns the digest window key, or "" for non-digest jobs.
func (j *Job) DigestKey() string {
	if j.Digest == nil {
		return ""
	}
	return j.Digest.Key
}
