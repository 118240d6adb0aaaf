// Package workflow defines notification workflow templates: ordered
// steps (channel sends, digests, delays) with per-step filters and
// scheduling configuration. Workflows are registered in code at build
// time; CRUD and versioning are external concerns.
package workflow

import (
	"time"

	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/id"
)

// StepKind tags what a step does.
type StepKind string

const (
	// StepChannel sends a message over the step's channel.
	StepChannel StepKind = "channel"
	// StepDigest aggregates triggers into a time window.
	StepDigest StepKind = "digest"
	// StepDelay parks the chain until a wake time.
	StepDelay StepKind = "delay"
)

// FilterOperator compares a field against a filter value.
type FilterOperator string

const (
	OpEqual       FilterOperator = "eq"
	OpNotEqual    FilterOperator = "ne"
	OpLarger      FilterOperator = "gt"
	OpSmaller     FilterOperator = "lt"
	OpLargerEq    FilterOperator = "gte"
	OpSmallerEq   FilterOperator = "lte"
	OpContains    FilterOperator = "contains"
	OpNotContains FilterOperator = "not_contains"
	OpIsDefined   FilterOperator = "is_defined"
)

// FilterOn selects the data source a condition reads from.
type FilterOn string

const (
	// OnPayload reads a field from the trigger payload.
	OnPayload FilterOn = "payload"
	// OnSubscriber reads subscriber state: "online" or "last_online_at".
	OnSubscriber FilterOn = "subscriber"
)

// Condition is one predicate inside a filter group.
type Condition struct {
	On       FilterOn       `json:"on"`
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value,omitempty"`

	// Within applies to last_online_at conditions: the subscriber must
	// have been seen inside this window.
	Within time.Duration `json:"within,omitempty"`
}

// Filter is a group of conditions combined with AND or OR.
type Filter struct {
	// Value is "AND" or "OR"; empty means AND.
	Value      string      `json:"value,omitempty"`
	Conditions []Condition `json:"conditions"`
}

// DigestConfig configures a digest step.
type DigestConfig struct {
	Policy string `json:"policy"` // regular | backoff | timed

	// Interval is the base window length (regular, backoff).
	Interval time.Duration `json:"interval,omitempty"`

	// QuietPeriod and MaxInterval tune the backoff policy.
	QuietPeriod time.Duration `json:"quiet_period,omitempty"`
	MaxInterval time.Duration `json:"max_interval,omitempty"`

	// Cron is the close schedule for the timed policy
	// (standard 5-field cron or descriptors like "@daily").
	Cron string `json:"cron,omitempty"`

	// Key optionally names a payload field whose value partitions the
	// digest (e.g. group notifications per project id).
	Key string `json:"key,omitempty"`
}

// DelayConfig configures a delay step. Exactly one of At, For, or Path
// is set.
type DelayConfig struct {
	// At parks until an absolute time.
	At time.Time `json:"at,omitempty"`

	// For parks for a relative duration.
	For time.Duration `json:"for,omitempty"`

	// Path names a payload field holding either an RFC3339 time or a
	// number of seconds.
	Path string `json:"path,omitempty"`
}

// Step is one node in a workflow.
type Step struct {
	ID   id.StepID `json:"id"`
	Name string    `json:"name"`
	Kind StepKind  `json:"kind"`

	// Channel is set for StepChannel steps.
	Channel channel.Kind `json:"channel,omitempty"`

	// Subject and Body are the content templates for channel steps.
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// Filters gate execution; all groups must pass (a step with no
	// filters always passes).
	Filters []Filter `json:"filters,omitempty"`

	Digest *DigestConfig `json:"digest,omitempty"`
	Delay  *DelayConfig  `json:"delay,omitempty"`

	// MaxRetries overrides the per-job retry budget; zero means the
	// engine default.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Workflow is an ordered sequence of steps triggered by name.
type Workflow struct {
	ID     id.WorkflowID `json:"id"`
	Name   string        `json:"name"`
	Active bool          `json:"active"`
	Steps  []Step        `json:"steps"`
}

// StepByID returns the step with the given ID.
func (w *Workflow) StepByID(stepID id.StepID) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID.String() == stepID.String() {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// NextStep returns the step after the given one, or nil at the end.
func (w *Workflow) NextStep(stepID id.StepID) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID.String() == stepID.String() {
			if i+1 < len(w.Steps) {
				return &w.Steps[i+1]
			}
			return nil
		}
	}
	return nil
}
