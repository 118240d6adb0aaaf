// Package digest collapses repeated triggers sharing a digest key into
// a single execution. The first trigger opens a window and becomes its
// "active" job; later triggers merge their payloads into that job and
// go terminal as merged. All window state lives on the active job and
// is only ever read or written under the window's distributed lock.
package digest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/notify/job"
	"github.com/xraph/notify/workflow"
)

// cronParser supports standard 5-field cron and descriptors like "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a timed-policy cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// WindowKey builds the digest window key: environment + workflow +
// subscriber + optional payload partition value. At most one window is
// open per key at any instant.
func WindowKey(environmentID, workflowID, subscriberID, partition string) string {
	parts := []string{environmentID, workflowID, subscriberID}
	if partition != "" {
		parts = append(parts, partition)
	}
	return strings.Join(parts, ":")
}

// PartitionValue extracts the digest partition value from the payload
// per the step's Key field. Missing or non-scalar values partition
// under the empty value rather than failing the trigger.
func PartitionValue(cfg *workflow.DigestConfig, payload json.RawMessage) string {
	if cfg == nil || cfg.Key == "" || len(payload) == 0 {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}

	switch v := fields[cfg.Key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// CloseTime computes the initial window close time for a policy.
func CloseTime(cfg *workflow.DigestConfig, openedAt time.Time) (time.Time, error) {
	switch job.DigestPolicy(cfg.Policy) {
	case job.PolicyRegular, job.PolicyBackoff:
		if cfg.Interval <= 0 {
			return time.Time{}, fmt.Errorf("digest: policy %q requires a positive interval", cfg.Policy)
		}
		return openedAt.Add(cfg.Interval), nil
	case job.PolicyTimed:
		sched, err := ParseSchedule(cfg.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("digest: invalid cron %q: %w", cfg.Cron, err)
		}
		return sched.Next(openedAt), nil
	default:
		return time.Time{}, fmt.Errorf("digest: unknown policy %q", cfg.Policy)
	}
}

// ExtendedClose computes the pushed-forward close time for a backoff
// merge arriving at mergedAt. The close moves to mergedAt + quiet
// period, bounded by openedAt + max window length. It never moves the
// close earlier.
func ExtendedClose(meta *job.DigestMeta, mergedAt time.Time) time.Time {
	extended := mergedAt.Add(meta.QuietPeriod)
	if meta.MaxInterval > 0 {
		if bound := meta.OpenedAt.Add(meta.MaxInterval); extended.After(bound) {
			extended = bound
		}
	}
	if extended.Before(meta.CloseAt) {
		return meta.CloseAt
	}
	return extended
}

// InQuietPeriod reports whether a merge arriving at t falls inside the
// quiet period before the window's current close time.
func InQuietPeriod(meta *job.DigestMeta, t time.Time) bool {
	if meta.QuietPeriod <= 0 {
		return false
	}
	return t.After(meta.CloseAt.Add(-meta.QuietPeriod)) && t.Before(meta.CloseAt)
}

// NewMeta builds the digest metadata for a window's first trigger.
func NewMeta(cfg *workflow.DigestConfig, key string, openedAt time.Time, firstEvent json.RawMessage) (*job.DigestMeta, error) {
	closeAt, err := CloseTime(cfg, openedAt)
	if err != nil {
		return nil, err
	}

	meta := &job.DigestMeta{
		Key:         key,
		Policy:      job.DigestPolicy(cfg.Policy),
		Interval:    cfg.Interval,
		QuietPeriod: cfg.QuietPeriod,
		MaxInterval: cfg.MaxInterval,
		Cron:        cfg.Cron,
		OpenedAt:    openedAt,
		CloseAt:     closeAt,
	}
	if len(firstEvent) > 0 {
		meta.Events = []json.RawMessage{firstEvent}
		meta.EventsCount = 1
	}
	return meta, nil
}
