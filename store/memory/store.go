// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/scope"
	"github.com/xraph/notify/subscriber"
)

// Per-subsystem compile-time checks. The composite check lives in the
// parent store package (importing it here would be a cycle).
var (
	_ job.Store        = (*Store)(nil)
	_ execution.Store  = (*Store)(nil)
	_ subscriber.Store = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
)

// seq orders records created within the same clock tick.
type jobRecord struct {
	seq int64
	job *job.Job
}

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	nextSeq     int64
	jobs        map[string]*jobRecord
	details     map[string][]*execution.Detail // key: job ID
	subscribers map[string]*subscriber.Subscriber
	dlqs        map[string]*dlq.Entry
	dlqSeq      map[string]int64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*jobRecord),
		details:     make(map[string][]*execution.Detail),
		subscribers: make(map[string]*subscriber.Subscriber),
		dlqs:        make(map[string]*dlq.Entry),
		dlqSeq:      make(map[string]int64),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// CreateJob persists a new job.
func (m *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return notify.ErrJobAlreadyExists
	}
	m.nextSeq++
	cp := *j
	m.jobs[key] = &jobRecord{seq: m.nextSeq, job: &cp}
	return nil
}

// GetJob retrieves a job by ID, scope-checked.
func (m *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, notify.ErrJobNotFound
	}
	if !scope.Check(ctx, rec.job.EnvironmentID) {
		return nil, notify.ErrScopeViolation
	}
	cp := *rec.job
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[j.ID.String()]
	if !ok {
		return notify.ErrJobNotFound
	}
	cp := *j
	cp.UpdatedAt = time.Now().UTC()
	rec.job = &cp
	return nil
}

// UpdateJobStatus transitions a job, enforcing the status state machine.
func (m *Store) UpdateJobStatus(ctx context.Context, jobID id.JobID, status job.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[jobID.String()]
	if !ok {
		return notify.ErrJobNotFound
	}
	if !scope.Check(ctx, rec.job.EnvironmentID) {
		return notify.ErrScopeViolation
	}
	if !job.CanTransition(rec.job.Status, status) {
		return notify.ErrInvalidTransition
	}

	rec.job.Status = status
	rec.job.StatusReason = reason
	rec.job.UpdatedAt = time.Now().UTC()
	return nil
}

// FindActiveJobsForDigestKey returns mergeable digest jobs for the
// window key, oldest first.
func (m *Store) FindActiveJobsForDigestKey(ctx context.Context, environmentID, key string) ([]*job.Job, error) {
	if !scope.Check(ctx, environmentID) {
		return nil, notify.ErrScopeViolation
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*jobRecord
	for _, rec := range m.jobs {
		j := rec.job
		if j.EnvironmentID != environmentID || j.Digest == nil || j.Digest.Key != key {
			continue
		}
		switch j.Status {
		case job.StatusPending, job.StatusQueued, job.StatusDelayed:
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, k int) bool { return recs[i].seq < recs[k].seq })

	out := make([]*job.Job, len(recs))
	for i, rec := range recs {
		cp := *rec.job
		out[i] = &cp
	}
	return out, nil
}

// ListJobsByTrigger returns all jobs created for a trigger, oldest first.
func (m *Store) ListJobsByTrigger(ctx context.Context, triggerID id.TriggerID) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*jobRecord
	for _, rec := range m.jobs {
		if rec.job.TriggerID != triggerID {
			continue
		}
		if !scope.Check(ctx, rec.job.EnvironmentID) {
			return nil, notify.ErrScopeViolation
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, k int) bool { return recs[i].seq < recs[k].seq })

	out := make([]*job.Job, len(recs))
	for i, rec := range recs {
		cp := *rec.job
		out[i] = &cp
	}
	return out, nil
}

// ReapStaleJobs returns jobs stuck in running state past the threshold.
// Reaping is an operator concern and crosses environments.
func (m *Store) ReapStaleJobs(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)

	var out []*job.Job
	for _, rec := range m.jobs {
		j := rec.job
		if j.Status != job.StatusRunning || j.StartedAt == nil {
			continue
		}
		if j.StartedAt.Before(cutoff) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Execution detail store
// ──────────────────────────────────────────────────

// AppendDetail persists a new execution detail.
func (m *Store) AppendDetail(ctx context.Context, d *execution.Detail) error {
	if !scope.Check(ctx, d.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	key := d.JobID.String()
	m.details[key] = append(m.details[key], &cp)
	return nil
}

// ListDetails returns a job's details in creation order.
func (m *Store) ListDetails(_ context.Context, jobID id.JobID) ([]*execution.Detail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.details[jobID.String()]
	out := make([]*execution.Detail, len(stored))
	for i, d := range stored {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Subscriber store
// ──────────────────────────────────────────────────

// UpsertSubscriber creates or replaces a subscriber record.
func (m *Store) UpsertSubscriber(ctx context.Context, s *subscriber.Subscriber) error {
	if !scope.Check(ctx, s.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.UpdatedAt = time.Now().UTC()
	m.subscribers[s.ID.String()] = &cp
	return nil
}

// GetSubscriber retrieves a subscriber by ID, scope-checked.
func (m *Store) GetSubscriber(ctx context.Context, subscriberID id.SubscriberID) (*subscriber.Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.subscribers[subscriberID.String()]
	if !ok {
		return nil, notify.ErrSubscriberNotFound
	}
	if !scope.Check(ctx, s.EnvironmentID) {
		return nil, notify.ErrScopeViolation
	}
	cp := *s
	return &cp, nil
}

// ──────────────────────────────────────────────────
// Dead letter queue store
// ──────────────────────────────────────────────────

// PushDLQ adds a failed job entry to the dead letter queue.
func (m *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	if !scope.Check(ctx, entry.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	cp := *entry
	key := entry.ID.String()
	m.dlqs[key] = &cp
	m.dlqSeq[key] = m.nextSeq
	return nil
}

// ListDLQ returns DLQ entries matching opts, newest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.EnvironmentID != "" && e.EnvironmentID != opts.EnvironmentID {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, k int) bool {
		return m.dlqSeq[entries[i].ID.String()] > m.dlqSeq[entries[k].ID.String()]
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}

	out := make([]*dlq.Entry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, notify.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return notify.ErrDLQNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

// PurgeDLQ removes entries that failed before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			delete(m.dlqSeq, key)
			removed++
		}
	}
	return removed, nil
}

// CountDLQ returns the total number of DLQ entries.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}
