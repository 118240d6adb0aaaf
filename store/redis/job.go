package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/scope"
)

// jobToMap serializes a job into hash fields: the full document as JSON
// plus the fields queries index on.
func jobToMap(j *job.Job) (map[string]any, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("notify/redis: marshal job: %w", err)
	}
	return map[string]any{
		"data":           data,
		"status":         string(j.Status),
		"environment_id": j.EnvironmentID,
		"queue":          j.Queue,
	}, nil
}

func unmarshalJob(data string) (*job.Job, error) {
	var j job.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("notify/redis: unmarshal job: %w", err)
	}
	return &j, nil
}

// mergeable reports whether the job belongs in its digest window index.
func mergeable(j *job.Job) bool {
	if j.Digest == nil {
		return false
	}
	switch j.Status {
	case job.StatusPending, job.StatusQueued, job.StatusDelayed:
		return true
	default:
		return false
	}
}

// syncDigestIndex adds or removes the job from its window's index set
// inside the given pipeline.
func syncDigestIndex(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	if j.Digest == nil {
		return
	}
	idxKey := digestIndexKey(j.EnvironmentID, j.Digest.Key)
	if mergeable(j) {
		pipe.SAdd(ctx, idxKey, j.ID.String())
	} else {
		pipe.SRem(ctx, idxKey, j.ID.String())
	}
}

// CreateJob stores the job as a Hash and indexes it by trigger and,
// when it carries digest state, by window key.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("notify/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return notify.ErrJobAlreadyExists
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.RPush(ctx, triggerIndexKey(j.TriggerID.String()), jID)
	syncDigestIndex(ctx, pipe, j)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, scope-checked.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return nil, err
	}
	if !scope.Check(ctx, j.EnvironmentID) {
		return nil, notify.ErrScopeViolation
	}
	return j, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	data, err := s.client.HGet(ctx, key, "data").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, notify.ErrJobNotFound
		}
		return nil, fmt.Errorf("notify/redis: get job: %w", err)
	}
	return unmarshalJob(data)
}

// UpdateJob persists changes to an existing job and keeps its digest
// index membership current.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	key := jobKey(j.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("notify/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return notify.ErrJobNotFound
	}

	j.UpdatedAt = time.Now().UTC()
	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	syncDigestIndex(ctx, pipe, j)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify/redis: update job: %w", err)
	}
	return nil
}

// UpdateJobStatus transitions a job, enforcing the status state machine.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID id.JobID, status job.Status, reason string) error {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return err
	}
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}
	if !job.CanTransition(j.Status, status) {
		return notify.ErrInvalidTransition
	}

	j.Status = status
	j.StatusReason = reason
	return s.UpdateJob(ctx, j)
}

// FindActiveJobsForDigestKey returns mergeable digest jobs for the
// window key, oldest first. Job IDs are K-sortable, so lexical order
// is creation order.
func (s *Store) FindActiveJobsForDigestKey(ctx context.Context, environmentID, key string) ([]*job.Job, error) {
	if !scope.Check(ctx, environmentID) {
		return nil, notify.ErrScopeViolation
	}

	ids, err := s.client.SMembers(ctx, digestIndexKey(environmentID, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("notify/redis: digest index: %w", err)
	}
	sort.Strings(ids)

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // index entry outlived the job
		}
		// The status filter is authoritative; the index may lag a
		// crashed writer.
		if !mergeable(j) {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ListJobsByTrigger returns all jobs created for a trigger, oldest first.
func (s *Store) ListJobsByTrigger(ctx context.Context, triggerID id.TriggerID) ([]*job.Job, error) {
	ids, err := s.client.LRange(ctx, triggerIndexKey(triggerID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("notify/redis: trigger index: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !scope.Check(ctx, j.EnvironmentID) {
			return nil, notify.ErrScopeViolation
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ReapStaleJobs returns running jobs started before the threshold.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("notify/redis: reap smembers: %w", err)
	}

	var stale []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Status != job.StatusRunning || j.StartedAt == nil {
			continue
		}
		if j.StartedAt.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}
