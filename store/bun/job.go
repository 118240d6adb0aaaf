package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/scope"
)

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return notify.ErrJobAlreadyExists
		}
		return fmt.Errorf("notify/bun: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID, scope-checked against the ambient
// environment.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notify.ErrJobNotFound
		}
		return nil, fmt.Errorf("notify/bun: get job: %w", err)
	}
	if !scope.Check(ctx, m.EnvironmentID) {
		return nil, notify.ErrScopeViolation
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	if !scope.Check(ctx, j.EnvironmentID) {
		return notify.ErrScopeViolation
	}
	m, err := toJobModel(j)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("notify/bun: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return notify.ErrJobNotFound
	}
	return nil
}

// UpdateJobStatus transitions the job to the given status, enforcing
// the state machine.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID id.JobID, status job.Status, reason string) error {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.CanTransition(current.Status, status) {
		return fmt.Errorf("%w: %s → %s", notify.ErrInvalidTransition, current.Status, status)
	}
	current.Status = status
	current.StatusReason = reason
	now := time.Now().UTC()
	switch status {
	case job.StatusRunning:
		current.StartedAt = &now
	case job.StatusCompleted, job.StatusFailed, job.StatusCancelled, job.StatusMerged:
		current.CompletedAt = &now
	}
	return s.UpdateJob(ctx, current)
}

// FindActiveJobsForDigestKey returns the still-mergeable digest jobs
// for an environment and window key, oldest first. IDs are K-sortable,
// so ordering by id equals ordering by creation.
func (s *Store) FindActiveJobsForDigestKey(ctx context.Context, environmentID, key string) ([]*job.Job, error) {
	if !scope.Check(ctx, environmentID) {
		return nil, notify.ErrScopeViolation
	}
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("environment_id = ?", environmentID).
		Where("digest_key = ?", key).
		Where("status IN (?, ?, ?)",
			string(job.StatusPending), string(job.StatusQueued), string(job.StatusDelayed)).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: find digest jobs: %w", err)
	}
	return s.convertJobs(models)
}

// ListJobsByTrigger returns all jobs created for a trigger transaction,
// oldest first.
func (s *Store) ListJobsByTrigger(ctx context.Context, triggerID id.TriggerID) ([]*job.Job, error) {
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("trigger_id = ?", triggerID.String()).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: list jobs by trigger: %w", err)
	}
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		if !scope.Check(ctx, models[i].EnvironmentID) {
			continue
		}
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ReapStaleJobs returns jobs stuck in running state longer than the
// given threshold. The reaper runs cross-environment, so no scope
// check applies here.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("status = ?", string(job.StatusRunning)).
		Where("started_at IS NOT NULL").
		Where("started_at < ?", cutoff).
		Order("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: reap stale jobs: %w", err)
	}
	return s.convertJobs(models)
}

func (s *Store) convertJobs(models []jobModel) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
