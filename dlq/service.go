package dlq

import (
	"context"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/queue"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store    Store
	jobStore job.Store
	queue    queue.Queue
}

// NewService creates a DLQ service.
func NewService(store Store, jobStore job.Store, q queue.Queue) *Service {
	return &Service{store: store, jobStore: jobStore, queue: q}
}

// Push builds a DLQ Entry from a terminally failed job and persists it.
// The error string is captured from the original handler error.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) error {
	now := time.Now().UTC()
	entry := &Entry{
		ID:             id.NewDLQID(),
		JobID:          j.ID,
		EnvironmentID:  j.EnvironmentID,
		OrganizationID: j.OrganizationID,
		WorkflowID:     j.WorkflowID,
		StepID:         j.StepID,
		SubscriberID:   j.SubscriberID,
		Queue:          j.Queue,
		Payload:        j.Payload,
		Error:          jobErr.Error(),
		RetryCount:     j.RetryCount,
		MaxRetries:     j.MaxRetries,
		FailedAt:       now,
		CreatedAt:      now,
	}
	return s.store.PushDLQ(ctx, entry)
}

// Replay re-creates a DLQ entry as a new queued job and marks the
// entry as replayed. The new job gets a fresh ID, a zero retry count,
// and runs immediately.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:         notify.NewEntity(),
		ID:             id.NewJobID(),
		EnvironmentID:  entry.EnvironmentID,
		OrganizationID: entry.OrganizationID,
		WorkflowID:     entry.WorkflowID,
		StepID:         entry.StepID,
		SubscriberID:   entry.SubscriberID,
		TriggerID:      id.NewTriggerID(),
		Queue:          entry.Queue,
		Payload:        entry.Payload,
		Status:         job.StatusQueued,
		MaxRetries:     entry.MaxRetries,
		RunAt:          now,
	}

	if err := s.jobStore.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, queue.Message{
		JobID:         j.ID,
		EnvironmentID: j.EnvironmentID,
		Queue:         j.Queue,
	}); err != nil {
		return nil, err
	}

	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		// The job is already enqueued. Return it alongside the error.
		return j, err
	}

	return j, nil
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
