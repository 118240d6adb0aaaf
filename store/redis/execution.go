package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/notify"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/scope"
)

// AppendDetail appends a detail to the job's append-only List. Details
// are never updated, so RPush preserves creation order without scores.
func (s *Store) AppendDetail(ctx context.Context, d *execution.Detail) error {
	if !scope.Check(ctx, d.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("notify/redis: marshal detail: %w", err)
	}
	if err := s.client.RPush(ctx, detailsKey(d.JobID.String()), data).Err(); err != nil {
		return fmt.Errorf("notify/redis: append detail: %w", err)
	}
	return nil
}

// ListDetails returns a job's details in creation order.
func (s *Store) ListDetails(ctx context.Context, jobID id.JobID) ([]*execution.Detail, error) {
	raw, err := s.client.LRange(ctx, detailsKey(jobID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("notify/redis: list details: %w", err)
	}

	details := make([]*execution.Detail, 0, len(raw))
	for _, item := range raw {
		var d execution.Detail
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			return nil, fmt.Errorf("notify/redis: unmarshal detail: %w", err)
		}
		details = append(details, &d)
	}
	return details, nil
}
