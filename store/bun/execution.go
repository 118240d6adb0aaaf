package bunstore

import (
	"context"
	"fmt"

	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/id"
)

// AppendDetail records one execution detail. Details are append-only.
func (s *Store) AppendDetail(ctx context.Context, d *execution.Detail) error {
	m, err := toDetailModel(d)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("notify/bun: append detail: %w", err)
	}
	return nil
}

// ListDetails returns the execution details for a job in append order.
func (s *Store) ListDetails(ctx context.Context, jobID id.JobID) ([]*execution.Detail, error) {
	var models []detailModel
	err := s.db.NewSelect().Model(&models).
		Where("job_id = ?", jobID.String()).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify/bun: list details: %w", err)
	}
	details := make([]*execution.Detail, 0, len(models))
	for i := range models {
		d, convErr := fromDetailModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		details = append(details, d)
	}
	return details, nil
}
