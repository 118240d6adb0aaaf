package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/id"
)

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQModel(entry)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("notify/bun: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqModel
	q := s.db.NewSelect().Model(&models).
		Order("failed_at DESC", "id DESC")

	if opts.EnvironmentID != "" {
		q = q.Where("environment_id = ?", opts.EnvironmentID)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("notify/bun: list dlq: %w", err)
	}
	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, convErr := fromDLQModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m := new(dlqModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notify.ErrDLQNotFound
		}
		return nil, fmt.Errorf("notify/bun: get dlq entry: %w", err)
	}
	return fromDLQModel(m)
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model((*dlqModel)(nil)).
		Set("replayed_at = ?", now).
		Where("id = ?", entryID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notify/bun: replay dlq entry: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return notify.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries that failed before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*dlqModel)(nil)).
		Where("failed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify/bun: purge dlq: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*dlqModel)(nil)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify/bun: count dlq: %w", err)
	}
	return int64(count), nil
}
