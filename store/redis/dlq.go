package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/notify"
	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/scope"
)

// PushDLQ adds a failed job entry to the dead letter queue. The ID
// sorted set is scored by failure time so listing is newest-first
// without loading every entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	if !scope.Check(ctx, entry.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("notify/redis: marshal dlq entry: %w", err)
	}

	eID := entry.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dlqKey(eID), data, 0)
	pipe.ZAdd(ctx, dlqIDsKey, goredis.Z{
		Score:  float64(entry.FailedAt.UnixMilli()),
		Member: eID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("notify/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries matching the given options, newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, dlqIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("notify/redis: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getDLQByID(ctx, eID)
		if getErr != nil {
			continue
		}
		if opts.EnvironmentID != "" && e.EnvironmentID != opts.EnvironmentID {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	return s.getDLQByID(ctx, entryID.String())
}

func (s *Store) getDLQByID(ctx context.Context, eID string) (*dlq.Entry, error) {
	data, err := s.client.Get(ctx, dlqKey(eID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, notify.ErrDLQNotFound
		}
		return nil, fmt.Errorf("notify/redis: get dlq: %w", err)
	}

	var e dlq.Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("notify/redis: unmarshal dlq entry: %w", err)
	}
	return &e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	e, err := s.getDLQByID(ctx, entryID.String())
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	e.ReplayedAt = &now

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify/redis: marshal dlq entry: %w", err)
	}
	if err := s.client.Set(ctx, dlqKey(entryID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("notify/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	cutoff := fmt.Sprintf("(%d", before.UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, dlqIDsKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("notify/redis: purge range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, eID := range ids {
		pipe.Del(ctx, dlqKey(eID))
		pipe.ZRem(ctx, dlqIDsKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("notify/redis: purge dlq: %w", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, dlqIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("notify/redis: count dlq: %w", err)
	}
	return n, nil
}
