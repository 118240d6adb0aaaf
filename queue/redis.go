package queue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const redisKeyPrefix = "notify:queue:"

func redisQueueKey(name string) string { return redisKeyPrefix + name }

// Redis is a Queue backed by one Sorted Set per logical queue, scored
// by the message's due time. Messages are msgpack-encoded members, so
// dequeueing is a single ZRANGEBYSCORE + ZREM per queue.
type Redis struct {
	client goredis.Cmdable
}

// NewRedis creates a Redis-backed queue. The caller owns the Redis
// client lifecycle.
func NewRedis(client goredis.Cmdable) *Redis {
	return &Redis{client: client}
}

// Enqueue adds a message scored by its due time.
func (r *Redis) Enqueue(ctx context.Context, msg Message) error {
	due := msg.DelayUntil
	if due.IsZero() {
		due = time.Now().UTC()
	}

	data, err := msgpack.Marshal(msg)
	if err != nil {
		return fmt.Errorf("notify/queue: encode message: %w", err)
	}

	err = r.client.ZAdd(ctx, redisQueueKey(msg.Queue), goredis.Z{
		Score:  float64(due.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("notify/queue: enqueue: %w", err)
	}
	return nil
}

// Dequeue pops up to limit due messages across the given queues.
func (r *Redis) Dequeue(ctx context.Context, queues []string, limit int) ([]Message, error) {
	now := time.Now().UTC().UnixMilli()
	var result []Message

	for _, q := range queues {
		if limit > 0 && len(result) >= limit {
			break
		}
		remaining := int64(limit - len(result))
		key := redisQueueKey(q)

		members, err := r.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%d", now),
			Count: remaining,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("notify/queue: zrangebyscore: %w", err)
		}

		for _, member := range members {
			// Claim by removal; a concurrent consumer that lost the
			// race removed zero members and skips the message.
			removed, remErr := r.client.ZRem(ctx, key, member).Result()
			if remErr != nil {
				return nil, fmt.Errorf("notify/queue: zrem: %w", remErr)
			}
			if removed == 0 {
				continue
			}

			var msg Message
			if decErr := msgpack.Unmarshal([]byte(member), &msg); decErr != nil {
				return nil, fmt.Errorf("notify/queue: decode message: %w", decErr)
			}
			result = append(result, msg)
		}
	}
	return result, nil
}
