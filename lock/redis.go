package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
)

// releaseScript deletes the lock key only when the caller's token still
// owns it, so an expired-and-reacquired lock is never released by the
// previous holder.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const redisKeyPrefix = "notify:lock:"

// Redis is a Client backed by a single Redis key per lock (SET NX PX),
// the same primitive the cluster uses for leadership.
type Redis struct {
	client      goredis.Cmdable
	waitTimeout time.Duration
	retry       time.Duration
}

// RedisOption configures a Redis lock client.
type RedisOption func(*Redis)

// WithWaitTimeout sets how long Acquire blocks before failing with
// notify.ErrLockTimeout.
func WithWaitTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.waitTimeout = d }
}

// WithRetryInterval sets the poll interval while waiting for a
// contended lock.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.retry = d }
}

// NewRedis creates a Redis-backed lock client. The caller owns the
// Redis client lifecycle.
func NewRedis(client goredis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{
		client:      client,
		waitTimeout: 5 * time.Second,
		retry:       50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAcquire attempts a single non-blocking acquisition via SET NX PX.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := id.New(id.PrefixLock).String()

	ok, err := r.client.SetNX(ctx, redisKeyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("notify/lock: setnx %q: %w", key, err)
	}
	if !ok {
		return nil, notify.ErrLockBusy
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, nil
}

// Acquire blocks until the lock is free or the wait timeout elapses.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	deadline := time.Now().Add(r.waitTimeout)

	for {
		l, err := r.TryAcquire(ctx, key, ttl)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, notify.ErrLockBusy) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, notify.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// Release frees the lock if the token still owns it.
func (r *Redis) Release(ctx context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	if err := releaseScript.Run(ctx, r.client, []string{redisKeyPrefix + l.Key}, l.Token).Err(); err != nil {
		return fmt.Errorf("notify/lock: release %q: %w", l.Key, err)
	}
	return nil
}
