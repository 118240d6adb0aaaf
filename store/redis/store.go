// Package redis implements store.Store using Redis for high-throughput
// ephemeral workloads. Entities are stored as Hashes holding a JSON
// document plus the fields queries index on; Sets and Sorted Sets index
// digest windows, triggers, and the dead letter queue.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/notify/dlq"
	"github.com/xraph/notify/execution"
	"github.com/xraph/notify/job"
	"github.com/xraph/notify/subscriber"
)

// Compile-time interface checks.
var (
	_ job.Store        = (*Store)(nil)
	_ execution.Store  = (*Store)(nil)
	_ subscriber.Store = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client when the store owns one that is
// closeable; a shared Cmdable is left open for its owner.
func (s *Store) Close() error {
	if c, ok := s.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
