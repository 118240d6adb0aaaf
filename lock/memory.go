package lock

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Client for unit testing and development.
// It mirrors the semantics of the Redis client, including TTL expiry.
type Memory struct {
	mu          sync.Mutex
	held        map[string]memoryEntry
	waitTimeout time.Duration
	retry       time.Duration
}

// MemoryOption configures a Memory client.
type MemoryOption func(*Memory)

// WithMemoryWaitTimeout sets how long Acquire blocks before failing.
func WithMemoryWaitTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.waitTimeout = d }
}

// NewMemory creates an in-process lock client.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		held:        make(map[string]memoryEntry),
		waitTimeout: 5 * time.Second,
		retry:       5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire attempts a single non-blocking acquisition.
func (m *Memory) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if e, ok := m.held[key]; ok && e.expiresAt.After(now) {
		return nil, notify.ErrLockBusy
	}

	token := id.New(id.PrefixLock).String()
	m.held[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return &Lock{Key: key, Token: token, TTL: ttl}, nil
}

// Acquire blocks until the lock is free or the wait timeout elapses.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	deadline := time.Now().Add(m.waitTimeout)

	for {
		l, err := m.TryAcquire(ctx, key, ttl)
		if err == nil {
			return l, nil
		}

		if time.Now().After(deadline) {
			return nil, notify.ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retry):
		}
	}
}

// Release frees the lock if the token still owns it.
func (m *Memory) Release(_ context.Context, l *Lock) error {
	if l == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.held[l.Key]; ok && e.token == l.Token {
		delete(m.held, l.Key)
	}
	return nil
}
