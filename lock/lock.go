// Package lock provides the distributed mutual-exclusion primitive used
// to guard digest-window mutation and job-status transitions.
//
// Locks are named, TTL-bound, and token-checked: only the goroutine
// holding the owner token can release, and an unreleased lock expires on
// its own after the TTL, bounding blocking time under crash. Callers
// must release on every exit path:
//
//	l, err := client.Acquire(ctx, key, ttl)
//	if err != nil { ... }
//	defer client.Release(context.WithoutCancel(ctx), l)
package lock

import (
	"context"
	"time"
)

// Lock is an acquired mutual-exclusion token.
type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// Client is the distributed lock contract.
type Client interface {
	// Acquire blocks the calling goroutine until the lock named key is
	// free or the client's wait timeout elapses, then holds it for at
	// most ttl. On timeout it fails with notify.ErrLockTimeout. The
	// context cancels waiting early.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)

	// TryAcquire attempts a single non-blocking acquisition, failing
	// with notify.ErrLockBusy when the lock is held.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)

	// Release frees the lock if l's token still owns it. Releasing an
	// expired or stolen lock is a no-op.
	Release(ctx context.Context, l *Lock) error
}
