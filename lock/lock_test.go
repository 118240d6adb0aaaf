package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/notify"
)

func TestMemoryAcquireRelease(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	l, err := m.Acquire(ctx, "digest:env_1:key", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Held lock rejects a second holder.
	if _, err := m.TryAcquire(ctx, "digest:env_1:key", time.Second); !errors.Is(err, notify.ErrLockBusy) {
		t.Fatalf("TryAcquire while held = %v, want ErrLockBusy", err)
	}

	if err := m.Release(ctx, l); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Free again.
	if _, err := m.TryAcquire(ctx, "digest:env_1:key", time.Second); err != nil {
		t.Fatalf("TryAcquire after release = %v", err)
	}
}

func TestMemoryAcquireTimeout(t *testing.T) {
	t.Parallel()
	m := NewMemory(WithMemoryWaitTimeout(30 * time.Millisecond))
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err := m.Acquire(ctx, "k", time.Minute)
	if !errors.Is(err, notify.ErrLockTimeout) {
		t.Fatalf("blocked acquire = %v, want ErrLockTimeout", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	ctx := context.Background()

	stale, err := m.TryAcquire(ctx, "k", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	// Expired lock can be re-acquired by someone else.
	fresh, err := m.TryAcquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}

	// The stale holder's release must not free the new holder's lock.
	if err := m.Release(ctx, stale); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, err := m.TryAcquire(ctx, "k", time.Second); !errors.Is(err, notify.ErrLockBusy) {
		t.Fatalf("lock stolen by stale release: %v", err)
	}

	if err := m.Release(ctx, fresh); err != nil {
		t.Fatalf("fresh release: %v", err)
	}
}

func TestMemoryMutualExclusion(t *testing.T) {
	t.Parallel()
	m := NewMemory(WithMemoryWaitTimeout(2 * time.Second))
	ctx := context.Background()

	var holders int
	var maxHolders int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(ctx, "shared", time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			mu.Lock()
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			if err := m.Release(ctx, l); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxHolders != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxHolders)
	}
}
