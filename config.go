package notify

import "time"

// Config holds configuration for the Notifier.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently.
	Concurrency int

	// Queues is the list of queues this notifier will poll.
	Queues []string

	// PollInterval is how often to poll for new queue messages.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// LockTTL bounds how long a digest or status lock may be held before
	// it auto-expires (crash protection).
	LockTTL time.Duration

	// LockWaitTimeout is how long a worker blocks waiting for a
	// contended lock before failing with ErrLockTimeout.
	LockWaitTimeout time.Duration

	// DispatchTimeout is the per-call deadline for channel sends.
	// A timed-out send is a retryable failure.
	DispatchTimeout time.Duration

	// StaleJobThreshold is how long a job may sit in running state
	// before the reaper returns it to the queue.
	StaleJobThreshold time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"default"},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		LockTTL:           10 * time.Second,
		LockWaitTimeout:   5 * time.Second,
		DispatchTimeout:   30 * time.Second,
		StaleJobThreshold: 60 * time.Second,
	}
}
