package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-queue behaviour such as rate limiting and concurrency.
type Config struct {
	// Name is the queue identifier (must match Message.Queue).
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously across the local worker pool. Zero means no
	// queue-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second that may be
	// consumed from this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

func environmentKey(queue, environmentID string) string {
	return queue + "\x00" + environmentID
}

// Manager controls per-queue and per-environment rate limiting and
// concurrency, so one noisy tenant cannot starve the pool.
// It is safe for concurrent use.
type Manager struct {
	mu           sync.Mutex
	queues       map[string]*queueState
	environments map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues:       make(map[string]*queueState, len(configs)),
		environments: make(map[string]*queueState),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// SetEnvironmentConfig installs limits for one environment on one queue.
func (m *Manager) SetEnvironmentConfig(queue, environmentID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.environments[environmentKey(queue, environmentID)] = newQueueState(cfg)
}

// Acquire checks rate limits and concurrency for the given queue and
// environment. If the job is allowed to proceed it increments the
// active counters and returns true. The caller MUST call Release when
// the job completes.
func (m *Manager) Acquire(queue, environmentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs != nil {
		if qs.limiter != nil && !qs.limiter.Allow() {
			return false
		}
		if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
			return false
		}
	}

	var es *queueState
	if environmentID != "" {
		es = m.environments[environmentKey(queue, environmentID)]
		if es != nil {
			if es.limiter != nil && !es.limiter.Allow() {
				return false
			}
			if es.config.MaxConcurrency > 0 && es.active >= es.config.MaxConcurrency {
				return false
			}
			es.active++
		}
	}

	if qs != nil {
		qs.active++
	}

	return true
}

// Release decrements the active job count for the queue and environment.
func (m *Manager) Release(queue, environmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}

	if environmentID != "" {
		if es := m.environments[environmentKey(queue, environmentID)]; es != nil && es.active > 0 {
			es.active--
		}
	}
}

// ActiveCount returns the current number of active jobs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
