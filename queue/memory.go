package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Queue for unit testing and development.
// Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	now      func() time.Time
}

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source used for due checks (tests).
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-process queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds a message.
func (m *Memory) Enqueue(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Dequeue removes and returns up to limit due messages, earliest first.
func (m *Memory) Dequeue(_ context.Context, queues []string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := m.now()

	due := make([]int, 0, limit)
	for i, msg := range m.messages {
		if !msg.DelayUntil.IsZero() && msg.DelayUntil.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[msg.Queue]; !ok {
				continue
			}
		}
		due = append(due, i)
	}

	sort.SliceStable(due, func(i, k int) bool {
		return m.messages[due[i]].DelayUntil.Before(m.messages[due[k]].DelayUntil)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]Message, 0, len(due))
	taken := make(map[int]struct{}, len(due))
	for _, i := range due {
		result = append(result, m.messages[i])
		taken[i] = struct{}{}
	}

	remaining := m.messages[:0]
	for i, msg := range m.messages {
		if _, ok := taken[i]; !ok {
			remaining = append(remaining, msg)
		}
	}
	m.messages = remaining

	return result, nil
}

// Len returns the number of pending messages (due or delayed).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
