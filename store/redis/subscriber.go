package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/notify"
	"github.com/xraph/notify/id"
	"github.com/xraph/notify/scope"
	"github.com/xraph/notify/subscriber"
)

// UpsertSubscriber creates or replaces a subscriber record.
func (s *Store) UpsertSubscriber(ctx context.Context, sub *subscriber.Subscriber) error {
	if !scope.Check(ctx, sub.EnvironmentID) {
		return notify.ErrScopeViolation
	}

	sub.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("notify/redis: marshal subscriber: %w", err)
	}
	if err := s.client.Set(ctx, subscriberKey(sub.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("notify/redis: upsert subscriber: %w", err)
	}
	return nil
}

// GetSubscriber retrieves a subscriber by ID, scope-checked.
func (s *Store) GetSubscriber(ctx context.Context, subscriberID id.SubscriberID) (*subscriber.Subscriber, error) {
	data, err := s.client.Get(ctx, subscriberKey(subscriberID.String())).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, notify.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("notify/redis: get subscriber: %w", err)
	}

	var sub subscriber.Subscriber
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("notify/redis: unmarshal subscriber: %w", err)
	}
	if !scope.Check(ctx, sub.EnvironmentID) {
		return nil, notify.ErrScopeViolation
	}
	return &sub, nil
}
