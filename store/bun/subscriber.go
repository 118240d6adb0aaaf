package bunstore

import (
	"context"
	"fmt"
	"time"

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
	m, err := toSubscriberModel(sub)
	if err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	_, err = s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("environment_id = EXCLUDED.environment_id").
		Set("organization_id = EXCLUDED.organization_id").
		Set("email = EXCLUDED.email").
		Set("phone = EXCLUDED.phone").
		Set("device_tokens = EXCLUDED.device_tokens").
		Set("chat_webhook = EXCLUDED.chat_webhook").
		Set("online = EXCLUDED.online").
		Set("last_online_at = EXCLUDED.last_online_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("notify/bun: upsert subscriber: %w", err)
	}
	return nil
}

// GetSubscriber retrieves a subscriber by ID, scope-checked against the
// ambient environment.
func (s *Store) GetSubscriber(ctx context.Context, subscriberID id.SubscriberID) (*subscriber.Subscriber, error) {
	m := new(subscriberModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", subscriberID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, notify.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("notify/bun: get subscriber: %w", err)
	}
	if !scope.Check(ctx, m.EnvironmentID) {
		return nil, notify.ErrScopeViolation
	}
	return fromSubscriberModel(m)
}
