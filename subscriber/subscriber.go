// Package subscriber defines the recipient entity and the read-only
// preference lookup the dispatcher consults before sending.
package subscriber

import (
	"context"
	"time"

	"github.com/xraph/notify"
	"github.com/xraph/notify/channel"
	"github.com/xraph/notify/id"
)

// Subscriber is one notification recipient inside an environment.
type Subscriber struct {
	notify.Entity

	ID             id.SubscriberID `json:"id"`
	EnvironmentID  string          `json:"environment_id"`
	OrganizationID string          `json:"organization_id,omitempty"`

	Email        string   `json:"email,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	DeviceTokens []string `json:"device_tokens,omitempty"`
	ChatWebhook  string   `json:"chat_webhook,omitempty"`

	// Online state feeds the matcher's online/seen-within filters.
	Online       bool       `json:"online"`
	LastOnlineAt *time.Time `json:"last_online_at,omitempty"`
}

// Target returns the delivery address for a channel kind, or "" when the
// subscriber has none (a missing target is a skip, not an error).
func (s *Subscriber) Target(kind channel.Kind) string {
	switch kind {
	case channel.KindEmail:
		return s.Email
	case channel.KindSMS:
		return s.Phone
	case channel.KindPush:
		if len(s.DeviceTokens) > 0 {
			return s.DeviceTokens[0]
		}
		return ""
	case channel.KindChat:
		return s.ChatWebhook
	case channel.KindInApp:
		return s.ID.String()
	default:
		return ""
	}
}

// Store defines the persistence contract for subscribers.
type Store interface {
	// UpsertSubscriber creates or replaces a subscriber record.
	UpsertSubscriber(ctx context.Context, s *Subscriber) error

	// GetSubscriber retrieves a subscriber by ID, scope-checked against
	// the ambient environment.
	GetSubscriber(ctx context.Context, subscriberID id.SubscriberID) (*Subscriber, error)
}

// PreferenceSource is the read-only lookup for per-subscriber channel
// preferences. Implementations live outside this module; a permissive
// default is provided for wiring without a preference backend.
type PreferenceSource interface {
	// GetPreference reports whether the subscriber accepts the given
	// channel for the given workflow.
	GetPreference(ctx context.Context, subscriberID id.SubscriberID, workflowID id.WorkflowID, kind channel.Kind) (bool, error)
}

// AllowAll is a PreferenceSource that accepts every channel.
type AllowAll struct{}

// GetPreference always returns true.
func (AllowAll) GetPreference(context.Context, id.SubscriberID, id.WorkflowID, channel.Kind) (bool, error) {
	return true, nil
}
