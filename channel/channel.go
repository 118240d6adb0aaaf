// Package channel defines the delivery channel kinds, the rendered
// message, and the uniform Sender contract implemented once per channel.
// Concrete provider integrations (SMTP, SMS gateways, push services)
// live outside this module and plug in as Senders.
package channel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/notify/id"
)

// Kind is the tagged variant of delivery channel.
type Kind string

const (
	KindEmail Kind = "email"
	KindSMS   Kind = "sms"
	KindPush  Kind = "push"
	KindChat  Kind = "chat"
	KindInApp Kind = "in_app"
)

// Kinds lists all delivery channel kinds.
func Kinds() []Kind {
	return []Kind{KindEmail, KindSMS, KindPush, KindChat, KindInApp}
}

// Valid reports whether k names a known channel.
func (k Kind) Valid() bool {
	switch k {
	case KindEmail, KindSMS, KindPush, KindChat, KindInApp:
		return true
	default:
		return false
	}
}

// Message is the rendered content handed to a Sender.
type Message struct {
	ID      id.MessageID    `json:"id"`
	JobID   id.JobID        `json:"job_id"`
	Kind    Kind            `json:"kind"`
	Subject string          `json:"subject,omitempty"`
	Body    string          `json:"body"`

	// Overrides carries channel-specific options from the trigger
	// (e.g. reply-to address) for the provider to interpret.
	Overrides json.RawMessage `json:"overrides,omitempty"`
}

// Receipt is the provider acknowledgement for a delivered message.
type Receipt struct {
	// ProviderID is the provider's own identifier for the delivery.
	ProviderID string            `json:"provider_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
}

// Sender delivers a rendered message to one target over one channel.
// A nil error means the provider accepted the message; any error is a
// retryable dispatch failure unless wrapped otherwise by the caller.
type Sender interface {
	Send(ctx context.Context, msg *Message, target string) (*Receipt, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *Message, target string) (*Receipt, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, msg *Message, target string) (*Receipt, error) {
	return f(ctx, msg, target)
}

// Registry maps channel kinds to their Sender. It is populated once at
// build time and read-only afterwards, so no locking is needed.
type Registry struct {
	senders map[Kind]Sender
}

// NewRegistry creates a registry from explicit kind → sender pairs.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[Kind]Sender)}
}

// Register sets the sender for a kind, replacing any previous one.
func (r *Registry) Register(kind Kind, s Sender) {
	r.senders[kind] = s
}

// Get returns the sender for a kind.
func (r *Registry) Get(kind Kind) (Sender, bool) {
	s, ok := r.senders[kind]
	return s, ok
}

// Kinds returns the kinds that have a registered sender.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.senders))
	for k := range r.senders {
		kinds = append(kinds, k)
	}
	return kinds
}
