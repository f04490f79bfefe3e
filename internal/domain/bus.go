package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// Notifier is the realtime collaborator. Delivery ordering and fan-out are its concern.
type Notifier interface {
	AlertCreated(ctx context.Context, alert *Alert) error
	AlertUpdated(ctx context.Context, alert *Alert, entry *AuditEntry) error
	ConfigUpdated(ctx context.Context, cfg *RuleConfig) error
}

// AlertEvent is the payload of alert topics.
type AlertEvent struct {
	Alert *Alert      `json:"alert"`
	Entry *AuditEntry `json:"entry,omitempty"`
}

// ConfigEvent is the payload of the config topic.
type ConfigEvent struct {
	Version   int64  `json:"version"`
	UpdatedBy string `json:"updatedBy,omitempty"`
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds

	// NATSQueueGroup load-balances scored transactions across nodes.
	NATSQueueGroup string
}

// Topic names.
const (
	TopicTransactionScored = "kestrel.transaction.scored"
	TopicDecision          = "kestrel.decision"
	TopicAlertCreated      = "kestrel.alert.created"
	TopicAlertUpdated      = "kestrel.alert.updated"
	TopicConfigUpdated     = "kestrel.config.updated"
)
