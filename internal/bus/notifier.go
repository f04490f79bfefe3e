package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Notifier publishes alert and config events on an EventBus.
type Notifier struct {
	bus domain.EventBus
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier wraps bus as a domain.Notifier.
func NewNotifier(bus domain.EventBus) *Notifier {
	return &Notifier{bus: bus}
}

// AlertCreated publishes on TopicAlertCreated.
func (n *Notifier) AlertCreated(ctx context.Context, alert *domain.Alert) error {
	return n.publish(ctx, domain.TopicAlertCreated, domain.AlertEvent{Alert: alert})
}

// AlertUpdated publishes on TopicAlertUpdated with the audit entry that caused the update.
func (n *Notifier) AlertUpdated(ctx context.Context, alert *domain.Alert, entry *domain.AuditEntry) error {
	return n.publish(ctx, domain.TopicAlertUpdated, domain.AlertEvent{Alert: alert, Entry: entry})
}

// ConfigUpdated publishes on TopicConfigUpdated so peers reload.
func (n *Notifier) ConfigUpdated(ctx context.Context, cfg *domain.RuleConfig) error {
	return n.publish(ctx, domain.TopicConfigUpdated, domain.ConfigEvent{Version: cfg.Version, UpdatedBy: cfg.UpdatedBy})
}

func (n *Notifier) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}
	return n.bus.Publish(ctx, topic, payload)
}
