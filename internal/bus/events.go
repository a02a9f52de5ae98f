package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/surveil/internal/domain"
)

// PublishEvent encodes v as JSON and publishes it on topic.
func PublishEvent(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodeEvent decodes a message payload into T.
func DecodeEvent[T any](msg *domain.Message) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s event %s: %w", msg.Topic, msg.ID, err)
	}
	return &v, nil
}

// PublishAlert publishes an alert trace on TopicAlertEvaluated and, when the
// alert fired, on TopicAlertFired.
func PublishAlert(ctx context.Context, b domain.EventBus, tenantID string, alert *domain.AlertTrace) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", alert.AlertID, err)
	}

	if err := b.Publish(ctx, tenantID, domain.TopicAlertEvaluated, payload); err != nil {
		return err
	}
	if alert.AlertFired {
		return b.Publish(ctx, tenantID, domain.TopicAlertFired, payload)
	}
	return nil
}
