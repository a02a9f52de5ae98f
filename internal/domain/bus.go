package domain

import (
	"context"
	"regexp"
	"time"
)

// GlobalTenant is the subscription tenant that receives every tenant's
// messages for a topic. It is also the cache namespace of untenanted data.
const GlobalTenant = "_global"

// Tenant IDs are bus subject tokens and cache key segments, so they carry
// no dots, colons or braces.
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidTenantID reports whether id is a well-formed tenant ID.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// EventBus carries pipeline events between nodes. Every message belongs to
// a tenant; a GlobalTenant subscription sees the topic for all tenants.
type EventBus interface {
	// Publish sends payload to every subscriber of the topic and to one
	// member of each queue group.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe delivers every message of the topic to handler.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// SubscribeQueue joins a queue group: each message of the topic goes to
	// exactly one member of the group across all nodes.
	SubscribeQueue(ctx context.Context, tenantID string, topic string, group string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is one delivered event. TenantID is the publishing tenant even
// when the subscription is global.
type Message struct {
	ID        string
	TenantID  string
	Topic     string
	Payload   []byte
	Timestamp int64 // unix nanoseconds
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds
}

// Standard topic names for the evaluation pipeline.
const (
	TopicCalculationCompleted = "surveil.calculation.completed"
	TopicAlertEvaluated       = "surveil.alert.evaluated"
	TopicAlertFired           = "surveil.alert.fired"
	TopicSettingChanged       = "surveil.setting.changed"
)

// CalculationCompleted is the payload published by the calculation
// execution system once every output of a model run is available.
type CalculationCompleted struct {
	ModelID            string                       `json:"model_id"`
	TenantID           string                       `json:"tenant_id,omitempty"`
	Context            Context                      `json:"context"`
	CalculationOutputs map[string]CalculationOutput `json:"calculation_outputs"`
	Timestamp          time.Time                    `json:"timestamp,omitempty"`
}

// SettingChanged announces that a setting was saved or deleted so that
// resolution caches on every node drop its entries.
type SettingChanged struct {
	SettingID string `json:"setting_id"`
	Deleted   bool   `json:"deleted,omitempty"`
}
