// Package bus carries calculation, alert and setting events between
// Surveil components over Go channels or NATS.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
)

// ChannelBus implements EventBus in process with buffered Go channels.
// Used as the Community tier event bus.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	routes     map[string]*route
	closed     bool
	metrics    *metrics.Metrics
}

// route holds the subscribers of one tenant/topic pair.
type route struct {
	broadcast []*channelSubscription
	groups    map[string]*queueGroup
}

// queueGroup hands each message to one member, round-robin.
type queueGroup struct {
	members []*channelSubscription
	next    atomic.Uint64
}

type channelSubscription struct {
	id      string
	key     string
	group   string
	topic   string
	bus     *ChannelBus
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		routes:     make(map[string]*route),
	}
}

// Publish delivers payload to the tenant's subscribers and to the global
// ones. Delivery never blocks: a full subscriber buffer drops the message.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	targets := b.targets(b.routes[routeKey(tenantID, topic)], nil)
	if tenantID != domain.GlobalTenant {
		targets = b.targets(b.routes[routeKey(domain.GlobalTenant, topic)], targets)
	}
	b.mu.RUnlock()

	b.metrics.RecordBus(topic, metrics.BusPublished)

	for _, sub := range targets {
		select {
		case sub.msgCh <- msg:
		default:
			b.metrics.RecordBus(topic, metrics.BusDropped)
			slog.Warn("subscriber buffer full, dropping event",
				"tenant_id", tenantID,
				"topic", topic,
				"subscription_id", sub.id,
			)
		}
	}

	return nil
}

// targets appends every broadcast subscriber of r and one member of each of
// its queue groups. Callers hold b.mu.
func (b *ChannelBus) targets(r *route, out []*channelSubscription) []*channelSubscription {
	if r == nil {
		return out
	}
	out = append(out, r.broadcast...)
	for _, g := range r.groups {
		if n := len(g.members); n > 0 {
			out = append(out, g.members[(g.next.Add(1)-1)%uint64(n)])
		}
	}
	return out
}

// Subscribe registers a handler for every message of a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// SubscribeQueue registers handler as one member of a queue group.
func (b *ChannelBus) SubscribeQueue(ctx context.Context, tenantID string, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("queue group is required")
	}
	return b.subscribe(ctx, tenantID, topic, group, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, tenantID, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		key:     routeKey(tenantID, topic),
		group:   group,
		topic:   topic,
		bus:     b,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	r := b.routes[sub.key]
	if r == nil {
		r = &route{groups: make(map[string]*queueGroup)}
		b.routes[sub.key] = r
	}
	if group == "" {
		r.broadcast = append(r.broadcast, sub)
	} else {
		g := r.groups[group]
		if g == nil {
			g = &queueGroup{}
			r.groups[group] = g
		}
		g.members = append(g.members, sub)
	}

	go b.handleMessages(sub)

	return sub, nil
}

// handleMessages runs one subscription's handler until it is cancelled.
func (b *ChannelBus) handleMessages(sub *channelSubscription) {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-sub.msgCh:
			if !ok {
				return
			}
			if err := sub.handler(sub.ctx, msg); err != nil {
				b.metrics.RecordBus(msg.Topic, metrics.BusFailed)
				slog.Error("handler error",
					"topic", msg.Topic,
					"tenant_id", msg.TenantID,
					"message_id", msg.ID,
					"error", err,
				)
				continue
			}
			b.metrics.RecordBus(msg.Topic, metrics.BusDelivered)
		}
	}
}

// remove detaches sub from its route.
func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.routes[sub.key]
	if r == nil {
		return
	}
	if sub.group == "" {
		r.broadcast = without(r.broadcast, sub)
	} else if g := r.groups[sub.group]; g != nil {
		g.members = without(g.members, sub)
		if len(g.members) == 0 {
			delete(r.groups, sub.group)
		}
	}
	if len(r.broadcast) == 0 && len(r.groups) == 0 {
		delete(b.routes, sub.key)
	}
}

func without(subs []*channelSubscription, sub *channelSubscription) []*channelSubscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	return out
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close cancels every subscription. Buffered messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, r := range b.routes {
		for _, sub := range r.broadcast {
			sub.cancel()
		}
		for _, g := range r.groups {
			for _, sub := range g.members {
				sub.cancel()
			}
		}
	}
	b.routes = make(map[string]*route)
	return nil
}

func routeKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe stops delivery and detaches the subscription from the bus.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.remove(s)
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
