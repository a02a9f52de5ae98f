package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Message headers. The payload travels as the raw NATS message body.
const (
	headerMessageID = "Surveil-Message-Id"
	headerTenantID  = "Surveil-Tenant"
	headerTimestamp = "Surveil-Timestamp"
)

// subjectPrefix roots every subject: surveil.<tenant>.<topic>.
const subjectPrefix = "surveil"

// NATSBus implements EventBus over NATS core subjects.
// Used as the Pro tier event bus with resilience.
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
	config        domain.EventBusConfig
	metrics       *metrics.Metrics
}

type natsSubscription struct {
	id    string
	topic string
	bus   *NATSBus
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying up to NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	conn, err := connectWithRetry(cfg, natsOptions(cfg))
	if err != nil {
		return nil, err
	}
	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
	)

	return &NATSBus{
		conn:          conn,
		subscriptions: make(map[string]*natsSubscription),
		config:        cfg,
	}, nil
}

// natsOptions configures reconnection and logs connection lifecycle events.
func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	opts := []nats.Option{
		nats.Name("surveil"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		// Publishes made while reconnecting are buffered up to 8MB.
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
				if dropped, derr := sub.Dropped(); derr == nil && dropped > 0 {
					attrs = append(attrs, "dropped", dropped)
				}
			}
			slog.Error("NATS async error", attrs...)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// connectWithRetry dials until the server answers or attempts run out.
func connectWithRetry(cfg domain.EventBusConfig, opts []nats.Option) (*nats.Conn, error) {
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	// A negative reconnect budget means unlimited reconnects once
	// connected, but the initial dial still gets one attempt.
	attempts := max(cfg.NATSMaxReconnects, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := nats.Connect(cfg.NATSUrl, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS at %s after %d attempts: %w", cfg.NATSUrl, attempts, lastErr)
}

// Publish sends payload on the tenant's subject for topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	msg := nats.NewMsg(subject(tenantID, topic))
	msg.Data = payload
	msg.Header.Set(headerMessageID, uuid.New().String())
	msg.Header.Set(headerTenantID, tenantID)
	msg.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().UnixNano(), 10))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := b.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	b.metrics.RecordBus(topic, metrics.BusPublished)
	return nil
}

// Subscribe delivers every message of topic. A GlobalTenant subscription
// listens on the tenant wildcard.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// SubscribeQueue joins a NATS queue group on the topic's subject.
func (b *NATSBus) SubscribeQueue(ctx context.Context, tenantID string, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("queue group is required")
	}
	return b.subscribe(ctx, tenantID, topic, group, handler)
}

func (b *NATSBus) subscribe(ctx context.Context, tenantID, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	subj := subject(tenantID, topic)
	if tenantID == domain.GlobalTenant {
		subj = subject("*", topic)
	}

	cb := func(m *nats.Msg) {
		msg := toMessage(m, topic)
		hctx := ctx
		if m.Header != nil {
			hctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(m.Header))
		}
		if err := handler(hctx, msg); err != nil {
			b.metrics.RecordBus(topic, metrics.BusFailed)
			slog.Error("handler error",
				"subject", m.Subject,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
			return
		}
		b.metrics.RecordBus(topic, metrics.BusDelivered)
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if group == "" {
		natsSub, err = b.conn.Subscribe(subj, cb)
	} else {
		natsSub, err = b.conn.QueueSubscribe(subj, group, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subj, err)
	}

	sub := &natsSubscription{
		id:    uuid.New().String(),
		topic: topic,
		bus:   b,
		sub:   natsSub,
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

// toMessage rebuilds the delivered message from headers, falling back to
// the subject's tenant token for publishers that set no headers.
func toMessage(m *nats.Msg, topic string) *domain.Message {
	msg := &domain.Message{
		Topic:   topic,
		Payload: m.Data,
	}
	if m.Header != nil {
		msg.ID = m.Header.Get(headerMessageID)
		msg.TenantID = m.Header.Get(headerTenantID)
		msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64)
	}
	if msg.TenantID == "" {
		msg.TenantID = tenantOfSubject(m.Subject)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}
	return msg
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight messages of every subscription, then closes the
// connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func subject(tenantID, topic string) string {
	return subjectPrefix + "." + tenantID + "." + topic
}

// tenantOfSubject extracts the tenant token of surveil.<tenant>.<topic>.
func tenantOfSubject(subj string) string {
	rest, ok := strings.CutPrefix(subj, subjectPrefix+".")
	if !ok {
		return ""
	}
	tenant, _, _ := strings.Cut(rest, ".")
	return tenant
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
