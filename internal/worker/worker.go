// Package worker evaluates detection models asynchronously from the EventBus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/surveil/internal/bus"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/scoring"
)

// Store is the part of the metadata store the worker needs.
type Store interface {
	Snapshot(ctx context.Context, tenantID string) (*domain.Snapshot, error)
	SaveAlertTrace(ctx context.Context, tenantID string, trace *domain.AlertTrace) error
}

// Invalidator drops cached resolutions of a setting.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, settingID string) error
}

// Worker consumes calculation-completed events, evaluates the model and
// publishes the resulting alert trace.
type Worker struct {
	bus         domain.EventBus
	store       Store
	aggregator  *scoring.Aggregator
	invalidator Invalidator

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// EvaluatorGroup is the queue group evaluation workers share, so each
// calculation event is evaluated by one worker across replicas.
const EvaluatorGroup = "surveil-evaluators"

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = the global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker. invalidator may be nil when the
// resolution cache is disabled.
func NewWorker(eventBus domain.EventBus, store Store, aggregator *scoring.Aggregator, invalidator Invalidator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         eventBus,
		store:       store,
		aggregator:  aggregator,
		invalidator: invalidator,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the evaluation topics of the given tenants.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.GlobalTenant}
	}

	for _, tenantID := range tenants {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(tenants),
	)

	return nil
}

// startTenantWorker subscribes one tenant's calculation and setting topics.
// Setting changes are broadcast: every replica holds its own cache.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.SubscribeQueue(w.ctx, tenantID, domain.TopicCalculationCompleted, EvaluatorGroup, func(ctx context.Context, msg *domain.Message) error {
		return w.processCalculations(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	if w.invalidator != nil {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSettingChanged, func(ctx context.Context, msg *domain.Message) error {
			return w.invalidateSetting(ctx, tenantID, msg)
		})
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicCalculationCompleted,
	)

	return nil
}

// processCalculations evaluates one model run through the pipeline.
func (w *Worker) processCalculations(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	event, err := bus.DecodeEvent[domain.CalculationCompleted](msg)
	if err != nil {
		slog.Error("failed to parse calculation message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Payload tenant wins, then the envelope's (global subscriptions)
	switch {
	case event.TenantID != "":
		tenantID = event.TenantID
	case msg.TenantID != "":
		tenantID = msg.TenantID
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Unix(0, msg.Timestamp).UTC()
	}

	// 1. Load the metadata snapshot
	snapshot, err := w.store.Snapshot(ctx, tenantID)
	if err != nil {
		slog.Error("failed to load snapshot",
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	model, err := snapshot.Model(event.ModelID)
	if err != nil {
		slog.Warn("calculation event for unknown model",
			"tenant_id", tenantID,
			"model_id", event.ModelID,
		)
		return err
	}

	// 2. Evaluate
	alert := w.aggregator.Evaluate(ctx, &scoring.EvaluateInput{
		TenantID:  tenantID,
		Model:     model,
		Outputs:   event.CalculationOutputs,
		Context:   event.Context,
		Timestamp: timestamp,
	}, snapshot)

	// 3. Save trace
	if err := w.store.SaveAlertTrace(ctx, tenantID, alert); err != nil {
		slog.Error("failed to save alert trace",
			"alert_id", alert.AlertID,
			"error", err,
		)
	}

	// 4. Publish to evaluated and, if fired, alert topics
	if err := bus.PublishAlert(ctx, w.bus, tenantID, alert); err != nil {
		slog.Error("failed to publish alert",
			"alert_id", alert.AlertID,
			"error", err,
		)
	}

	slog.Info("model evaluated",
		"alert_id", alert.AlertID,
		"model_id", alert.ModelID,
		"tenant_id", tenantID,
		"alert_fired", alert.AlertFired,
		"trigger_path", alert.TriggerPath,
		"accumulated_score", alert.AccumulatedScore,
		"errors", len(alert.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

func (w *Worker) invalidateSetting(ctx context.Context, tenantID string, msg *domain.Message) error {
	event, err := bus.DecodeEvent[domain.SettingChanged](msg)
	if err != nil {
		return err
	}
	if msg.TenantID != "" {
		tenantID = msg.TenantID
	}
	if err := w.invalidator.Invalidate(ctx, tenantID, event.SettingID); err != nil {
		return fmt.Errorf("failed to invalidate setting %s: %w", event.SettingID, err)
	}
	slog.Debug("resolution cache invalidated",
		"tenant_id", tenantID,
		"setting_id", event.SettingID,
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
