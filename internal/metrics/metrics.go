// Package metrics exposes Prometheus metrics for the resolution and scoring engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes.
const (
	OutcomeOverride  = "override"
	OutcomeDefault   = "default"
	OutcomeTypeError = "type_error"
)

// Cache results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Bus message results.
const (
	BusPublished = "published"
	BusDelivered = "delivered"
	BusDropped   = "dropped"
	BusFailed    = "failed"
)

// Metrics holds all Surveil collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Resolutions        *prometheus.CounterVec
	ResolutionCache    *prometheus.CounterVec
	AlertEvaluations   *prometheus.CounterVec
	CalculationErrors  *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	BusMessages        *prometheus.CounterVec
	HTTPRequests       *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveil_resolutions_total",
				Help: "Setting resolutions by outcome",
			},
			[]string{"outcome"},
		),

		ResolutionCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveil_resolution_cache_total",
				Help: "Resolution cache lookups by result",
			},
			[]string{"result"},
		),

		AlertEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveil_alert_evaluations_total",
				Help: "Alert evaluations by decision and trigger path",
			},
			[]string{"fired", "trigger_path"},
		),

		CalculationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveil_calculation_errors_total",
				Help: "Calculation scoring errors recorded in alert traces",
			},
			[]string{"kind"},
		),

		EvaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "surveil_evaluation_duration_seconds",
				Help:    "Duration of alert evaluations in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),

		BusMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surveil_bus_messages_total",
				Help: "Event bus messages by topic and result",
			},
			[]string{"topic", "result"},
		),

		HTTPRequests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surveil_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.registry.MustRegister(
		m.Resolutions,
		m.ResolutionCache,
		m.AlertEvaluations,
		m.CalculationErrors,
		m.EvaluationDuration,
		m.BusMessages,
		m.HTTPRequests,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordResolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.ResolutionCache.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordCalculationError(kind string) {
	if m == nil {
		return
	}
	m.CalculationErrors.WithLabelValues(kind).Inc()
}

// RecordEvaluation counts one alert evaluation and observes its duration.
func (m *Metrics) RecordEvaluation(fired bool, triggerPath string, d time.Duration) {
	if m == nil {
		return
	}
	m.AlertEvaluations.WithLabelValues(strconv.FormatBool(fired), triggerPath).Inc()
	m.EvaluationDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordBus(topic, result string) {
	if m == nil {
		return
	}
	m.BusMessages.WithLabelValues(topic, result).Inc()
}

// RecordHTTP observes one served request. route is the matched pattern,
// not the raw path.
func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
