package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the synchronization engine. A nil
// or disabled Metrics is safe to call; every recorder no-ops.
type Metrics struct {
	config MetricsConfig

	// Event metrics
	eventsProcessed *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec

	// Lock metrics
	lockWaitDuration prometheus.Histogram
	lockTimeouts     prometheus.Counter

	// Repository metrics
	repositoryCalls  *prometheus.CounterVec
	repositoryErrors *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Queue metrics
	queueDepth prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_processed_total",
				Help:      "Total number of synchronization events processed",
			},
			[]string{"situation", "action", "outcome"},
		),
		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_duration_seconds",
				Help:      "Duration of event execution",
				Buckets:   buckets,
			},
			[]string{"action"},
		),
		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of resolved actions executed",
			},
			[]string{"action"},
		),
		lockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent waiting on per-key advisory locks",
				Buckets:   buckets,
			},
		),
		lockTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_timeouts_total",
				Help:      "Total number of lock acquisitions that timed out",
			},
		),
		repositoryCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_calls_total",
				Help:      "Total number of repository port calls",
			},
			[]string{"operation"},
		),
		repositoryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repository_errors_total",
				Help:      "Total number of repository port failures",
			},
			[]string{"operation", "code"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified failures",
			},
			[]string{"class", "code"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of events waiting in the dispatch queue",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.eventsProcessed,
		m.eventDuration,
		m.actionsExecuted,
		m.lockWaitDuration,
		m.lockTimeouts,
		m.repositoryCalls,
		m.repositoryErrors,
		m.errorsByClass,
		m.queueDepth,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordEvent records a processed event.
func (m *Metrics) RecordEvent(situation, action, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.eventsProcessed.WithLabelValues(situation, action, outcome).Inc()
	if action != "" {
		m.eventDuration.WithLabelValues(action).Observe(duration.Seconds())
		m.actionsExecuted.WithLabelValues(action).Inc()
	}
}

// RecordLockWait records a lock acquisition wait.
func (m *Metrics) RecordLockWait(duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.lockWaitDuration.Observe(duration.Seconds())
}

// RecordLockTimeout records an expired lock wait.
func (m *Metrics) RecordLockTimeout() {
	if !m.enabled() {
		return
	}
	m.lockTimeouts.Inc()
}

// RecordRepositoryCall records a repository port call and, when code is
// non-empty, its failure.
func (m *Metrics) RecordRepositoryCall(operation, code string) {
	if !m.enabled() {
		return
	}
	m.repositoryCalls.WithLabelValues(operation).Inc()
	if code != "" {
		m.repositoryErrors.WithLabelValues(operation, code).Inc()
	}
}

// RecordError records a classified failure.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class, code).Inc()
}

// SetQueueDepth updates the dispatch queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	if !m.enabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server on the configured address. It blocks
// until the server stops.
func (m *Metrics) Serve() error {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	return http.ListenAndServe(m.config.ListenAddress, mux)
}
