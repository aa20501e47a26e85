package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for convergence runs. A disabled
// instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	skips          *prometheus.CounterVec
	notifications  *prometheus.CounterVec

	resourcesDeclared prometheus.Gauge
	pendingDelayed    prometheus.Gauge

	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of convergence runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of convergence runs finished, by status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of convergence runs in seconds",
			Buckets:   buckets,
		}, []string{"status"}),

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "actions_total",
			Help:      "Dispatched provider actions, by resource type, action and outcome",
		}, []string{"resource_type", "action", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "action_duration_seconds",
			Help:      "Duration of provider actions in seconds",
			Buckets:   buckets,
		}, []string{"resource_type", "action"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "guard_skips_total",
			Help:      "Resources skipped by not_if/only_if guards",
		}, []string{"resource_type", "guard"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifications_total",
			Help:      "Notifications sent, by timing",
		}, []string{"timing"}),

		resourcesDeclared: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "resources_declared",
			Help:      "Resources declared in the current run",
		}),
		pendingDelayed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_delayed_notifications",
			Help:      "Delayed notifications waiting to be drained",
		}),

		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Errors by kind and code",
		}, []string{"kind", "code"}),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.actions,
		m.actionDuration,
		m.skips,
		m.notifications,
		m.resourcesDeclared,
		m.pendingDelayed,
		m.errorsByCode,
	)

	return m, nil
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a finished run.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAction records one dispatched action. Outcome is updated, unchanged or failed.
func (m *Metrics) RecordAction(resourceType, action, outcome string, duration time.Duration) {
	if m == nil || m.actions == nil {
		return
	}
	m.actions.WithLabelValues(resourceType, action, outcome).Inc()
	m.actionDuration.WithLabelValues(resourceType, action).Observe(duration.Seconds())
}

// RecordSkip counts a guard skip.
func (m *Metrics) RecordSkip(resourceType, guard string) {
	if m == nil || m.skips == nil {
		return
	}
	m.skips.WithLabelValues(resourceType, guard).Inc()
}

// RecordNotification counts a notification; timing is immediate or delayed.
func (m *Metrics) RecordNotification(timing string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(timing).Inc()
}

// SetResourcesDeclared sets the declared resource gauge.
func (m *Metrics) SetResourcesDeclared(n int) {
	if m == nil || m.resourcesDeclared == nil {
		return
	}
	m.resourcesDeclared.Set(float64(n))
}

// SetPendingDelayed sets the pending delayed notification gauge.
func (m *Metrics) SetPendingDelayed(n int) {
	if m == nil || m.pendingDelayed == nil {
		return
	}
	m.pendingDelayed.Set(float64(n))
}

// RecordError counts an error by kind and code.
func (m *Metrics) RecordError(kind, code string) {
	if m == nil || m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(kind, code).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *Logger) {
	if m.registry == nil || addr == "" {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
}

// Timer measures an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
