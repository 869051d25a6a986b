package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for cadence
type Metrics struct {
	// Dispatch
	ClaimsTotal             *prometheus.CounterVec
	DispatchesTotal         *prometheus.CounterVec
	DispatchDurationSeconds *prometheus.HistogramVec
	RecipientOutcomesTotal  *prometheus.CounterVec
	Schedulables            *prometheus.GaugeVec

	// Automation
	EventsTotal      *prometheus.CounterVec
	RuleFiringsTotal *prometheus.CounterVec

	// Payments
	ReconcileTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
	counters map[string]*prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_claims_total",
				Help: "Claim attempts on due schedulables by result (won, conflict, stale)",
			},
			[]string{"result"},
		),
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_dispatches_total",
				Help: "Finalized dispatches by kind and terminal state",
			},
			[]string{"kind", "state"},
		),
		DispatchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_dispatch_duration_seconds",
				Help:    "Time from claim to finalize",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),
		RecipientOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_recipient_outcomes_total",
				Help: "Per-recipient delivery outcomes",
			},
			[]string{"channel", "status"},
		),
		Schedulables: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cadence_schedulables",
				Help: "Schedulables by state",
			},
			[]string{"state"},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_events_total",
				Help: "Domain events received by type and source",
			},
			[]string{"type", "source"},
		),
		RuleFiringsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_rule_firings_total",
				Help: "Rule firings scheduled by trigger",
			},
			[]string{"trigger"},
		),

		ReconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_payment_reconcile_total",
				Help: "Payment reconciliation results by outcome",
			},
			[]string{"outcome"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_ratelimit_exceeded_total",
				Help: "Deliveries refused by a send quota",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_storage_used_bytes",
				Help: "SQLite database file size in bytes",
			},
		),

		registry: reg,
	}

	// Counters restored from disk by the Collector, keyed by metric name.
	m.counters = map[string]*prometheus.CounterVec{
		"cadence_claims_total":             m.ClaimsTotal,
		"cadence_dispatches_total":         m.DispatchesTotal,
		"cadence_recipient_outcomes_total": m.RecipientOutcomesTotal,
		"cadence_events_total":             m.EventsTotal,
		"cadence_rule_firings_total":       m.RuleFiringsTotal,
		"cadence_payment_reconcile_total":  m.ReconcileTotal,
		"cadence_api_requests_total":       m.APIRequestsTotal,
		"cadence_api_errors_total":         m.APIErrorsTotal,
		"cadence_ratelimit_exceeded_total": m.RateLimitExceededTotal,
	}

	reg.MustRegister(
		m.ClaimsTotal,
		m.DispatchesTotal,
		m.DispatchDurationSeconds,
		m.RecipientOutcomesTotal,
		m.Schedulables,
		m.EventsTotal,
		m.RuleFiringsTotal,
		m.ReconcileTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncClaims counts a claim attempt
func IncClaims(result string) {
	if m := Global(); m != nil {
		m.ClaimsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveDispatch records a finalized dispatch
func ObserveDispatch(kind, state string, seconds float64) {
	if m := Global(); m != nil {
		m.DispatchesTotal.WithLabelValues(kind, state).Inc()
		m.DispatchDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// IncOutcome counts a per-recipient outcome
func IncOutcome(channel, status string) {
	if m := Global(); m != nil {
		m.RecipientOutcomesTotal.WithLabelValues(channel, status).Inc()
	}
}

// IncEvents counts a received domain event
func IncEvents(eventType, source string) {
	if m := Global(); m != nil {
		m.EventsTotal.WithLabelValues(eventType, source).Inc()
	}
}

// IncRuleFirings counts a scheduled rule firing
func IncRuleFirings(trigger string) {
	if m := Global(); m != nil {
		m.RuleFiringsTotal.WithLabelValues(trigger).Inc()
	}
}

// IncReconcile counts a reconciliation result
func IncReconcile(outcome string) {
	if m := Global(); m != nil {
		m.ReconcileTotal.WithLabelValues(outcome).Inc()
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
