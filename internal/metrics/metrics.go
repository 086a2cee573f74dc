// Package metrics exposes Prometheus metrics for campaign dispatch.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Pulsecast
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesDeferredTotal *prometheus.CounterVec

	// Targeting counters
	DuplicatesExcludedTotal prometheus.Counter
	CampaignsCreatedTotal   prometheus.Counter

	// Session gauges and counters
	SessionQuotaRemaining *prometheus.GaugeVec
	SessionBackoffSeconds *prometheus.GaugeVec
	SessionPausesTotal    *prometheus.CounterVec
	QuotaDeniedTotal      *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecast_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"session"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecast_messages_failed_total",
				Help: "Total number of permanently failed messages",
			},
			[]string{"session", "error_type"},
		),
		MessagesDeferredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecast_messages_deferred_total",
				Help: "Total number of sends deferred for later retry",
			},
			[]string{"session"},
		),

		DuplicatesExcludedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsecast_duplicates_excluded_total",
				Help: "Total candidates excluded by cross-campaign deduplication",
			},
		),
		CampaignsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pulsecast_campaigns_created_total",
				Help: "Total campaigns created",
			},
		),

		SessionQuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulsecast_session_quota_remaining",
				Help: "Remaining hourly quota per session",
			},
			[]string{"session"},
		),
		SessionBackoffSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pulsecast_session_backoff_seconds",
				Help: "Current backoff delay per session in seconds",
			},
			[]string{"session"},
		),
		SessionPausesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecast_session_pauses_total",
				Help: "Total backoff pause transitions per session",
			},
			[]string{"session"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecast_quota_denied_total",
				Help: "Total sends denied by the hourly session quota",
			},
			[]string{"session"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pulsecast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pulsecast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesDeferredTotal,
		m.DuplicatesExcludedTotal,
		m.CampaignsCreatedTotal,
		m.SessionQuotaRemaining,
		m.SessionBackoffSeconds,
		m.SessionPausesTotal,
		m.QuotaDeniedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
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

// Get returns the global metrics instance, which may be nil
func Get() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}
