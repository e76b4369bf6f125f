package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the gateway's Prometheus collectors.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RelayPublish("delivered")
type Metrics struct {
	// RelaySessions is the number of open relay sessions.
	RelaySessions prometheus.Gauge

	// RelayPublished counts relay publishes.
	// Labels: result (delivered|no_subscriber|remote_subscriber|queue_full)
	RelayPublished *prometheus.CounterVec

	// RelayEvictions counts sessions closed by the liveness check.
	RelayEvictions prometheus.Counter

	// RelayDropped counts inbound frames that could not be handled.
	// Labels: reason (malformed|unknown_action|missing_channel)
	RelayDropped *prometheus.CounterVec

	// CRMOperations counts adapter calls.
	// Labels: crm (HUBSPOT|SALESFORCE|PIPEDRIVE), operation, result (success|failure)
	CRMOperations *prometheus.CounterVec

	// TokenRefreshes counts access token refreshes.
	// Labels: crm, result (success|failure)
	TokenRefreshes *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RelaySessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "crmgateway_relay_sessions",
				Help: "Current number of open relay sessions",
			},
		),

		RelayPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmgateway_relay_published_total",
				Help: "Total number of relay publishes by result",
			},
			[]string{"result"},
		),

		RelayEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "crmgateway_relay_evictions_total",
				Help: "Total number of sessions closed after a missed liveness probe",
			},
		),

		RelayDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmgateway_relay_dropped_frames_total",
				Help: "Total number of inbound relay frames dropped by reason",
			},
			[]string{"reason"},
		),

		CRMOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmgateway_crm_operations_total",
				Help: "Total number of CRM adapter operations by crm, operation and result",
			},
			[]string{"crm", "operation", "result"},
		),

		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crmgateway_crm_token_refresh_total",
				Help: "Total number of CRM access token refreshes by crm and result",
			},
			[]string{"crm", "result"},
		),
	}
}

// RelayPublish records the outcome of a relay publish.
func (m *Metrics) RelayPublish(result string) {
	m.RelayPublished.WithLabelValues(result).Inc()
}

// RelayDrop records an inbound frame that was dropped.
func (m *Metrics) RelayDrop(reason string) {
	m.RelayDropped.WithLabelValues(reason).Inc()
}

// CRMOperation records the outcome of an adapter call.
func (m *Metrics) CRMOperation(crm, operation string, success bool) {
	m.CRMOperations.WithLabelValues(crm, operation, resultLabel(success)).Inc()
}

// TokenRefresh records the outcome of a token refresh.
func (m *Metrics) TokenRefresh(crm string, success bool) {
	m.TokenRefreshes.WithLabelValues(crm, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
