// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for monitoring.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// OAuth2 metrics
	TokensIssued      *prometheus.CounterVec
	TokenErrors       *prometheus.CounterVec
	AuthorizeRequests *prometheus.CounterVec
	TokensRevoked     prometheus.Counter

	// Health metrics
	HealthChecksTotal     *prometheus.CounterVec
	ComponentHealthStatus *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which keeps parallel tests from colliding on the default
// registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth2_tokens_issued_total",
				Help: "Total number of successful token endpoint responses",
			},
			[]string{"grant_type"},
		),
		TokenErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth2_token_errors_total",
				Help: "Total number of OAuth2 error responses",
			},
			[]string{"endpoint", "error_code"},
		),
		AuthorizeRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth2_authorization_requests_total",
				Help: "Total number of authorization requests by outcome",
			},
			[]string{"outcome"},
		),
		TokensRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oauth2_revocation_requests_total",
				Help: "Total number of accepted revocation requests",
			},
		),
		HealthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "health_checks_total",
				Help: "Total number of health checks",
			},
			[]string{"endpoint", "status"},
		),
		ComponentHealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "component_health_status",
				Help: "Health status of service components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.TokensIssued,
			m.TokenErrors,
			m.AuthorizeRequests,
			m.TokensRevoked,
			m.HealthChecksTotal,
			m.ComponentHealthStatus,
		)
	}
	return m
}
