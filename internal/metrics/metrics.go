// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RequestsTotal counts HTTP requests by route, method and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siwe_auth_requests_total",
			Help: "Total requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "siwe_auth_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// AuthFailuresTotal counts rejected verify/refresh/token calls by internal reason.
	AuthFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siwe_auth_failures_total",
			Help: "Authentication failures",
		},
		[]string{"operation", "reason"},
	)

	// SessionsTotal counts issued and rotated sessions.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siwe_auth_sessions_total",
			Help: "Sessions issued or rotated",
		},
		[]string{"type"},
	)

	// NoncesIssuedTotal counts nonces handed out.
	NoncesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siwe_auth_nonces_issued_total",
			Help: "Nonces issued",
		},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "siwe_auth_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		AuthFailuresTotal,
		SessionsTotal,
		NoncesIssuedTotal,
		RateLimitRejectedTotal,
	)
}
