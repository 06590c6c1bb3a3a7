package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the status surface.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ViolationReports  *prometheus.CounterVec
	AdminAuthFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posguard",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of status surface requests",
			},
			[]string{"route", "method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posguard",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		ViolationReports: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posguard",
				Subsystem: "http",
				Name:      "violation_reports_total",
				Help:      "Policy violation reports received",
			},
			[]string{"kind"}, // kind=csp/permissions-policy
		),
		AdminAuthFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "posguard",
				Subsystem: "http",
				Name:      "admin_auth_failures_total",
				Help:      "Rejected admin credentials",
			},
		),
	}
}
