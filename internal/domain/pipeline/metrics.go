package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for wrapped operations.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RejectionsTotal   *prometheus.CounterVec
	ThreatsTotal      *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posguard",
				Name:      "operations_total",
				Help:      "Total wrapped operations by category and outcome",
			},
			[]string{"category", "outcome"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posguard",
				Name:      "operation_duration_seconds",
				Help:      "Backend execution time of wrapped operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"category"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posguard",
				Name:      "rejections_total",
				Help:      "Pre-execution rejections by code",
			},
			[]string{"code"},
		),
		ThreatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posguard",
				Name:      "threats_total",
				Help:      "Threats raised by the pipeline by type and severity",
			},
			[]string{"type", "severity"},
		),
	}
}

const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeRejected = "rejected"
)
