package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Error kinds used as the error label of the failure counter.
const (
	errorKindTransport     = "transport"
	errorKindConfiguration = "configuration"
	errorKindInstall       = "install"
	errorKindInternal      = "internal"
)

const (
	resultSuccess = "success"
	resultError   = "error"
)

var (
	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_addon",
			Subsystem: "controller",
			Name:      "reconcile_total",
			Help:      "Total number of reconciliations by kind and result",
		},
		[]string{"kind", "result"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleet_addon",
			Subsystem: "controller",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"kind"},
	)

	reconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_addon",
			Subsystem: "controller",
			Name:      "reconcile_failures_total",
			Help:      "Total number of failed reconciliations by kind and error kind",
		},
		[]string{"kind", "error"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcileTotal,
		reconcileDuration,
		reconcileFailures,
	)
}

// recordReconcileMetric records a reconciliation result.
func recordReconcileMetric(kind, result string, duration float64) {
	reconcileTotal.WithLabelValues(kind, result).Inc()
	reconcileDuration.WithLabelValues(kind).Observe(duration)
}

// recordFailureMetric records a failed reconciliation.
func recordFailureMetric(kind, errorKind string) {
	reconcileFailures.WithLabelValues(kind, errorKind).Inc()
}

// Metrics helper methods that check enableMetrics before recording.

func (o *options) recordReconcile(kind, result string, duration float64) {
	if o.enableMetrics {
		recordReconcileMetric(kind, result, duration)
	}
}

func (o *options) recordFailure(kind, errorKind string) {
	if o.enableMetrics {
		recordFailureMetric(kind, errorKind)
	}
}
