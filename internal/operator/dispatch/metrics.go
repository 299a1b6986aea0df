package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	publishedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleet_addon",
			Subsystem: "dispatch",
			Name:      "published_events_total",
			Help:      "Total number of events published on the dispatch bus",
		},
	)

	droppedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleet_addon",
			Subsystem: "dispatch",
			Name:      "dropped_events_total",
			Help:      "Total number of events dropped because they could not be decoded into the handle kind",
		},
		[]string{"kind"},
	)

	watchSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleet_addon",
			Subsystem: "dispatch",
			Name:      "watch_sources",
			Help:      "Number of upstream watch sources currently installed",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(
		publishedEvents,
		droppedEvents,
		watchSources,
	)
}
