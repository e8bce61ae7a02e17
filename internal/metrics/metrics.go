// Package metrics holds the process-wide Prometheus collectors. The
// webhook server exposes them on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsRefined = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opqbot",
		Subsystem: "events",
		Name:      "refined_total",
		Help:      "Inbound events successfully refined, by kind.",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opqbot",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Inbound events dropped before dispatch, by reason.",
	}, []string{"reason"})

	HandlerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opqbot",
		Subsystem: "dispatch",
		Name:      "handler_failures_total",
		Help:      "Handler invocations that returned an error or panicked.",
	})

	Actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opqbot",
		Subsystem: "actions",
		Name:      "total",
		Help:      "Outbound gateway actions, by outcome status.",
	}, []string{"status"})

	ActionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "opqbot",
		Subsystem: "actions",
		Name:      "duration_seconds",
		Help:      "Latency of outbound gateway actions.",
		Buckets:   prometheus.DefBuckets,
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "opqbot",
		Subsystem: "actions",
		Name:      "queue_depth",
		Help:      "Number of actions waiting in the executor queue.",
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "opqbot",
		Subsystem: "gateway",
		Name:      "connection_state",
		Help:      "Gateway connection state (0 disconnected, 1 connecting, 2 connected).",
	})

	Probes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opqbot",
		Subsystem: "gateway",
		Name:      "probes_total",
		Help:      "Liveness probes observed on the gateway connection.",
	})
)

// Handler serves the default registry, for mounting on the webhook server.
func Handler() http.Handler {
	return promhttp.Handler()
}
