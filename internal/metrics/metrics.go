// Package metrics exposes the streaming core's prometheus collectors:
// active socket gauges, RPC latency histograms, reconnect/retry counters,
// and throttler queue depth, scraped via Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the streaming core exports. Construct
// one per process with NewRegistry and pass it down to the components that
// observe it.
type Registry struct {
	ActiveSockets       *prometheus.GaugeVec
	RPCLatency          *prometheus.HistogramVec
	Reconnects          *prometheus.CounterVec
	SubscribeRetries    *prometheus.CounterVec
	ThrottlerQueueDepth prometheus.Gauge
	ThrottlerActive     prometheus.Gauge
	PacketsDropped      *prometheus.CounterVec
	RateLimitHits       *prometheus.CounterVec
}

// NewRegistry registers every collector against reg (typically
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		ActiveSockets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mtclient",
			Name:      "active_sockets",
			Help:      "Number of currently connected socket slots, by region and bucket.",
		}, []string{"region", "bucket"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mtclient",
			Name:      "rpc_latency_seconds",
			Help:      "RPC request round-trip latency, by region and request type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"region", "request_type"}),
		Reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtclient",
			Name:      "reconnects_total",
			Help:      "Socket reconnect attempts, by region and bucket.",
		}, []string{"region", "bucket"}),
		SubscribeRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtclient",
			Name:      "subscribe_retries_total",
			Help:      "Subscribe RPC retry attempts, by bucket.",
		}, []string{"bucket"}),
		ThrottlerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtclient",
			Name:      "throttler_queue_depth",
			Help:      "Number of synchronizations waiting to be admitted by the synchronization throttler.",
		}),
		ThrottlerActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtclient",
			Name:      "throttler_active",
			Help:      "Number of synchronizations currently admitted by the synchronization throttler.",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtclient",
			Name:      "packets_dropped_total",
			Help:      "Synchronization packets dropped at intake, by reason.",
		}, []string{"reason"}),
		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtclient",
			Name:      "rate_limit_hits_total",
			Help:      "TooManyRequests responses observed, by limit type.",
		}, []string{"limit_type"}),
	}
}

// Handler returns the promhttp handler for reg, suitable for mounting at
// /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
