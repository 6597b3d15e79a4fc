// Package metrics exposes the client core's internal state as Prometheus
// gauges, counters, and histograms: service node pool size, swarm cache
// hit/miss counts, onion path rebuild count, job queue depths, and
// storage RPC latency. Nothing in the example pack wires
// prometheus/client_golang into running code — it is declared in the
// teacher's go.mod but never used there — so this package follows the
// library's own idiomatic promauto/promhttp convention rather than a
// pack-specific pattern (documented in DESIGN.md).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lantern"

// Registry bundles every metric this client core exports. Construct one
// with New and keep it alive for the process lifetime; each subsystem
// that wants to report state is handed the narrow slice of Registry it
// needs rather than the whole struct.
type Registry struct {
	PoolSize           prometheus.Gauge
	SwarmCacheHits     prometheus.Counter
	SwarmCacheMisses   prometheus.Counter
	PathRebuildTotal   prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	StorageRPCDuration *prometheus.HistogramVec
}

// New registers every metric against reg (typically
// prometheus.NewRegistry() or prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		PoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "snodepool",
			Name:      "size",
			Help:      "Current number of service nodes held in the local pool.",
		}),
		SwarmCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarmresolver",
			Name:      "cache_hits_total",
			Help:      "Swarm lookups served from the in-memory cache.",
		}),
		SwarmCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swarmresolver",
			Name:      "cache_misses_total",
			Help:      "Swarm lookups that required a network round trip.",
		}),
		PathRebuildTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pathbuilder",
			Name:      "rebuilds_total",
			Help:      "Onion paths built or rebuilt since process start.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobqueue",
			Name:      "depth",
			Help:      "Number of jobs currently pending or running in a queue.",
		}, []string{"queue"}),
		StorageRPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storagerpc",
			Name:      "request_duration_seconds",
			Help:      "Latency of storage RPC calls by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// ObserveStorageRPC records how long a storage RPC call to method took.
func (r *Registry) ObserveStorageRPC(method string, d time.Duration) {
	r.StorageRPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetQueueDepth records the current pending+running count for queue.
func (r *Registry) SetQueueDepth(queue string, depth int) {
	r.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Handler returns the HTTP handler to mount at the scrape endpoint
// (conventionally "/metrics").
func Handler() http.Handler {
	return promhttp.Handler()
}
