// Package metrics exposes sync queue counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldsync"

// Collector records sync engine activity on its own registry.
type Collector struct {
	registry *prometheus.Registry

	mutationsEnqueued  *prometheus.CounterVec
	mutationsCompleted *prometheus.CounterVec
	mutationsFailed    *prometheus.CounterVec
	mutationsExhausted *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	queueDepth         *prometheus.GaugeVec
	syncPasses         prometheus.Counter
	online             prometheus.Gauge
}

// NewCollector creates and registers every metric.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		mutationsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_enqueued_total",
			Help:      "Mutations queued by local writes.",
		}, []string{"entity_type", "type"}),
		mutationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_completed_total",
			Help:      "Mutations the backend accepted.",
		}, []string{"entity_type", "type"}),
		mutationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_failed_total",
			Help:      "Failed mutation attempts.",
		}, []string{"entity_type", "type", "permanent"}),
		mutationsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_exhausted_total",
			Help:      "Mutations parked after their retry budget ran out or the backend rejected them.",
		}, []string{"entity_type"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Latency of replayed mutation requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Mutations in the local queue by status.",
		}, []string{"status"}),
		syncPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed sync passes.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 while the backend is reachable.",
		}),
	}

	c.registry.MustRegister(
		c.mutationsEnqueued,
		c.mutationsCompleted,
		c.mutationsFailed,
		c.mutationsExhausted,
		c.requestLatency,
		c.queueDepth,
		c.syncPasses,
		c.online,
	)
	return c
}

// Registry returns the registry the collector registers on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordEnqueued(entityType, mutationType string) {
	c.mutationsEnqueued.WithLabelValues(entityType, mutationType).Inc()
}

func (c *Collector) RecordCompleted(entityType, mutationType, method string, latency time.Duration) {
	c.mutationsCompleted.WithLabelValues(entityType, mutationType).Inc()
	c.requestLatency.WithLabelValues(method).Observe(latency.Seconds())
}

func (c *Collector) RecordFailed(entityType, mutationType, method string, latency time.Duration, permanent bool) {
	label := "false"
	if permanent {
		label = "true"
	}
	c.mutationsFailed.WithLabelValues(entityType, mutationType, label).Inc()
	if latency > 0 {
		c.requestLatency.WithLabelValues(method).Observe(latency.Seconds())
	}
}

func (c *Collector) RecordExhausted(entityType string) {
	c.mutationsExhausted.WithLabelValues(entityType).Inc()
}

// SetQueueDepth replaces the per-status queue gauge.
func (c *Collector) SetQueueDepth(counts map[string]int64) {
	c.queueDepth.Reset()
	for status, total := range counts {
		c.queueDepth.WithLabelValues(status).Set(float64(total))
	}
}

func (c *Collector) RecordPass() {
	c.syncPasses.Inc()
}

func (c *Collector) SetOnline(online bool) {
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}
