// Package metrics exposes reconcile activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memochat"

// Collector records reconcile cycles on its own registry.
type Collector struct {
	registry *prometheus.Registry

	cycles       *prometheus.CounterVec
	cycleSeconds prometheus.Histogram
	blockLag     prometheus.Gauge
	skipped      *prometheus.CounterVec
	stored       *prometheus.CounterVec
}

// New creates a Collector with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_cycles_total",
			Help:      "Reconcile cycles by outcome (ok, skipped, failed).",
		}, []string{"outcome"}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_cycle_seconds",
			Help:      "Wall time of reconcile cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		blockLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_block_lag_seconds",
			Help:      "Age of the newest block at the last lag check.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_skipped_total",
			Help:      "Transactions not stored, by reason.",
		}, []string{"reason"}),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Received messages stored, by kind and verification.",
		}, []string{"kind", "verification"}),
	}

	c.registry.MustRegister(
		c.cycles,
		c.cycleSeconds,
		c.blockLag,
		c.skipped,
		c.stored,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) CycleFinished(outcome string, took time.Duration) {
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleSeconds.Observe(took.Seconds())
}

func (c *Collector) BlockLag(lag time.Duration) {
	c.blockLag.Set(lag.Seconds())
}

func (c *Collector) TransactionsSkipped(reason string, n int) {
	if n <= 0 {
		return
	}
	c.skipped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) MessagesStored(normal, anonymous, failed int) {
	if ok := normal - failed; ok > 0 {
		c.stored.WithLabelValues("normal", "ok").Add(float64(ok))
	}
	if failed > 0 {
		c.stored.WithLabelValues("normal", "failed").Add(float64(failed))
	}
	if anonymous > 0 {
		c.stored.WithLabelValues("anonymous", "unverified").Add(float64(anonymous))
	}
}
