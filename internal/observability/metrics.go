// Package observability wires metrics and tracing for both processes.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the platform's Prometheus collectors. One instance per
// process, registered on a single registry.
type Metrics struct {
	Registry *prometheus.Registry

	SearchDuration   *prometheus.HistogramVec
	SearchResults    *prometheus.HistogramVec
	GraphWriteWaits  prometheus.Histogram
	JobExecutions    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	ActiveSockets    prometheus.Gauge
	BroadcastsSent   *prometheus.CounterVec
	BroadcastDropped prometheus.Counter
	CrawlPages       *prometheus.CounterVec
}

// NewMetrics builds and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sibyl",
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "Unified search latency by stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		SearchResults: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sibyl",
			Subsystem: "search",
			Name:      "results",
			Help:      "Result counts per channel.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 200},
		}, []string{"channel"}),
		GraphWriteWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sibyl",
			Subsystem: "graph",
			Name:      "write_wait_seconds",
			Help:      "Time spent waiting on the per-org write semaphore.",
			Buckets:   prometheus.DefBuckets,
		}),
		JobExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sibyl",
			Subsystem: "jobs",
			Name:      "executions_total",
			Help:      "Job executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sibyl",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run time by kind.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind"}),
		ActiveSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sibyl",
			Subsystem: "events",
			Name:      "active_connections",
			Help:      "Currently registered streaming connections.",
		}),
		BroadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sibyl",
			Subsystem: "events",
			Name:      "broadcasts_total",
			Help:      "Broadcast deliveries by event name.",
		}, []string{"event"}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sibyl",
			Subsystem: "events",
			Name:      "broadcasts_dropped_total",
			Help:      "Connections evicted for slow consumption.",
		}),
		CrawlPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sibyl",
			Subsystem: "crawl",
			Name:      "pages_total",
			Help:      "Crawled pages by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.SearchDuration, m.SearchResults, m.GraphWriteWaits,
		m.JobExecutions, m.JobDuration,
		m.ActiveSockets, m.BroadcastsSent, m.BroadcastDropped,
		m.CrawlPages,
	)
	return m
}
