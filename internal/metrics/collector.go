package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry       *prometheus.Registry
	jobsTotal      *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	jobDuration    *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	pushesTotal    *prometheus.CounterVec
	connected      prometheus.Gauge
	reconnects     *prometheus.CounterVec
	recoveredTotal prometheus.Counter
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxsync_jobs_total",
				Help: "Queue jobs processed by outcome",
			},
			[]string{"queue", "outcome"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxsync_queue_depth",
				Help: "Pending jobs per queue",
			},
			[]string{"queue"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxsync_job_duration_seconds",
				Help:    "Time taken by one job attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxsync_backoff_retries_total",
				Help: "Retries scheduled by the backoff executor",
			},
			[]string{"kind"},
		),
		pushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxsync_sync_pushes_total",
				Help: "Record pushes by outcome",
			},
			[]string{"outcome"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voxsync_connected",
				Help: "1 when the connectivity oracle reports a route",
			},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxsync_stream_reconnects_total",
				Help: "Streaming session socket replacements by reason",
			},
			[]string{"reason"},
		),
		recoveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voxsync_recovered_recordings_total",
				Help: "Recordings rebuilt by the recovery scanner",
			},
		),
	}

	c.registry.MustRegister(
		c.jobsTotal,
		c.queueDepth,
		c.jobDuration,
		c.retriesTotal,
		c.pushesTotal,
		c.connected,
		c.reconnects,
		c.recoveredTotal,
	)

	return c
}

// IncJob counts a processed job for a queue ("succeeded", "retried", "dropped", "expired")
func (c *Collector) IncJob(queue, outcome string) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(queue, outcome).Inc()
}

// SetQueueDepth records the current queue length
func (c *Collector) SetQueueDepth(queue string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveJobDuration observes one job attempt
func (c *Collector) ObserveJobDuration(queue string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// IncRetry counts a backoff retry for an error kind
func (c *Collector) IncRetry(kind string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(kind).Inc()
}

// IncPush counts a record push ("synced", "failed", "stale")
func (c *Collector) IncPush(outcome string) {
	if c == nil {
		return
	}
	c.pushesTotal.WithLabelValues(outcome).Inc()
}

// SetConnected mirrors the oracle's state
func (c *Collector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}

// IncReconnect counts a stream socket replacement ("network", "renewal")
func (c *Collector) IncReconnect(reason string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(reason).Inc()
}

// AddRecovered counts recordings rebuilt by a recovery scan
func (c *Collector) AddRecovered(n int) {
	if c == nil {
		return
	}
	c.recoveredTotal.Add(float64(n))
}

// Handler returns the HTTP handler for the collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
