package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Tutortoise/face-embedding-service/inference"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "faceembed"

// Outcome labels for faceembed_embedding_outcomes_total.
const (
	outcomeOK           = "ok"
	outcomeInvalidImage = "invalid_image"
	outcomeNoFace       = "no_face"
	outcomeInternal     = "internal_error"
	outcomeTooLarge     = "too_large"
	outcomeMissingFile  = "missing_file"
	outcomeBadRequest   = "bad_request"
)

// StatsProvider reports session pool state for /metrics.
type StatsProvider interface {
	PoolStats() []inference.PoolMetrics
}

// Metrics holds the Prometheus collectors of one server. Each server has
// its own registry so several can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	OutcomesTotal *prometheus.CounterVec
	FaceCount     prometheus.Histogram
}

func NewMetrics(stats StatsProvider) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if stats != nil {
		reg.MustRegister(newPoolCollector(stats))
	}

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by method and route",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"method", "route"},
		),

		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_in_flight",
				Help:      "Requests currently being served",
			},
		),

		OutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "embedding_outcomes_total",
				Help:      "Face embedding requests by outcome",
			},
			[]string{"outcome"},
		),

		FaceCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "faces_per_image",
				Help:      "Number of faces detected in successfully processed images",
				Buckets:   []float64{1, 2, 3, 5, 10, 20},
			},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordOutcome(outcome string) {
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}

// Middleware labels requests with the matched route template rather than
// the raw path.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		m.InFlight.Inc()
		defer m.InFlight.Dec()

		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type poolCollector struct {
	stats StatsProvider

	size      *prometheus.Desc
	available *prometheus.Desc
	inUse     *prometheus.Desc
	acquired  *prometheus.Desc
	discarded *prometheus.Desc
	failures  *prometheus.Desc
	wait      *prometheus.Desc
}

func newPoolCollector(stats StatsProvider) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "pool", name),
			help,
			[]string{"pool"},
			nil,
		)
	}
	return &poolCollector{
		stats:     stats,
		size:      desc("size", "Configured number of sessions"),
		available: desc("available_sessions", "Idle sessions"),
		inUse:     desc("in_use_sessions", "Sessions currently running a model"),
		acquired:  desc("acquired_total", "Sessions handed out"),
		discarded: desc("discarded_total", "Sessions destroyed after a failure"),
		failures:  desc("acquire_failures_total", "Acquires that timed out or were cancelled"),
		wait:      desc("wait_seconds_total", "Cumulative time spent waiting for a session"),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.available
	ch <- c.inUse
	ch <- c.acquired
	ch <- c.discarded
	ch <- c.failures
	ch <- c.wait
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, p := range c.stats.PoolStats() {
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(p.Size), p.Name)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, float64(p.Available), p.Name)
		ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(p.InUse), p.Name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(p.TotalAcquired), p.Name)
		ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(p.TotalDiscarded), p.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(p.AcquireFailures), p.Name)
		ch <- prometheus.MustNewConstMetric(c.wait, prometheus.CounterValue, p.WaitTime.Seconds(), p.Name)
	}
}
