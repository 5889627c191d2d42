// Package metrics defines the Prometheus metric collectors used across the
// telemetry platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	EventsTrackedTotal  *prometheus.CounterVec
	EventsDroppedTotal  *prometheus.CounterVec
	BatchFlushesTotal   *prometheus.CounterVec
	FlushBatchSize      prometheus.Histogram
	RacesDetectedTotal  prometheus.Counter
	RaceCheckDuration   prometheus.Histogram
	StoreWriteDuration  *prometheus.HistogramVec
	EventsPurgedTotal   prometheus.Counter
	SummaryCacheHits    prometheus.Counter
	SummaryCacheMisses  prometheus.Counter
	SinkBreakerState    prometheus.Gauge
	RelayBatchesTotal   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		EventsTrackedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_tracked_total",
				Help: "Telemetry events accepted into the buffer by stage and level.",
			},
			[]string{"stage", "level"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_dropped_total",
				Help: "Telemetry events dropped before reaching the store, by reason.",
			},
			[]string{"reason"},
		),
		BatchFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buffer_flushes_total",
				Help: "Buffer flush attempts by outcome (ok, failed, breaker_open).",
			},
			[]string{"outcome"},
		),
		FlushBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "buffer_flush_batch_size",
				Help:    "Number of events per flushed batch.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		),
		RacesDetectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "races_detected_total",
				Help: "Cross-session correlation records emitted.",
			},
		),
		RaceCheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "race_check_duration_seconds",
				Help:    "Latency of the synchronous race-detector check on the track path.",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),
		StoreWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_write_duration_seconds",
				Help:    "Latency of event-store batch writes by sink.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"sink"},
		),
		EventsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "events_purged_total",
				Help: "Events removed by the retention sweeper.",
			},
		),
		SummaryCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "summary_cache_hits_total",
				Help: "Session-summary cache hits.",
			},
		),
		SummaryCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "summary_cache_misses_total",
				Help: "Session-summary cache misses.",
			},
		),
		SinkBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sink_circuit_breaker_state",
				Help: "Sink circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
		),
		RelayBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_batches_total",
				Help: "Telemetry batches consumed from Kafka by outcome.",
			},
			[]string{"outcome"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsTrackedTotal,
		m.EventsDroppedTotal,
		m.BatchFlushesTotal,
		m.FlushBatchSize,
		m.RacesDetectedTotal,
		m.RaceCheckDuration,
		m.StoreWriteDuration,
		m.EventsPurgedTotal,
		m.SummaryCacheHits,
		m.SummaryCacheMisses,
		m.SinkBreakerState,
		m.RelayBatchesTotal,
	)
	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
