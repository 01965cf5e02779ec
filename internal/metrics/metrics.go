// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	recordsCommittedTotal      prometheus.Counter
	batchesCommittedTotal      prometheus.Counter
	storeBusyRetriesTotal      *prometheus.CounterVec
	remoteRetriesTotal         *prometheus.CounterVec
	queueDepth                 prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		recordsCommittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "folderstats_records_committed_total",
				Help: "Object records committed to the durable store.",
			},
		)

		batchesCommittedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "folderstats_batches_committed_total",
				Help: "Record batches committed by the writer.",
			},
		)

		storeBusyRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folderstats_store_busy_retries_total",
				Help: "Store writes retried because the store reported contention, labeled by driver.",
			},
			[]string{"driver"},
		)

		remoteRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folderstats_remote_retries_total",
				Help: "Remote listing attempts retried, labeled by bucket.",
			},
			[]string{"bucket"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "folderstats_queue_depth",
				Help: "Batches waiting for the writer.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "folderstats_rate_limit_delays_seconds",
				Help:    "Histogram of remote listing rate limit waits.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"bucket"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCommit records one committed batch of n records.
func ObserveCommit(records int) {
	Init()
	batchesCommittedTotal.Inc()
	recordsCommittedTotal.Add(float64(records))
}

// ObserveStoreBusyRetry counts a store write retried after contention.
func ObserveStoreBusyRetry(driver string) {
	Init()
	storeBusyRetriesTotal.WithLabelValues(driver).Inc()
}

// ObserveRemoteRetry counts a retried remote listing attempt.
func ObserveRemoteRetry(bucket string) {
	Init()
	remoteRetriesTotal.WithLabelValues(bucket).Inc()
}

// SetQueueDepth publishes the current work queue depth.
func SetQueueDepth(depth int) {
	Init()
	queueDepth.Set(float64(depth))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(bucket string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(bucket).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
