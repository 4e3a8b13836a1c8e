// Package metrics exposes Prometheus collectors for the policy watcher.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineRunsTotal          *prometheus.CounterVec
	changesDetectedTotal       prometheus.Counter
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	emailsTotal                *prometheus.CounterVec
	breakerTripsTotal          *prometheus.CounterVec
	batchDurationSeconds       prometheus.Histogram
	batchSourcesTotal          *prometheus.CounterVec
	activeFetches              prometheus.Gauge
	robotsChecksTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pipelineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_pipeline_runs_total",
				Help: "Single-source pipeline runs, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		changesDetectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "policywatch_changes_detected_total",
				Help: "Policy changes recorded.",
			},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_fetch_attempts_total",
				Help: "Fetcher invocations, labeled by fetcher and outcome.",
			},
			[]string{"fetcher", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policywatch_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies including retries, labeled by fetcher.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"fetcher"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_fetch_bytes_total",
				Help: "Raw text bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		emailsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_emails_total",
				Help: "Email delivery outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		breakerTripsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_breaker_trips_total",
				Help: "Operator notifications triggered by consecutive failures, labeled by kind.",
			},
			[]string{"kind"},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "policywatch_batch_duration_seconds",
				Help:    "Histogram of scheduler batch durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		batchSourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_batch_sources_total",
				Help: "Sources processed by scheduler batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "policywatch_active_fetches",
				Help: "Number of fetches currently running on the worker pool.",
			},
		)

		robotsChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_robots_checks_total",
				Help: "robots.txt checks before a policy fetch, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policywatch_rate_limit_delay_seconds",
				Help:    "Time spent waiting on rate limiters, labeled by key.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"key"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policywatch_http_requests_total",
				Help: "API requests, labeled by method, route pattern and status code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policywatch_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePipeline records the outcome of one source run.
func ObservePipeline(success, changed bool) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	if changed {
		changesDetectedTotal.Inc()
	}
}

// ObserveFetch records one fetch, retries included.
func ObserveFetch(fetcher, rawURL string, success bool, bytesFetched int, duration time.Duration) {
	Init()
	outcome := "failure"
	if success {
		outcome = "success"
	}
	fetchAttemptsTotal.WithLabelValues(fetcher, outcome).Inc()
	fetchDurationSeconds.WithLabelValues(fetcher).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(SanitizeSite(rawURL)).Add(float64(bytesFetched))
	}
}

// ObserveEmail increments the email counter for status (sent, failed,
// rejected, budget_exceeded).
func ObserveEmail(status string) {
	Init()
	emailsTotal.WithLabelValues(status).Inc()
}

// ObserveBreakerTrip counts an operator notification for kind (fetch, email).
func ObserveBreakerTrip(kind string) {
	Init()
	breakerTripsTotal.WithLabelValues(kind).Inc()
}

// ObserveBatch records a finished scheduler batch.
func ObserveBatch(duration time.Duration, succeeded, failed int) {
	Init()
	batchDurationSeconds.Observe(duration.Seconds())
	batchSourcesTotal.WithLabelValues("success").Add(float64(succeeded))
	batchSourcesTotal.WithLabelValues("failure").Add(float64(failed))
}

// IncActiveFetches increments the active fetches gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the active fetches gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// ObserveRobots counts a robots.txt check outcome.
func ObserveRobots(outcome string) {
	Init()
	robotsChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records a non-trivial wait on the limiter for key.
func ObserveRateLimitDelay(key string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(key).Observe(d.Seconds())
}

// ObserveHTTPRequest records one API request under its route pattern.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
