// Package metrics exposes Prometheus collectors for the crawl and search service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of pages fetched, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	crawlerBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	crawlerFetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of page fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
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

	crawlerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_jobs_total",
			Help: "Total number of job status transitions, labeled by status.",
		},
		[]string{"status"},
	)

	crawlerRobotsFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_robots_fallback_total",
			Help: "Total robots.txt probes answered with allow-all after repeated timeouts.",
		},
	)

	crawlerActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_active_workers",
			Help: "Number of workers currently fetching a page.",
		},
	)

	crawlerWorkerDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_worker_degraded",
			Help: "Number of workers past their consecutive failure threshold.",
		},
	)

	frontierRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frontier_rejections_total",
			Help: "Total number of frontier enqueue rejections, labeled by reason.",
		},
		[]string{"reason"},
	)

	frontierDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "frontier_depth",
			Help: "Number of URLs queued in the frontier across all jobs.",
		},
	)

	indexDocuments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "index_documents",
			Help: "Number of pages held by the search index.",
		},
	)

	processorPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_pages_total",
			Help: "Total number of fetch results processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	searchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Total number of search queries, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	searchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "search_duration_seconds",
			Help:    "Histogram of search query latencies.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 1},
		},
	)
)

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
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch attempt.
func ObserveFetch(site, status string, bytesFetched int, duration time.Duration) {
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
	crawlerFetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	crawlerRobotsFallbackTotal.Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// SetWorkerDegraded moves the degraded worker gauge up or down by one.
func SetWorkerDegraded(degraded bool) {
	if degraded {
		crawlerWorkerDegraded.Inc()
		return
	}
	crawlerWorkerDegraded.Dec()
}

// ObserveFrontierRejection counts a refused enqueue.
func ObserveFrontierRejection(reason string) {
	frontierRejectionsTotal.WithLabelValues(reason).Inc()
}

// SetFrontierDepth records the number of queued URLs.
func SetFrontierDepth(n int) {
	frontierDepth.Set(float64(n))
}

// SetIndexDocuments records the number of indexed pages.
func SetIndexDocuments(n int) {
	indexDocuments.Set(float64(n))
}

// ObserveProcessed counts a processed fetch result.
func ObserveProcessed(outcome string) {
	processorPagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSearch records a search query and its latency.
func ObserveSearch(outcome string, duration time.Duration) {
	searchRequestsTotal.WithLabelValues(outcome).Inc()
	searchDurationSeconds.Observe(duration.Seconds())
}
