// Package metrics exposes Prometheus collectors for the mirror service.
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

	sourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecfr_source_requests_total",
			Help: "Requests made to the remote eCFR API, labeled by endpoint and status class.",
		},
		[]string{"endpoint", "status"},
	)

	sourceBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecfr_source_bytes_total",
			Help: "Bytes downloaded from the remote eCFR API, labeled by endpoint.",
		},
		[]string{"endpoint"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecfr_active_workers",
			Help: "Number of title workers currently fetching.",
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecfr_rate_limit_delay_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecfr_reloads_total",
			Help: "Background reloads, labeled by result.",
		},
		[]string{"result"},
	)

	snapshotTitles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecfr_snapshot_titles",
			Help: "Number of titles in the snapshot currently served.",
		},
	)

	snapshotLoadedTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecfr_snapshot_loaded_timestamp_seconds",
			Help: "Unix time at which the served snapshot was loaded.",
		},
	)
)

// Endpoint names used for source request metrics.
const (
	EndpointIndex     = "titles"
	EndpointStructure = "structure"
	EndpointVersions  = "versions"
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeHost extracts a lowercase hostname from a URL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// StatusClass maps an HTTP status to "2xx".."5xx", or "error" when no
// response was received.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveHTTPRequest records metrics for a served HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveSourceRequest records one request against the remote API.
func ObserveSourceRequest(endpoint string, code int, bytes int) {
	sourceRequestsTotal.WithLabelValues(endpoint, StatusClass(code)).Inc()
	if bytes > 0 {
		sourceBytesTotal.WithLabelValues(endpoint).Add(float64(bytes))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveReload counts a finished background reload.
func ObserveReload(result string) {
	reloadsTotal.WithLabelValues(result).Inc()
}

// ObserveSnapshot records the size and load time of a newly served snapshot.
func ObserveSnapshot(titles int, loadedAt time.Time) {
	snapshotTitles.Set(float64(titles))
	snapshotLoadedTimestamp.Set(float64(loadedAt.Unix()))
}
