// Package metrics exposes Prometheus collectors for the harvester service.
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
	tasksTotal              *prometheus.CounterVec
	entitiesProcessedTotal  prometheus.Counter
	emailsFoundTotal        prometheus.Counter
	ipRotationsTotal        prometheus.Counter
	blockSignalsTotal       *prometheus.CounterVec
	activeDiscoveryWorkers  prometheus.Gauge
	runningTasks            prometheus.Gauge
	fetchDurationSeconds    *prometheus.HistogramVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_tasks_total",
				Help: "Total number of search tasks processed, labeled by status.",
			},
			[]string{"status"},
		)

		entitiesProcessedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_entities_processed_total",
				Help: "Total number of entities handled by the discovery pool.",
			},
		)

		emailsFoundTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_emails_found_total",
				Help: "Total number of entities for which a primary email was persisted.",
			},
		)

		ipRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_ip_rotations_total",
				Help: "Total number of IP rotations requested from the VPN utility.",
			},
		)

		blockSignalsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_block_signals_total",
				Help: "Total block-indicative failures observed, labeled by site.",
			},
			[]string{"site"},
		)

		activeDiscoveryWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_discovery_active_workers",
				Help: "Number of discovery workers currently extracting.",
			},
		)

		runningTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_running_tasks",
				Help: "Number of search tasks currently running.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP API latencies, labeled by method and route.",
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
	return promhttp.Handler()
}

// ObserveTask increments the task counter for the given status.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// ObserveEntityProcessed counts one discovery unit of work, and whether it
// yielded an email.
func ObserveEntityProcessed(found bool) {
	entitiesProcessedTotal.Inc()
	if found {
		emailsFoundTotal.Inc()
	}
}

// ObserveRotation counts one VPN rotation.
func ObserveRotation() {
	ipRotationsTotal.Inc()
}

// ObserveBlockSignal counts a block-indicative failure against a site.
func ObserveBlockSignal(site string) {
	blockSignalsTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveFetch records a page fetch latency.
func ObserveFetch(site string, duration time.Duration) {
	fetchDurationSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// IncDiscoveryWorkers increments the active discovery worker gauge.
func IncDiscoveryWorkers() {
	activeDiscoveryWorkers.Inc()
}

// DecDiscoveryWorkers decrements the active discovery worker gauge.
func DecDiscoveryWorkers() {
	activeDiscoveryWorkers.Dec()
}

// SetRunningTasks records the current number of running search tasks.
func SetRunningTasks(n int) {
	runningTasks.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP API request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(duration.Seconds())
}
