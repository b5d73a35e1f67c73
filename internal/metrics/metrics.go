// Package metrics exposes Prometheus collectors for the scraper.
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
	scraperItemsTotal          *prometheus.CounterVec
	scraperRecoveriesTotal     *prometheus.CounterVec
	scraperRestartsTotal       *prometheus.CounterVec
	scraperRunsTotal           *prometheus.CounterVec
	scraperRunDurationSeconds  prometheus.Histogram
	scraperProbesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	scraperConsecutiveFailures prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are no-ops until Init runs.
func Init() {
	once.Do(func() {
		scraperItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_items_total",
				Help: "Total number of items handled, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		scraperRecoveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_recoveries_total",
				Help: "Recovery actions taken, labeled by failure class and action.",
			},
			[]string{"class", "action"},
		)

		scraperRestartsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_browser_restarts_total",
				Help: "Browser session restarts, labeled by result.",
			},
			[]string{"result"},
		)

		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total number of passes, labeled by status.",
			},
			[]string{"status"},
		)

		scraperRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_run_duration_seconds",
				Help:    "Histogram of pass durations.",
				Buckets: []float64{60, 300, 600, 1200, 1800, 3600, 7200},
			},
		)

		scraperProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_probes_total",
				Help: "Pre-pass reachability probes, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		scraperConsecutiveFailures = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_consecutive_failures",
				Help: "Number of consecutive failed passes.",
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
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

// ObserveItem counts one item outcome.
func ObserveItem(kind, outcome string) {
	if scraperItemsTotal == nil {
		return
	}
	scraperItemsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRecovery counts one recovery decision.
func ObserveRecovery(class, action string) {
	if scraperRecoveriesTotal == nil {
		return
	}
	scraperRecoveriesTotal.WithLabelValues(class, action).Inc()
}

// ObserveRestart counts a browser restart attempt.
func ObserveRestart(ok bool) {
	if scraperRestartsTotal == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	scraperRestartsTotal.WithLabelValues(result).Inc()
}

// ObserveRun records a finished pass.
func ObserveRun(status string, duration time.Duration) {
	if scraperRunsTotal == nil {
		return
	}
	scraperRunsTotal.WithLabelValues(status).Inc()
	scraperRunDurationSeconds.Observe(duration.Seconds())
}

// SetConsecutiveFailures publishes the coordinator's failure streak.
func SetConsecutiveFailures(n int) {
	if scraperConsecutiveFailures == nil {
		return
	}
	scraperConsecutiveFailures.Set(float64(n))
}

// ObserveProbe counts a reachability probe.
func ObserveProbe(site, status string) {
	if scraperProbesTotal == nil {
		return
	}
	scraperProbesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
