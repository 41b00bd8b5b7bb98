// Package metrics exposes Prometheus collectors for the price discovery service.
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
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	scrapeRequestsTotal        *prometheus.CounterVec
	aiRequestsTotal            *prometheus.CounterVec
	aiRequestDurationSeconds   *prometheus.HistogramVec
	offersFoundTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricescout_jobs_total",
				Help: "Total number of jobs processed, labeled by type and terminal status.",
			},
			[]string{"type", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricescout_active_workers",
				Help: "Number of workers currently processing a job.",
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

		scrapeRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricescout_scrape_requests_total",
				Help: "Total scrape service calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		aiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricescout_ai_requests_total",
				Help: "Total AI provider calls, labeled by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		)

		aiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricescout_ai_request_duration_seconds",
				Help:    "Histogram of AI provider call latencies, labeled by provider.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		)

		offersFoundTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricescout_offers_found_total",
				Help: "Total price offers produced, labeled by source tier.",
			},
			[]string{"source"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given type and terminal status.
func ObserveJob(jobType, status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// ObserveScrape records one scrape service call outcome ("ok", "blocked", "error").
func ObserveScrape(outcome string) {
	if scrapeRequestsTotal == nil {
		return
	}
	scrapeRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAIRequest records one provider call.
func ObserveAIRequest(provider, outcome string, duration time.Duration) {
	if aiRequestsTotal == nil {
		return
	}
	aiRequestsTotal.WithLabelValues(provider, outcome).Inc()
	aiRequestDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveOffers adds produced offers to the per-source counter.
func ObserveOffers(source string, count int) {
	if offersFoundTotal == nil {
		return
	}
	if count > 0 {
		offersFoundTotal.WithLabelValues(source).Add(float64(count))
	}
}
