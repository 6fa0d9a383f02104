// Package metrics exposes Prometheus collectors for the storewatch service.
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
	crawlsTotal                 *prometheus.CounterVec
	crawlDurationSeconds        prometheus.Histogram
	pagesFetchedTotal           *prometheus.CounterVec
	listingsDiffTotal           *prometheus.CounterVec
	anomaliesTotal              prometheus.Counter
	lockEventsTotal             *prometheus.CounterVec
	verificationsTotal          *prometheus.CounterVec
	verificationDurationSeconds prometheus.Histogram
	notificationsTotal          *prometheus.CounterVec
	jobRunsTotal                *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_crawls_total",
				Help: "Total number of store crawls, labeled by outcome.",
			},
			[]string{"status"},
		)
		crawlDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "storewatch_crawl_duration_seconds",
				Help:    "Histogram of full store crawl durations.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		)
		pagesFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_pages_fetched_total",
				Help: "Total number of listing pages fetched, labeled by result.",
			},
			[]string{"result"},
		)
		listingsDiffTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_listings_diff_total",
				Help: "Listings classified by the diff engine, labeled by kind.",
			},
			[]string{"kind"},
		)
		anomaliesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "storewatch_anomalies_total",
				Help: "Crawls whose removal count tripped the anomaly guard.",
			},
		)
		lockEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_lock_events_total",
				Help: "Crawl lock events, labeled by event.",
			},
			[]string{"event"},
		)
		verificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_verifications_total",
				Help: "Verification outcomes, labeled by verification status.",
			},
			[]string{"outcome"},
		)
		verificationDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "storewatch_verification_duration_seconds",
				Help:    "Histogram of single-item verification latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)
		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_notifications_total",
				Help: "Notifications handed to the notifier, labeled by result.",
			},
			[]string{"result"},
		)
		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storewatch_scheduled_jobs_total",
				Help: "Scheduled job runs, labeled by job and status.",
			},
			[]string{"job", "status"},
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

// ObserveCrawl records a finished crawl.
func ObserveCrawl(status string, duration time.Duration) {
	Init()
	crawlsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		crawlDurationSeconds.Observe(duration.Seconds())
	}
}

// ObservePage records one listing page fetch.
func ObservePage(result string) {
	Init()
	pagesFetchedTotal.WithLabelValues(result).Inc()
}

// ObserveDiff records diff classification counts.
func ObserveDiff(newCount, updated, removed int, anomaly bool) {
	Init()
	listingsDiffTotal.WithLabelValues("new").Add(float64(newCount))
	listingsDiffTotal.WithLabelValues("updated").Add(float64(updated))
	listingsDiffTotal.WithLabelValues("removed").Add(float64(removed))
	if anomaly {
		anomaliesTotal.Inc()
	}
}

// ObserveLock records a lock event such as acquired, contended, released or swept.
func ObserveLock(event string, n int) {
	Init()
	if n <= 0 {
		return
	}
	lockEventsTotal.WithLabelValues(event).Add(float64(n))
}

// ObserveVerification records one verification outcome.
func ObserveVerification(outcome string, duration time.Duration) {
	Init()
	verificationsTotal.WithLabelValues(outcome).Inc()
	verificationDurationSeconds.Observe(duration.Seconds())
}

// ObserveNotification records a notifier call.
func ObserveNotification(result string) {
	Init()
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveJob records one scheduled job run.
func ObserveJob(job, status string) {
	Init()
	jobRunsTotal.WithLabelValues(job, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
