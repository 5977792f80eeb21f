package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: file cache lookups by result (hit | miss | error).
	FileCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_cache_lookups_total",
			Help: "File cache lookups by result.",
		},
		[]string{"result"},
	)

	// Counter: entries leaving the cache by reason (expired | evicted | deleted | replaced).
	FileCacheRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_cache_removals_total",
			Help: "File cache entries removed, by reason.",
		},
		[]string{"reason"},
	)

	FileCacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "file_cache_entries",
			Help: "Entries currently held by the file cache.",
		},
	)

	FileCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "file_cache_bytes",
			Help: "Payload bytes currently held by the file cache.",
		},
	)

	// Counter: rejected file tokens by reason (invalid | expired).
	TokenRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "file_token_rejections_total",
			Help: "File tokens that failed verification.",
		},
		[]string{"reason"},
	)

	// Counter: maintenance sweeps run by the scheduler.
	MaintenanceSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maintenance_sweeps_total",
			Help: "Cache maintenance sweeps by outcome.",
		},
		[]string{"outcome"},
	)

	// Histogram: vision model calls in seconds.
	VisionLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vision_latency_seconds",
			Help:    "Latency of vision model calls in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"operation", "outcome"},
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_latency_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"path", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		FileCacheLookupsTotal,
		FileCacheRemovalsTotal,
		FileCacheEntries,
		FileCacheBytes,
		TokenRejectionsTotal,
		MaintenanceSweepsTotal,
		VisionLatencySeconds,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request. The path label uses
// the matched route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(duration)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}
