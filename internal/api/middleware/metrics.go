// metrics.go: Prometheus HTTP and inventory metrics.
// HTTP metrics are recorded here; the inventory gauges and the operations
// counter are updated from the service layer.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sp_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sp_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 10, 30, 120},
		},
		[]string{"method", "path"},
	)
)

var (
	// MediaTotal is the number of registered records per media type.
	MediaTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sp_media_total",
			Help: "Registered media records",
		},
		[]string{"media_type"},
	)

	// StorageBytes is the stored size of registered media per media type.
	StorageBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sp_storage_bytes",
			Help: "Bytes of normalized media on disk",
		},
		[]string{"media_type"},
	)

	// OperationsTotal counts ingest and delete operations by outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sp_operations_total",
			Help: "Media operations by outcome",
		},
		[]string{"operation", "result"},
	)
)

// MetricsMiddleware records request count and latency per normalized path.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

const mediaPrefix = "/api/media/"

// normalizePath folds media ids into {id} to bound label cardinality.
// /api/media/3f2a9c01b7de/file → /api/media/{id}/file
func normalizePath(path string) string {
	if !strings.HasPrefix(path, mediaPrefix) {
		switch path {
		case "/health", "/health/live", "/health/ready", "/metrics",
			"/api/upload", "/api/media", "/api/verify-pin", "/api/stats",
			"/api/maintenance/reconcile":
			return path
		}
		if strings.HasPrefix(path, "/api/") {
			return "/api/other"
		}
		return "other"
	}

	rest := path[len(mediaPrefix):]
	id, suffix, _ := strings.Cut(rest, "/")
	if id == "" {
		return "/api/media"
	}
	switch suffix {
	case "":
		return "/api/media/{id}"
	case "file":
		return "/api/media/{id}/file"
	}
	return "/api/other"
}
