package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unica-wb/backend/internal/metrics"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unica_wb_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unica_wb_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unica_wb_errors_total",
			Help: "Total number of errors by type",
		},
		[]string{"type"},
	)
)

// Metrics returns a middleware that records request latency both to
// Prometheus and to the Redis histograms behind the debug/perf views.
// The recorder may be nil in tests.
func Metrics(recorder *metrics.HTTPRecorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			path := normalizePath(r)
			status := strconv.Itoa(wrapped.status)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(elapsed.Seconds())

			if wrapped.status >= 400 {
				errorType := "client_error"
				if wrapped.status >= 500 {
					errorType = "server_error"
				}
				errorsTotal.WithLabelValues(errorType).Inc()
			}

			if recorder != nil {
				recorder.Record(r.Context(), r.Method, path, wrapped.status, elapsed)
			}
		})
	}
}

// metricsResponseWriter captures the status code. Hijacker and Flusher pass
// through for the WebSocket and SSE routes under this middleware.
type metricsResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// normalizePath normalizes URL paths to prevent cardinality explosion.
func normalizePath(r *http.Request) string {
	// Get route pattern from chi if available
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	// Fallback: collapse job IDs and firmware keys to placeholders
	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if len(seg) == 36 && strings.Count(seg, "-") == 4 {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
