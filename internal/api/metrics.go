package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"will-go/internal/will"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "will_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "will_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	executionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "will_execution_attempts_total",
			Help: "Execution attempts by path and outcome.",
		},
		[]string{"path", "outcome"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "will_execution_duration_seconds",
			Help:    "Execution attempt duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, executionAttemptsTotal, executionDuration)
}

// metricsMiddleware records request count and duration for every HTTP request,
// labelled with the chi route pattern rather than the raw path.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// ExecutionMetrics is a will.Observer feeding the execution counters.
type ExecutionMetrics struct{}

var _ will.Observer = ExecutionMetrics{}

func (ExecutionMetrics) AttemptFinished(emergency bool, outcome string, elapsed time.Duration) {
	path := "normal"
	if emergency {
		path = "emergency"
	}
	executionAttemptsTotal.WithLabelValues(path, outcome).Inc()
	executionDuration.WithLabelValues(path).Observe(elapsed.Seconds())
}
