// metrics.go — Prometheus HTTP метрики reload-coordinator.
// Регистрирует метрики: rc_http_requests_total, rc_http_request_duration_seconds.
// Метрики планировщика и выборов регистрируются в своих пакетах.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rc_http_requests_total",
			Help: "Общее количество HTTP-запросов к API координатора",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rc_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к API координатора в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// knownPaths — маршруты API. Прочие пути сводятся к "other",
// чтобы сканеры не раздували кардинальность меток.
var knownPaths = map[string]struct{}{
	"/health/live":                  {},
	"/health/ready":                 {},
	"/metrics":                      {},
	"/api/v1/status":                {},
	"/api/v1/activity":              {},
	"/api/v1/connectivity":          {},
	"/api/v1/scheduler/pause":       {},
	"/api/v1/scheduler/resume":      {},
	"/api/v1/scheduler/auto-reload": {},
	"/api/v1/settings":              {},
	"/api/v1/reloads":               {},
}

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			status := strconv.Itoa(wrapped.statusCode)
			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath возвращает метку пути для метрик.
func normalizePath(path string) string {
	if len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}
