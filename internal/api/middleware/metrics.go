// metrics.go — Prometheus HTTP метрики bspace-twin.
// Регистрирует метрики: twin_http_requests_total, twin_http_request_duration_seconds.
// Нормализация путей предотвращает взрывной рост кардинальности.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics — HTTP метрики twin.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewHTTPMetrics регистрирует HTTP метрики в reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	f := promauto.With(reg)
	return &HTTPMetrics{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "twin_http_requests_total",
				Help: "Общее количество HTTP-запросов к bspace-twin",
			},
			[]string{"method", "path", "status"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "twin_http_request_duration_seconds",
				Help:    "Длительность HTTP-запросов к bspace-twin в секундах",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Middleware записывает количество запросов и длительность для каждого endpoint.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		normalizedPath := normalizePath(r.URL.Path)

		wrapped := newStatusRecorder(w)
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.requestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
	})
}

// normalizePath сворачивает переменные сегменты путей Valence API:
// /d2l/api/lp/1.47/datasets/bds/{schema}/plugins/{plugin}/extracts → /d2l/api/lp/{version}/datasets/bds/{schemaId}/plugins/{pluginId}/extracts
// /d2l/api/lp/1.47/datasets/bds/.../extracts/a1b2c3d4-... → .../extracts/{extractId}
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/metrics",
		"/core/connect/token", "/core/.well-known/jwks":
		return path
	}

	const lpPrefix = "/d2l/api/lp/"
	if !strings.HasPrefix(path, lpPrefix) {
		return "other"
	}

	// version / datasets / bds / schemaId / plugins / pluginId / extracts [/ extractId]
	parts := strings.Split(strings.Trim(path[len(lpPrefix):], "/"), "/")
	if len(parts) < 7 || parts[1] != "datasets" || parts[2] != "bds" ||
		parts[4] != "plugins" || parts[6] != "extracts" {
		return lpPrefix + "other"
	}

	const extracts = "/d2l/api/lp/{version}/datasets/bds/{schemaId}/plugins/{pluginId}/extracts"
	switch len(parts) {
	case 7:
		return extracts
	case 8:
		return extracts + "/{extractId}"
	default:
		return lpPrefix + "other"
	}
}
