package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"crossarb/pkg/utils"
)

// ============ Метрики ops API ============

var httpRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbitrage",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Ops API requests by route and status code",
	},
	[]string{"method", "route", "code"},
)

var httpLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbitrage",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Ops API request latency",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Logging - access log запросов и метрики по шаблону маршрута
//
// Формат: method, path, status, latency, remote, bytes.
// 5xx пишутся на уровне warn, остальное на debug.
func Logging(logger *utils.Logger) mux.MiddlewareFunc {
	if logger == nil {
		logger = utils.L()
	}
	logger = logger.WithComponent("http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := routeTemplate(r)
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
			httpLatency.WithLabelValues(r.Method, route).Observe(duration.Seconds())

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				utils.Latency(duration),
				zap.String("remote", r.RemoteAddr),
				zap.Int64("bytes", wrapped.written),
			}
			if wrapped.statusCode >= http.StatusInternalServerError {
				logger.Warn("request failed", fields...)
				return
			}
			logger.Debug("request", fields...)
		})
	}
}

// routeTemplate - шаблон маршрута вместо пути, чтобы не раздувать кардинальность
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
