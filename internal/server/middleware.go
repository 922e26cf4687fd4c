package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/HerbHall/fruwatch/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruwatch_http_requests_total",
			Help: "Ops API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fruwatch_http_request_duration_seconds",
			Help:    "Ops API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
}

type requestIDKey struct{}

// RequestID returns the request ID carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// instrument wraps next with the ops API's per-request plumbing: a request
// ID (propagated from X-Request-ID or generated), version headers, panic
// recovery, metrics, and a debug log line for paths not in quiet.
//
// The metric path label is the matched route pattern, so module names in
// URLs do not grow its cardinality.
func instrument(next http.Handler, logger *zap.Logger, quiet ...string) http.Handler {
	skip := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		skip[p] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))
		h := w.Header()
		h.Set("X-Request-ID", id)
		h.Set("X-Fruwatch-Version", version.Short())
		h.Set("X-Content-Type-Options", "nosniff")

		rec := &recorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				logger.Error("panic recovered",
					zap.Any("panic", p),
					zap.String("path", r.URL.Path),
					zap.String("request_id", id),
				)
				if !rec.written {
					InternalError(rec, "an unexpected error occurred", r.URL.Path)
				}
			}

			elapsed := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			if !skip[r.URL.Path] {
				logger.Debug("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", rec.status),
					zap.Duration("duration", elapsed),
					zap.String("request_id", id),
				)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}

// recorder remembers the status code written through it.
type recorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *recorder) WriteHeader(code int) {
	if r.written {
		return
	}
	r.status = code
	r.written = true
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}
