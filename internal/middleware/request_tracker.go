package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPRecorder receives one observation per served request.
type HTTPRecorder interface {
	ObserveRequest(method, route string, status int, duration time.Duration)
}

// RequestTracker records request counts and latency by route pattern.
type RequestTracker struct {
	recorder HTTPRecorder
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker(recorder HTTPRecorder) *RequestTracker {
	return &RequestTracker{recorder: recorder}
}

// Middleware returns an HTTP middleware that tracks request metrics
func (rt *RequestTracker) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			rt.recorder.ObserveRequest(r.Method, routePattern(r), rw.statusCode, time.Since(start))
		})
	}
}

// routePattern keeps label cardinality bounded: unmatched paths collapse
// into a single bucket instead of one series per URL.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}
