package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gigapix/gigapix/internal/metrics"
)

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// normalizeRoute collapses dynamic path segments so metric cardinality stays
// bounded.
func normalizeRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/tiles/"):
		return "/tiles"
	case strings.HasPrefix(path, "/thumbnails/"):
		return "/thumbnails"
	case strings.HasPrefix(path, "/preload-urls/"):
		return "/preload-urls"
	case strings.HasPrefix(path, "/upload/"), path == "/", strings.HasPrefix(path, "/auth/"):
		return path
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(parts) == 2 {
		return "/{fileid}/" + parts[1]
	}
	return "/{fileid}"
}
