package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kenneth/pngcrypt/internal/metrics"
)

// MetricsMiddleware records request counts, durations and sizes. It is
// meant to be installed with router.Use so the matched route template is
// available as the path label.
func MetricsMiddleware(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			start := time.Now()
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			size := rw.bytesWritten
			if r.ContentLength > 0 {
				size += r.ContentLength
			}
			m.RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start), size)
		})
	}
}
