package middleware

import (
	"net/http"
	"time"

	"github.com/apimbilling/apimbilling/internal/metrics"
)

// Metrics records request count and latency per chi route pattern, so
// subscription ids never become label values.
func Metrics(recorder metrics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			recorder.ObserveHTTPRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
		})
	}
}
