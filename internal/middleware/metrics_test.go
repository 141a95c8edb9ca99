package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/apimbilling/apimbilling/internal/metrics"
)

func TestMetrics_UsesRoutePattern(t *testing.T) {
	rec := metrics.NewInMemory()

	r := chi.NewRouter()
	r.Use(Metrics(rec))
	r.Get("/api/subscriptions/{subscriptionId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"sub-a", "sub-b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/subscriptions/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	snap := rec.Snapshot()
	assert.Equal(t, uint64(2), snap.HTTPRequests["GET /api/subscriptions/{subscriptionId} 404"])
	assert.Equal(t, uint64(1), snap.HTTPRequests["GET unmatched 404"])
	assert.Len(t, snap.HTTPRequests, 2)
}
