package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder on a dedicated registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	armRequests  *prometheus.CounterVec
	armDuration  *prometheus.HistogramVec
	purchases    *prometheus.CounterVec
	stateChanges *prometheus.CounterVec
	keyRotations *prometheus.CounterVec
	userLookups  *prometheus.CounterVec
}

// NewPrometheus registers the billing collectors, plus Go and process
// collectors, on a fresh registry.
func NewPrometheus(namespace string) *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		armRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arm_requests_total",
			Help:      "Total number of Azure Resource Manager requests",
		}, []string{"operation", "outcome"}),
		armDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "arm_request_duration_seconds",
			Help:      "Azure Resource Manager request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),
		purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by outcome",
		}, []string{"outcome"}),
		stateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_state_changes_total",
			Help:      "Subscription state changes by target state",
		}, []string{"state"}),
		keyRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Subscription key regenerations by key type",
		}, []string{"key_type"}),
		userLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "user_lookups_total",
			Help:      "APIM user lookups by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the underlying registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveARMRequest(operation, outcome string, duration time.Duration) {
	p.armRequests.WithLabelValues(operation, outcome).Inc()
	p.armDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncPurchase(outcome string) {
	p.purchases.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncStateChange(state string) {
	p.stateChanges.WithLabelValues(state).Inc()
}

func (p *PrometheusRecorder) IncKeyRotation(keyType string) {
	p.keyRotations.WithLabelValues(keyType).Inc()
}

func (p *PrometheusRecorder) IncUserLookup(outcome string) {
	p.userLookups.WithLabelValues(outcome).Inc()
}
