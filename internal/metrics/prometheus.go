package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder keeps its collectors in a private registry so tests
// and multiple servers in one process do not collide.
type PrometheusRecorder struct {
	registry     *prometheus.Registry
	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	refresh      *prometheus.CounterVec
	accessChecks *prometheus.CounterVec
	summary      *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the service collectors under namespace.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	r := &PrometheusRecorder{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRequests,
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricLatency,
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricRefresh,
			Help:      "Subscription refresh requests by outcome.",
		}, []string{"outcome"}),
		accessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricAccessChecks,
			Help:      "Feature access evaluations by feature and result.",
		}, []string{"feature", "result"}),
		summary: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricSummary,
			Help:      "Follower summary lookups by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		r.requests,
		r.latency,
		r.refresh,
		r.accessChecks,
		r.summary,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *PrometheusRecorder) RecordRequest(method, route string, status int, duration time.Duration) {
	r.requests.WithLabelValues(method, route, statusClass(status)).Inc()
	r.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordRefresh(outcome string) {
	r.refresh.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) RecordAccessCheck(feature string, granted bool) {
	r.accessChecks.WithLabelValues(feature, grantedLabel(granted)).Inc()
}

func (r *PrometheusRecorder) RecordSummary(outcome string) {
	r.summary.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}
