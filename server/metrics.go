package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Validation outcomes reported by serviceValidate.
const (
	OutcomeSuccess        = "success"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeInvalidService = "invalid_service"
	OutcomeInvalidTicket  = "invalid_ticket"
	OutcomeError          = "error"
)

// Metrics owns the bridge's Prometheus registry. It implements idp.Recorder.
type Metrics struct {
	registry         *prometheus.Registry
	validations      *prometheus.CounterVec
	upstream         *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	cacheLookups     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
}

// NewMetrics registers the bridge collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casbridge_validations_total",
			Help: "Tracks serviceValidate outcomes.",
		}, []string{"outcome"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casbridge_upstream_requests_total",
			Help: "Tracks calls to the identity provider.",
		}, []string{"call", "result"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casbridge_upstream_request_duration_seconds",
			Help:    "Tracks the latencies of calls to the identity provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casbridge_cache_lookups_total",
			Help: "Tracks service registry and signing key cache lookups.",
		}, []string{"cache", "result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"code", "handler", "method"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Tracks the number of HTTP requests.",
		}, []string{"code", "handler", "method"}),
	}
	m.registry.MustRegister(
		m.validations,
		m.upstream,
		m.upstreamDuration,
		m.cacheLookups,
		m.requestDuration,
		m.requestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveUpstream records one IDP call.
func (m *Metrics) ObserveUpstream(call string, started time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstream.WithLabelValues(call, result).Inc()
	m.upstreamDuration.WithLabelValues(call).Observe(time.Since(started).Seconds())
}

// ObserveCache records one cache lookup.
func (m *Metrics) ObserveCache(name string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(name, result).Inc()
}

// ObserveValidation records one serviceValidate outcome.
func (m *Metrics) ObserveValidation(outcome string) {
	m.validations.WithLabelValues(outcome).Inc()
}

// Instrument wraps next with request count and latency collection.
func (m *Metrics) Instrument(handlerName string, next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		m.requestDuration.MustCurryWith(prometheus.Labels{"handler": handlerName}),
		promhttp.InstrumentHandlerCounter(
			m.requestsTotal.MustCurryWith(prometheus.Labels{"handler": handlerName}),
			next,
		),
	)
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
