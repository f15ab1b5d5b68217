// Package metrics provides Prometheus instrumentation for the compatz
// server.
//
// All collectors live in a custom [prometheus.Registry] so that only compatz
// metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Cache lookup results reported by [Metrics.RecordCacheLookup].
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics holds the Prometheus collectors of the compatz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	GRPCRequestsTotal     *prometheus.CounterVec
	GRPCRequestDuration   *prometheus.HistogramVec
	ChecksTotal           *prometheus.CounterVec
	ConflictsPerCheck     prometheus.Histogram
	AttributeWritesTotal  *prometheus.CounterVec
	MetadataFailuresTotal prometheus.Counter
	DeclarationCacheTotal *prometheus.CounterVec
	AuthFailuresTotal     prometheus.Counter
}

// New creates and registers all compatz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compatz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compatz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GRPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compatz_grpc_requests_total",
			Help: "Total number of gRPC requests.",
		}, []string{"method", "status"}),

		GRPCRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compatz_grpc_request_duration_seconds",
			Help:    "gRPC request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compatz_checks_total",
			Help: "Total number of cart compatibility checks by result.",
		}, []string{"result"}),

		ConflictsPerCheck: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "compatz_conflicts_per_check",
			Help:    "Number of conflicts reported by a single check.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),

		AttributeWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compatz_attribute_writes_total",
			Help: "Total number of order attribute write decisions by outcome.",
		}, []string{"outcome"}),

		MetadataFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compatz_metadata_fetch_failures_total",
			Help: "Total number of failed declaration lookups.",
		}),

		DeclarationCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compatz_declaration_cache_lookups_total",
			Help: "Total number of declaration cache lookups by result.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compatz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ChecksTotal,
		m.ConflictsPerCheck,
		m.AttributeWritesTotal,
		m.MetadataFailuresTotal,
		m.DeclarationCacheTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, statusCode int, elapsed time.Duration) {
	code := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// UnaryServerInterceptor returns a gRPC unary interceptor that records
// request count and latency for each method.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		st, _ := status.FromError(err)
		code := st.Code().String()
		m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
		m.GRPCRequestDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// RecordCheck counts a finished check and its number of conflicts.
func (m *Metrics) RecordCheck(result string, conflicts int) {
	m.ChecksTotal.WithLabelValues(result).Inc()
	m.ConflictsPerCheck.Observe(float64(conflicts))
}

// RecordAttributeWrite counts an attribute write decision.
func (m *Metrics) RecordAttributeWrite(outcome string) {
	m.AttributeWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordMetadataFailure counts a failed declaration lookup.
func (m *Metrics) RecordMetadataFailure() {
	m.MetadataFailuresTotal.Inc()
}

// RecordCacheLookup counts declaration cache hits and misses.
func (m *Metrics) RecordCacheLookup(hits, misses int) {
	m.DeclarationCacheTotal.WithLabelValues(CacheHit).Add(float64(hits))
	m.DeclarationCacheTotal.WithLabelValues(CacheMiss).Add(float64(misses))
}

// IncAuthFailures counts a failed authentication.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
