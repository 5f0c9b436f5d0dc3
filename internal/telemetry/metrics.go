// Package telemetry provides observability primitives for the Tollgate gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	TenantRequests *prometheus.CounterVec
	TenantTokens   *prometheus.CounterVec
	TenantCost     *prometheus.CounterVec
	TokensTotal    *prometheus.CounterVec
	CostTotal      *prometheus.CounterVec

	ProviderDuration *prometheus.HistogramVec
	ProviderErrors   *prometheus.CounterVec
	FallbackTotal    *prometheus.CounterVec
	CircuitOpenTotal *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec

	RateLimitedTotal *prometheus.CounterVec
	QuotaDeniedTotal *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter

	TouchQueueLength prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TenantRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tenant_requests_total",
			Help:      "Total chat requests per tenant and terminal status.",
		}, []string{"tenant", "status"}),

		TenantTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tenant_tokens_total",
			Help:      "Total tokens accounted per tenant.",
		}, []string{"tenant"}),

		TenantCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tenant_cost_total",
			Help:      "Total accounted cost in USD per tenant.",
		}, []string{"tenant"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "tokens_total",
			Help:      "Total tokens accounted, by model and direction.",
		}, []string{"model", "type"}),

		CostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "cost_total",
			Help:      "Total accounted cost in USD per model.",
		}, []string{"model"}),

		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "tollgate",
			Name:                            "provider_duration_seconds",
			Help:                            "Provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "provider_errors_total",
			Help:      "Total provider errors by provider and stage.",
		}, []string{"provider", "stage"}),

		FallbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "fallback_total",
			Help:      "Total provider swaps, by reason and direction.",
		}, []string{"reason", "from", "to"}),

		CircuitOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "circuit_open_total",
			Help:      "Total circuit breaker open transitions.",
		}, []string{"provider"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "retries_total",
			Help:      "Total provider call retries.",
		}, []string{"provider", "stage"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected by the per-minute limiter.",
		}, []string{"reason"}),

		QuotaDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "quota_denied_total",
			Help:      "Total requests rejected by daily quota.",
		}, []string{"reason"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tollgate",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		TouchQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tollgate",
			Name:      "touch_queue_length",
			Help:      "Current number of queued last-used key updates.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TenantRequests,
		m.TenantTokens,
		m.TenantCost,
		m.TokensTotal,
		m.CostTotal,
		m.ProviderDuration,
		m.ProviderErrors,
		m.FallbackTotal,
		m.CircuitOpenTotal,
		m.RetriesTotal,
		m.RateLimitedTotal,
		m.QuotaDeniedTotal,
		m.CacheHits,
		m.CacheMisses,
		m.TouchQueueLength,
	)

	return m
}
