// Package telemetry provides observability primitives for the Shadowfax
// gateway: Prometheus collectors, OTLP tracing setup, and the per-endpoint
// runtime statistics the balancer and health monitor read.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	TimeToFirstToken *prometheus.HistogramVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter

	RateLimitRejects   *prometheus.CounterVec
	UpstreamRateLimits *prometheus.CounterVec

	BalancerPicks   *prometheus.CounterVec
	EndpointChanges *prometheus.CounterVec

	LogRecordsDropped prometheus.Counter
	LogQueueLength    prometheus.Gauge

	PanicsTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "endpoint"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		TimeToFirstToken: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "shadowfax",
			Name:                            "time_to_first_token_seconds",
			Help:                            "Time from dispatch to first upstream body byte.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "cache_evictions_total",
			Help:      "Total response cache entries evicted.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"layer"}),

		UpstreamRateLimits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "upstream_ratelimit_events_total",
			Help:      "Total 429 responses observed from upstream providers.",
		}, []string{"provider"}),

		BalancerPicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "balancer_picks_total",
			Help:      "Total balancer selections by target provider.",
		}, []string{"router", "provider"}),

		EndpointChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "endpoint_changes_total",
			Help:      "Total endpoint removals and reinsertions by the monitors.",
		}, []string{"provider", "change"}),

		LogRecordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "log_records_dropped_total",
			Help:      "Total log records dropped because the sink queue was full.",
		}),

		LogQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadowfax",
			Name:      "log_queue_length",
			Help:      "Current number of queued log records.",
		}),

		PanicsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadowfax",
			Name:      "panics_recovered_total",
			Help:      "Total panics recovered by the middleware shell.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.TimeToFirstToken,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.RateLimitRejects,
		m.UpstreamRateLimits,
		m.BalancerPicks,
		m.EndpointChanges,
		m.LogRecordsDropped,
		m.LogQueueLength,
		m.PanicsTotal,
	)

	return m
}
