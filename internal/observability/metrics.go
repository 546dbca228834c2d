// Package observability exposes the dispatcher's Prometheus metrics as
// package-level promauto vars, grouped by subsystem.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Current number of requests waiting in the dispatch queue",
	})

	InflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_inflight_requests",
		Help: "Current number of requests assigned to a backend instance",
	})

	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_admission_wait_seconds",
		Help:    "Time a request waits in queue before being assigned to an instance",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_decisions_total",
		Help: "Dispatch outcomes by decision",
	}, []string{"decision"}) // assigned, retried, failed, cancelled

	BackendCurrentConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_current_connections",
		Help: "Current open connections per backend instance",
	}, []string{"instance"})

	BackendAvgResponseTimeMs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_avg_response_time_ms",
		Help: "Rolling mean response time per backend instance",
	}, []string{"instance"})

	BackendHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_health",
		Help: "Backend instance health (1=healthy, 0=unhealthy)",
	}, []string{"instance"})

	ModelSelectionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_selection_total",
		Help: "Model selections by scenario tag and chosen model",
	}, []string{"scenario", "model"})

	ModelFailoverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "model_failover_total",
		Help: "Model failover events by origin and destination model",
	}, []string{"from", "to"})

	HealthTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "health_transitions_total",
		Help: "Backend health state transitions by instance",
	}, []string{"instance"})

	AutoscaleIntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autoscale_intents_total",
		Help: "Autoscale intents emitted by kind",
	}, []string{"kind"}) // scale_up, scale_down

	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "configstore_redis_roundtrip_latency_seconds",
		Help:    "Redis config store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)
