// Package metrics defines Prometheus metrics for the token pool.
// All collectors are registered upfront so every package can use them
// without touching the registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks borrowed connections per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenpool_connections_active",
		Help: "Number of borrowed connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks idle connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenpool_connections_idle",
		Help: "Number of idle connections in the pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured max size per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenpool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// ConnectionsTotal counts acquire/release/create operations by outcome.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpool_connections_total",
		Help: "Total connection operations",
	}, []string{"pool", "status"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"pool", "error_type"})

	// Waiting tracks callers blocked waiting for a connection.
	Waiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenpool_waiting",
		Help: "Number of callers waiting for a connection",
	}, []string{"pool"})

	// AcquireWaitDuration tracks how long callers waited for a connection.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenpool_acquire_wait_seconds",
		Help:    "Time spent waiting for a connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"pool"})

	// LeaksDetected counts connections held longer than the leak threshold.
	LeaksDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpool_leaks_detected_total",
		Help: "Connections borrowed longer than the leak detection threshold",
	}, []string{"pool"})

	// TokenIssuance counts token signing calls by principal class and outcome.
	TokenIssuance = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpool_token_issuance_total",
		Help: "Total authentication token issuance attempts",
	}, []string{"class", "status"})

	// TokenIssuanceDuration tracks signing latency.
	TokenIssuanceDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tokenpool_token_issuance_seconds",
		Help:    "Token issuance latency",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"class"})

	// Rotations counts bulk pool rotations by outcome.
	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpool_rotations_total",
		Help: "Scheduled pool rotations",
	}, []string{"status"})

	// PoolState exposes the manager state (0 uninitialized, 1 active, 2 rotating, 3 closed).
	PoolState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenpool_manager_state",
		Help: "Pool manager lifecycle state",
	})

	// InstanceHeartbeat is 1 while this instance's heartbeat reaches Redis.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenpool_instance_heartbeat",
		Help: "Instance heartbeat status (1 = alive)",
	}, []string{"instance"})

	// CoordinatorFallback is 1 while the coordinator grants leases locally.
	CoordinatorFallback = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tokenpool_coordinator_fallback",
		Help: "Coordinator fallback mode (1 = Redis unavailable, local leases)",
	})

	// ComponentHealthy tracks the last periodic health check per component.
	ComponentHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tokenpool_component_healthy",
		Help: "Component health (1 = healthy)",
	}, []string{"component"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tokenpool_redis_operations_total",
		Help: "Total Redis operations",
	}, []string{"operation", "status"})
)
