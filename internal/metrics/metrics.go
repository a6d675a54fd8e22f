// Package metrics exposes mongolinkd's Prometheus instrumentation: per-profile
// pool occupancy, health-check outcomes, and driver call latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for mongolinkd.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	commandDuration    *prometheus.HistogramVec
	profileHealth      *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	acquireDuration *prometheus.HistogramVec
	authFailures    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongolink_connections_active",
				Help: "Number of active connections per profile",
			},
			[]string{"profile"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongolink_connections_idle",
				Help: "Number of idle connections per profile",
			},
			[]string{"profile"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongolink_connections_total",
				Help: "Total number of pooled connections per profile",
			},
			[]string{"profile"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongolink_connections_waiting",
				Help: "Number of goroutines waiting to acquire a connection per profile",
			},
			[]string{"profile"},
		),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongolink_command_duration_seconds",
				Help:    "Duration of wire-protocol commands issued to a profile",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"profile", "command"},
		),
		profileHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mongolink_profile_health",
				Help: "Health status of a profile's upstream deployment (1=healthy, 0=unhealthy)",
			},
			[]string{"profile"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongolink_pool_exhausted_total",
				Help: "Total number of times Acquire had to wait because the pool was at its connection limit, per profile",
			},
			[]string{"profile"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongolink_health_check_duration_seconds",
				Help:    "Duration of per-profile Ping probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"profile", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongolink_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"profile", "error_type"},
		),

		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mongolink_acquire_duration_seconds",
				Help:    "Time spent waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"profile"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mongolink_auth_failures_total",
				Help: "Authentication handshake failures per profile",
			},
			[]string{"profile", "mechanism"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.commandDuration,
		c.profileHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.acquireDuration,
		c.authFailures,
	)

	return c
}

// CommandDuration observes the duration of a command issued against a profile.
func (c *Collector) CommandDuration(profile, command string, d time.Duration) {
	c.commandDuration.WithLabelValues(profile, command).Observe(d.Seconds())
}

// SetProfileHealth sets the health gauge for a profile.
func (c *Collector) SetProfileHealth(profile string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.profileHealth.WithLabelValues(profile).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(profile string) {
	c.poolExhausted.WithLabelValues(profile).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from a pool.Stats snapshot.
func (c *Collector) UpdatePoolStats(profile string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(profile).Set(float64(active))
	c.connectionsIdle.WithLabelValues(profile).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(profile).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(profile).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(profile string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(profile, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(profile, errorType string) {
	c.healthCheckErrors.WithLabelValues(profile, errorType).Inc()
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(profile string, d time.Duration) {
	c.acquireDuration.WithLabelValues(profile).Observe(d.Seconds())
}

// AuthFailure increments the auth failure counter for a profile and mechanism.
func (c *Collector) AuthFailure(profile, mechanism string) {
	c.authFailures.WithLabelValues(profile, mechanism).Inc()
}

// RemoveProfile removes all metrics for a profile, e.g. after it is deleted
// from the router.
func (c *Collector) RemoveProfile(profile string) {
	c.connectionsActive.DeleteLabelValues(profile)
	c.connectionsIdle.DeleteLabelValues(profile)
	c.connectionsTotal.DeleteLabelValues(profile)
	c.connectionsWaiting.DeleteLabelValues(profile)
	c.profileHealth.DeleteLabelValues(profile)
	c.poolExhausted.DeleteLabelValues(profile)
	c.commandDuration.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"profile": profile})
	c.acquireDuration.DeleteLabelValues(profile)
	c.authFailures.DeletePartialMatch(prometheus.Labels{"profile": profile})
}
