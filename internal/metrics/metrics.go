package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the runtime.
type Collector struct {
	Registry *prometheus.Registry

	loopIterations prometheus.Counter
	timersFired    prometheus.Counter
	ticksRun       prometheus.Counter
	ioEvents       prometheus.Counter
	activeFibers   prometheus.Gauge
	pendingTimers  prometheus.Gauge

	httpRequestsTotal   *prometheus.CounterVec
	httpInflight        prometheus.Gauge
	fileOpsTotal        *prometheus.CounterVec

	connectionsActive prometheus.Gauge
	connectionsIdle   prometheus.Gauge
	connectionsTotal  prometheus.Gauge
	poolWaiting       prometheus.Gauge
	poolExhausted     prometheus.Counter

	queryDuration   *prometheus.HistogramVec
	backendHealth   prometheus.Gauge
	healthCheckDur  *prometheus.HistogramVec
	healthCheckErrs *prometheus.CounterVec

	last loopCounters
}

// New creates and registers all metrics on a private registry. Safe to
// call multiple times; each call creates an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		loopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncloop_loop_iterations_total",
			Help: "Total event loop iterations",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncloop_timers_fired_total",
			Help: "Total timer callbacks fired",
		}),
		ticksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncloop_ticks_run_total",
			Help: "Total next-tick and deferred callbacks run",
		}),
		ioEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncloop_io_events_total",
			Help: "Total readiness callbacks fired",
		}),
		activeFibers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_active_fibers",
			Help: "Fibers that have not yet terminated",
		}),
		pendingTimers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_pending_timers",
			Help: "Timers waiting to fire",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncloop_http_requests_total",
			Help: "Completed HTTP requests by outcome",
		}, []string{"outcome"}),
		httpInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_http_inflight",
			Help: "Outstanding HTTP requests",
		}),
		fileOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncloop_file_ops_total",
			Help: "Completed file operations by type",
		}, []string{"type"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_connections_active",
			Help: "MySQL connections currently in use",
		}),
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_connections_idle",
			Help: "MySQL connections parked in the pool",
		}),
		connectionsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_connections_total",
			Help: "Total MySQL connections owned by the pool",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_pool_waiting",
			Help: "Callers queued for a pool connection",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncloop_pool_exhausted_total",
			Help: "Times the pool hit max connections and a caller had to wait",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncloop_query_duration_seconds",
			Help:    "Duration of MySQL commands in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}, []string{"command"}),
		backendHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncloop_backend_health",
			Help: "Health of the MySQL backend (1=healthy, 0=unhealthy)",
		}),
		healthCheckDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncloop_health_check_duration_seconds",
			Help:    "Duration of health check probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"status"}),
		healthCheckErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncloop_health_check_errors_total",
			Help: "Health check errors by type",
		}, []string{"error_type"}),
	}

	reg.MustRegister(
		c.loopIterations,
		c.timersFired,
		c.ticksRun,
		c.ioEvents,
		c.activeFibers,
		c.pendingTimers,
		c.httpRequestsTotal,
		c.httpInflight,
		c.fileOpsTotal,
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.poolWaiting,
		c.poolExhausted,
		c.queryDuration,
		c.backendHealth,
		c.healthCheckDur,
		c.healthCheckErrs,
	)

	return c
}

// loopCounters tracks the last observed snapshot so counter deltas can be
// derived from monotonically increasing loop stats.
type loopCounters struct {
	iterations uint64
	timers     uint64
	ticks      uint64
	io         uint64
}

// UpdateLoopStats folds a loop stats snapshot into the collector.
func (c *Collector) UpdateLoopStats(iterations, timers, ticks, io uint64, pendingTimers, activeFibers int) {
	c.loopIterations.Add(float64(iterations - c.last.iterations))
	c.timersFired.Add(float64(timers - c.last.timers))
	c.ticksRun.Add(float64(ticks - c.last.ticks))
	c.ioEvents.Add(float64(io - c.last.io))
	c.last = loopCounters{iterations: iterations, timers: timers, ticks: ticks, io: io}

	c.pendingTimers.Set(float64(pendingTimers))
	c.activeFibers.Set(float64(activeFibers))
}

// UpdatePoolStats updates the pool gauges.
func (c *Collector) UpdatePoolStats(active, idle, total, waiting int) {
	c.connectionsActive.Set(float64(active))
	c.connectionsIdle.Set(float64(idle))
	c.connectionsTotal.Set(float64(total))
	c.poolWaiting.Set(float64(waiting))
}

// PoolExhausted increments the exhaustion counter.
func (c *Collector) PoolExhausted() {
	c.poolExhausted.Inc()
}

// HTTPCompleted records a finished HTTP request.
func (c *Collector) HTTPCompleted(outcome string) {
	c.httpRequestsTotal.WithLabelValues(outcome).Inc()
}

// SetHTTPInflight updates the outstanding-request gauge.
func (c *Collector) SetHTTPInflight(n int) {
	c.httpInflight.Set(float64(n))
}

// FileOpCompleted records a finished file operation.
func (c *Collector) FileOpCompleted(opType string) {
	c.fileOpsTotal.WithLabelValues(opType).Inc()
}

// QueryDuration observes a MySQL command duration.
func (c *Collector) QueryDuration(command string, d time.Duration) {
	c.queryDuration.WithLabelValues(command).Observe(d.Seconds())
}

// SetBackendHealth sets the backend health gauge.
func (c *Collector) SetBackendHealth(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.backendHealth.Set(val)
}

// HealthCheckCompleted records a probe duration and result.
func (c *Collector) HealthCheckCompleted(d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDur.WithLabelValues(status).Observe(d.Seconds())
}

// HealthCheckError records a probe error by type.
func (c *Collector) HealthCheckError(errorType string) {
	c.healthCheckErrs.WithLabelValues(errorType).Inc()
}
