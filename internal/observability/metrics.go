package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/status-poller/internal/models"
	"github.com/kjstillabower/status-poller/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate for the dashboard and API.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Route label is the mux path template.
	HTTPRequestDuration *prometheus.HistogramVec

	HTTPRequestsInFlight prometheus.Gauge

	// Probe outcomes per target. Watch for: rising down ratio.
	ProbesTotal *prometheus.CounterVec

	// Probe latency per target (final attempt). Watch for: p95 creeping toward the target timeout.
	ProbeDuration *prometheus.HistogramVec

	// Retry attempts across all probes. High values mean flapping upstreams.
	ProbeRetriesTotal prometheus.Counter

	// Failed probes by error category.
	ProbeErrorsTotal *prometheus.CounterVec

	// 1 when the last check of a target was up, 0 when down.
	TargetUp *prometheus.GaugeVec

	// Circuit breaker state per target (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Latest-status cache reads served from cache vs store fallback.
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheErrorsTotal *prometheus.CounterVec

	// SQLite operation latency by op and result.
	StoreOperationDuration *prometheus.HistogramVec

	StoreErrorsTotal *prometheus.CounterVec

	ChecksPrunedTotal prometheus.Counter

	// Manual checks by result; coalesced counts callers that shared an in-flight probe.
	ManualChecksTotal    *prometheus.CounterVec
	CoalescedChecksTotal prometheus.Counter

	// Rate limit denials on the manual check endpoint.
	RateLimitDeniedTotal prometheus.Counter

	// Running scheduler workers (one per target).
	SchedulerWorkers prometheus.Gauge

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probesTotal",
			Help: "Total number of target probes by outcome",
		},
		[]string{"target", "status"},
	)
	ProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "probeDurationSeconds",
			Help:    "Probe latency in seconds (final attempt)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target"},
	)
	ProbeRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "probeRetriesTotal",
			Help: "Total number of probe retry attempts",
		},
	)
	ProbeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probeErrorsTotal",
			Help: "Failed probes by error category",
		},
		[]string{"target", "category"},
	)
	TargetUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "targetUp",
			Help: "1 if the last check of the target was up, 0 otherwise",
		},
		[]string{"target"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state per target: 0 closed, 1 open, 2 half-open",
		},
		[]string{"target"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"target", "from", "to"},
	)
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Latest-status reads served from cache",
		},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Latest-status reads that fell back to the store",
		},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache operation errors",
		},
		[]string{"operation"},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "SQLite operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"operation", "result"},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeErrorsTotal",
			Help: "SQLite operation errors",
		},
		[]string{"operation"},
	)
	ChecksPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "checksPrunedTotal",
			Help: "Checks deleted by retention pruning",
		},
	)
	ManualChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manualChecksTotal",
			Help: "Manual checks requested through the API",
		},
		[]string{"result"},
	)
	CoalescedChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coalescedChecksTotal",
			Help: "Check requests that shared an in-flight probe",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	SchedulerWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "schedulerWorkers",
			Help: "Number of running per-target poll workers",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ProbesTotal, ProbeDuration, ProbeRetriesTotal, ProbeErrorsTotal, TargetUp,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal,
		StoreOperationDuration, StoreErrorsTotal, ChecksPrunedTotal,
		ManualChecksTotal, CoalescedChecksTotal,
		RateLimitDeniedTotal, SchedulerWorkers,
	)
}

// RegisterTrafficGauges registers sliding-window gauges over probe outcomes.
// Call from main after config load with the degraded window used by /health.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "probeFailuresInWindow",
					Help: "Failed probes in the health window",
				},
				func() float64 {
					errs, _ := traffic.ErrorRate(window)
					return float64(errs)
				},
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the health window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordProbe records outcome, latency and error category for a finished check.
func RecordProbe(check models.Check) {
	ProbesTotal.WithLabelValues(check.Target, string(check.Status)).Inc()
	ProbeDuration.WithLabelValues(check.Target).Observe(check.Latency.Seconds())
	if check.Status == models.StatusUp {
		TargetUp.WithLabelValues(check.Target).Set(1)
		return
	}
	TargetUp.WithLabelValues(check.Target).Set(0)
	category := check.ErrorCategory
	if category == "" {
		category = "unknown"
	}
	ProbeErrorsTotal.WithLabelValues(check.Target, category).Inc()
}

// CircuitBreakerStateValue maps a breaker state ordinal to the gauge value.
func CircuitBreakerStateValue(state int) float64 {
	return float64(state)
}

// SetCircuitBreakerStateGauge sets the breaker state gauge for target.
func SetCircuitBreakerStateGauge(target string, value float64) {
	CircuitBreakerState.WithLabelValues(target).Set(value)
}

// RecordCircuitBreakerTransition counts a breaker state change for target.
func RecordCircuitBreakerTransition(target, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(target, from, to).Inc()
}

// ObserveStoreOp records the latency of a store operation started at start.
func ObserveStoreOp(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		StoreErrorsTotal.WithLabelValues(op).Inc()
	}
	StoreOperationDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
