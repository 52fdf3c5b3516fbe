package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qtune/internal/connector/sla"
	"qtune/internal/strategy/optimizer"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
	activeConnections    prometheus.Gauge
	apiErrorsTotal       *prometheus.CounterVec

	autotuneRuns        *prometheus.CounterVec
	autotuneDuration    prometheus.Histogram
	autotuneCandidates  *prometheus.CounterVec
	autotuneImprovement prometheus.Histogram

	slaSyncs        prometheus.Counter
	slaSyncDuration prometheus.Histogram
	slaEvents       *prometheus.CounterVec
	slaSuppressed   prometheus.Counter
	slaFailures     prometheus.Counter
	slaSinkErrors   prometheus.Counter
	slaOpenStates   prometheus.Gauge
	slaOpenEscal    prometheus.Gauge
}

// NewMetrics creates metrics registered on a private registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

// NewMetricsWith registers metrics on reg
func NewMetricsWith(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
			[]string{"method", "endpoint"},
		),
		activeConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections_active",
				Help: "Number of active WebSocket connections",
			},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"endpoint", "error_type"},
		),
		autotuneRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autotune_runs_total",
				Help: "Total number of autotune runs by apply decision",
			},
			[]string{"strategy", "decision", "partial"},
		),
		autotuneDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autotune_run_duration_seconds",
				Help:    "Autotune run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		autotuneCandidates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autotune_candidates_total",
				Help: "Total number of evaluated autotune candidates",
			},
			[]string{"strategy", "status"},
		),
		autotuneImprovement: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autotune_improvement_vs_baseline",
				Help:    "Objective improvement of the best candidate over the baseline",
				Buckets: []float64{-0.5, -0.1, -0.05, 0, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		slaSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sla_sync_ticks_total",
			Help: "Total number of SLA sync ticks",
		}),
		slaSyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sla_sync_duration_seconds",
			Help:    "SLA sync tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		slaEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sla_events_total",
				Help: "Total number of emitted SLA events",
			},
			[]string{"event_type", "breach_type", "severity"},
		),
		slaSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sla_events_suppressed_total",
			Help: "SLA events suppressed by cooldown",
		}),
		slaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sla_connector_failures_total",
			Help: "Connector evaluations that failed during a sync tick",
		}),
		slaSinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sla_sink_errors_total",
			Help: "Failed event deliveries to the alert sink",
		}),
		slaOpenStates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sla_open_states",
			Help: "Currently open SLA breach states",
		}),
		slaOpenEscal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sla_open_escalated_states",
			Help: "Currently open SLA breach states with escalation level > 0",
		}),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.httpRequestsInFlight,
		m.activeConnections,
		m.apiErrorsTotal,
		m.autotuneRuns,
		m.autotuneDuration,
		m.autotuneCandidates,
		m.autotuneImprovement,
		m.slaSyncs,
		m.slaSyncDuration,
		m.slaEvents,
		m.slaSuppressed,
		m.slaFailures,
		m.slaSinkErrors,
		m.slaOpenStates,
		m.slaOpenEscal,
	)

	return m
}

// MetricsMiddleware creates a Prometheus metrics middleware
func (m *Metrics) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		// Track in-flight requests
		m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := "client_error"
			if c.Writer.Status() >= 500 {
				errorType = "server_error"
			}
			m.apiErrorsTotal.WithLabelValues(path, errorType).Inc()
		}
	}
}

// Handler returns the Prometheus metrics handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveAutotuneRun records a finished autotune run
func (m *Metrics) ObserveAutotuneRun(run *optimizer.Run, elapsed time.Duration) {
	m.autotuneRuns.WithLabelValues(run.StrategyName, string(run.ApplyDecision), strconv.FormatBool(run.Partial)).Inc()
	m.autotuneDuration.Observe(elapsed.Seconds())
	ok := run.EvaluatedCount - run.FailedCount
	if ok > 0 {
		m.autotuneCandidates.WithLabelValues(run.StrategyName, "ok").Add(float64(ok))
	}
	if run.FailedCount > 0 {
		m.autotuneCandidates.WithLabelValues(run.StrategyName, "failed").Add(float64(run.FailedCount))
	}
	if run.ImprovementVsBaseline != nil {
		m.autotuneImprovement.Observe(*run.ImprovementVsBaseline)
	}
}

// ObserveSLASync records a finished SLA sync tick
func (m *Metrics) ObserveSLASync(result *sla.SyncResult, elapsed time.Duration) {
	m.slaSyncs.Inc()
	m.slaSyncDuration.Observe(elapsed.Seconds())
	for _, e := range result.Events {
		m.slaEvents.WithLabelValues(string(e.Type), string(e.BreachType), string(e.Severity)).Inc()
	}
	m.slaSuppressed.Add(float64(result.Skipped))
	m.slaFailures.Add(float64(result.Failed))
	m.slaSinkErrors.Add(float64(result.SinkErrors))
	m.slaOpenStates.Set(float64(result.OpenStates))
	m.slaOpenEscal.Set(float64(result.OpenEscalated))
}

// SetActiveConnections sets the number of active WebSocket connections
func (m *Metrics) SetActiveConnections(count float64) {
	m.activeConnections.Set(count)
}
