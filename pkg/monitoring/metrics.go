package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the access service
type Metrics struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	decisionsTotal      *prometheus.CounterVec
	evaluationDuration  *prometheus.HistogramVec
	breakGlassTotal     *prometheus.CounterVec
	auditWritesTotal    *prometheus.CounterVec
	auditWriteDuration  prometheus.Histogram
	authAttemptsTotal   *prometheus.CounterVec
	remediationsTotal   *prometheus.CounterVec
	casConflictsTotal   prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
// Passing a fresh prometheus.NewRegistry() keeps tests independent.
func NewMetrics(serviceName string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		serviceName: serviceName,
		gatherer:    reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_decisions_total",
				Help: "Total number of finalized access decisions",
			},
			[]string{"resource_type", "action", "outcome", "service"},
		),
		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "access_evaluation_duration_seconds",
				Help:    "Duration of end-to-end access evaluation in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"resource_type", "service"},
		),
		breakGlassTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "break_glass_requests_total",
				Help: "Total number of break-glass override attempts",
			},
			[]string{"result", "service"},
		),
		auditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_writes_total",
				Help: "Total number of audit trail write attempts",
			},
			[]string{"status", "service"},
		),
		auditWriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:        "audit_write_duration_seconds",
				Help:        "Duration of audit trail appends including retries",
				Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_attempts_total",
				Help: "Total number of authentication attempts",
			},
			[]string{"method", "status", "service"},
		),
		remediationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "remediations_total",
				Help: "Total number of remediation actions",
			},
			[]string{"kind", "status", "service"},
		),
		casConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "principal_version_conflicts_total",
				Help:        "Total number of lost compare-and-swap rounds on principals",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.decisionsTotal,
		m.evaluationDuration,
		m.breakGlassTotal,
		m.auditWritesTotal,
		m.auditWriteDuration,
		m.authAttemptsTotal,
		m.remediationsTotal,
		m.casConflictsTotal,
	)

	return m
}

// NewNopMetrics returns metrics backed by a private registry
func NewNopMetrics() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordDecision records a finalized decision
func (m *Metrics) RecordDecision(resourceType, action, outcome string, duration time.Duration) {
	m.decisionsTotal.WithLabelValues(resourceType, action, outcome, m.serviceName).Inc()
	m.evaluationDuration.WithLabelValues(resourceType, m.serviceName).Observe(duration.Seconds())
}

// RecordBreakGlass records a break-glass attempt; result is granted, rejected or disabled
func (m *Metrics) RecordBreakGlass(result string) {
	m.breakGlassTotal.WithLabelValues(result, m.serviceName).Inc()
}

// RecordAuditWrite records an audit append
func (m *Metrics) RecordAuditWrite(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.auditWritesTotal.WithLabelValues(status, m.serviceName).Inc()
	m.auditWriteDuration.Observe(duration.Seconds())
}

// RecordAuthAttempt records authentication attempt metrics
func (m *Metrics) RecordAuthAttempt(method, status string) {
	m.authAttemptsTotal.WithLabelValues(method, status, m.serviceName).Inc()
}

// RecordRemediation records a remediation attempt
func (m *Metrics) RecordRemediation(kind, status string) {
	m.remediationsTotal.WithLabelValues(kind, status, m.serviceName).Inc()
}

// RecordVersionConflict counts one lost compare-and-swap round
func (m *Metrics) RecordVersionConflict() {
	m.casConflictsTotal.Inc()
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
