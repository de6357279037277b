package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer, in which case nothing is recorded.
type Metrics struct {
	registry         *prometheus.Registry
	passRuns         *prometheus.CounterVec // total passes by status
	passDuration     prometheus.Histogram   // time to complete a pass
	recordActions    *prometheus.CounterVec // planned actions per record
	recordFailures   *prometheus.CounterVec // failed applies per record
	providerRequests *prometheus.CounterVec // dns provider requests
	resolveRequests  *prometheus.CounterVec // public ip lookups
	lastSuccess      prometheus.Gauge       // unix time of last successful pass
}

func (m *Metrics) IncPass(status string) {
	if m == nil || !isValidStatus(status) {
		return
	}
	m.passRuns.WithLabelValues(status).Inc()
	if status == "successful" {
		m.lastSuccess.SetToCurrentTime()
	}
}

func (m *Metrics) SetPassDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncRecordAction(action, zone, recordType string) {
	if m == nil || !isValidAction(action) || !isValidRecordType(recordType) || zone == "" {
		return
	}
	m.recordActions.WithLabelValues(action, zone, recordType).Inc()
}

func (m *Metrics) IncRecordFailure(kind, zone, recordType string) {
	if m == nil || !isValidRecordType(recordType) || zone == "" {
		return
	}
	m.recordFailures.WithLabelValues(kind, zone, recordType).Inc()
}

func (m *Metrics) IncProviderRequest(operation string, success bool) {
	if m == nil || !isValidOperation(operation) {
		return
	}
	m.providerRequests.WithLabelValues(operation, boolToResult(success)).Inc()
}

func (m *Metrics) IncResolve(family string, success bool) {
	if m == nil {
		return
	}
	m.resolveRequests.WithLabelValues(family, boolToResult(success)).Inc()
}

// Validation helpers
func boolToResult(b bool) string {
	if b {
		return "success"
	}
	return "failure"
}

func isValidStatus(s string) bool {
	switch s {
	case "successful", "partial", "failed":
		return true
	}
	return false
}

func isValidAction(a string) bool {
	switch a {
	case "create", "update", "noop", "skip":
		return true
	}
	return false
}

func isValidOperation(op string) bool {
	switch op {
	case "verify", "zones", "list", "create", "update":
		return true
	}
	return false
}

func isValidRecordType(rt string) bool {
	switch rt {
	case "A", "AAAA":
		return true
	}
	return false
}

func New(register bool) *Metrics {
	registry := prometheus.NewRegistry()
	namespace := "cddns"

	m := &Metrics{
		registry: registry,

		passRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pass_runs_total",
			Help:      "Total number of reconciliation passes",
		}, []string{"status"}),

		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		recordActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_actions_total",
			Help:      "Planned actions per managed record",
		}, []string{"action", "zone", "type"}),

		recordFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_failures_total",
			Help:      "Failed record operations by error kind",
		}, []string{"kind", "zone", "type"}),

		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total DNS provider requests",
		}, []string{"operation", "status"}),

		resolveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_requests_total",
			Help:      "Total public address lookups",
		}, []string{"family", "status"}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_pass_timestamp_seconds",
			Help:      "Unix time of the last successful pass",
		}),
	}

	if register {
		registry.MustRegister(
			m.passRuns,
			m.passDuration,
			m.recordActions,
			m.recordFailures,
			m.providerRequests,
			m.resolveRequests,
			m.lastSuccess,
		)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
