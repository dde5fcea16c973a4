package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the quota engine.
type Metrics struct {
	admissionChecks *prometheus.CounterVec
	violations      *prometheus.CounterVec
	failOpens       *prometheus.CounterVec
	checkDuration   *prometheus.HistogramVec
	recorderDropped prometheus.Counter
	inFlight        prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		admissionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_admission_checks_total",
				Help: "Total number of admission checks performed",
			},
			[]string{"tier", "result"},
		),

		violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_limit_violations_total",
				Help: "Total number of quota violations by limit kind",
			},
			[]string{"tier", "limit_kind"},
		),

		failOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_fail_open_total",
				Help: "Total number of checks admitted because the counter store failed",
			},
			[]string{"reason"},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_check_duration_seconds",
				Help:    "Duration of admission checks in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~400ms
			},
			[]string{"operation"},
		),

		recorderDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_recorder_dropped_total",
				Help: "Total number of deferred side-effect writes dropped under queue pressure",
			},
		),

		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_in_flight_requests",
				Help: "Admitted requests currently holding an in-flight slot, as acquired through this instance",
			},
		),
	}
}

// RecordCheck records one admission check outcome.
func (m *Metrics) RecordCheck(tierName string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.admissionChecks.WithLabelValues(tierName, result).Inc()
}

// RecordViolation records one quota violation.
func (m *Metrics) RecordViolation(tierName, limitKind string) {
	m.violations.WithLabelValues(tierName, limitKind).Inc()
}

// RecordFailOpen records one fail-open admission. reason is
// "unavailable" or "corrupt".
func (m *Metrics) RecordFailOpen(reason string) {
	m.failOpens.WithLabelValues(reason).Inc()
}

// RecordCheckDuration records the duration of a check operation.
func (m *Metrics) RecordCheckDuration(operation string, seconds float64) {
	m.checkDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordDropped records one dropped deferred write.
func (m *Metrics) RecordDropped() {
	m.recorderDropped.Inc()
}

// IncInFlight records one acquired in-flight slot.
func (m *Metrics) IncInFlight() {
	m.inFlight.Inc()
}

// DecInFlight records one released in-flight slot.
func (m *Metrics) DecInFlight() {
	m.inFlight.Dec()
}
