package metrics

import (
	"time"

	"proctord/internal/policy"
)

// ProctorMetrics holds the exam engine metrics.
type ProctorMetrics struct {
	AttemptsStarted    *Counter
	AttemptsSubmitted  *Counter
	AttemptsTerminated *Counter
	AttemptsAborted    *Counter
	CandidatesDropped  *Counter
	ReportsFailed      *Counter

	ActiveAttempts *Gauge

	ReportDuration *Histogram

	violations map[policy.Kind]*Counter
}

// NewProctorMetrics creates and registers the engine metrics.
func NewProctorMetrics(registry *Registry) *ProctorMetrics {
	m := &ProctorMetrics{
		AttemptsStarted: registry.RegisterCounter(
			"attempts_started_total",
			"Total number of exam attempts started",
			nil,
		),
		AttemptsSubmitted: registry.RegisterCounter(
			"attempts_submitted_total",
			"Total number of exam attempts submitted",
			nil,
		),
		AttemptsTerminated: registry.RegisterCounter(
			"attempts_terminated_total",
			"Total number of exam attempts terminated for violations",
			nil,
		),
		AttemptsAborted: registry.RegisterCounter(
			"attempts_aborted_total",
			"Total number of exam starts aborted by camera denial",
			nil,
		),
		CandidatesDropped: registry.RegisterCounter(
			"candidates_dropped_total",
			"Violation candidates discarded by the debounce gate",
			nil,
		),
		ReportsFailed: registry.RegisterCounter(
			"reports_failed_total",
			"Outbound backend reports that failed",
			nil,
		),
		ActiveAttempts: registry.RegisterGauge(
			"active_attempts",
			"Number of attempts currently in progress",
			nil,
		),
		ReportDuration: registry.RegisterHistogram(
			"report_duration_seconds",
			"Round-trip time of outbound backend reports",
			nil,
			DurationBuckets,
		),
		violations: make(map[policy.Kind]*Counter, len(policy.Kinds)),
	}

	for _, k := range policy.Kinds {
		m.violations[k] = registry.RegisterCounter(
			"violations_total",
			"Accepted integrity violations by kind",
			Labels{"kind": k.String()},
		)
	}

	return m
}

// Violation counts one accepted violation.
func (m *ProctorMetrics) Violation(kind policy.Kind) {
	if m == nil {
		return
	}
	if c, ok := m.violations[kind]; ok {
		c.Inc()
	}
}

// Violations returns the accepted count for kind.
func (m *ProctorMetrics) Violations(kind policy.Kind) uint64 {
	if m == nil {
		return 0
	}
	if c, ok := m.violations[kind]; ok {
		return c.Value()
	}
	return 0
}

// ObserveReport records the duration of one outbound report.
func (m *ProctorMetrics) ObserveReport(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ReportDuration.ObserveDuration(d)
	if err != nil {
		m.ReportsFailed.Inc()
	}
}

// BackendMetrics holds metrics for the reference receiving backend.
type BackendMetrics struct {
	RequestsTotal   *Counter
	RejectedTotal   *Counter
	RateLimited     *Counter
	RequestDuration *Histogram
	StoredEvents    *Gauge
}

// NewBackendMetrics creates and registers backend metrics.
func NewBackendMetrics(registry *Registry) *BackendMetrics {
	return &BackendMetrics{
		RequestsTotal: registry.RegisterCounter(
			"backend_requests_total",
			"Requests received by the backend",
			nil,
		),
		RejectedTotal: registry.RegisterCounter(
			"backend_rejected_total",
			"Requests rejected as malformed",
			nil,
		),
		RateLimited: registry.RegisterCounter(
			"backend_rate_limited_total",
			"Requests rejected by the rate limiter",
			nil,
		),
		RequestDuration: registry.RegisterHistogram(
			"backend_request_duration_seconds",
			"Backend request handling time",
			nil,
			DurationBuckets,
		),
		StoredEvents: registry.RegisterGauge(
			"backend_stored_events",
			"Rows written by the backend since start",
			nil,
		),
	}
}
