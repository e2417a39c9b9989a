// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionDecisionsTotal *prometheus.CounterVec
	auditJobsTotal          *prometheus.CounterVec
	activeAuditWorkers      prometheus.Gauge
	queuedAudits            prometheus.Gauge
	auditDurationSeconds    prometheus.Histogram
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	usageRecordFailures     prometheus.Counter
	sessionsEvictedTotal    prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; observation helpers are no-ops until it runs.
func Init() {
	once.Do(func() {
		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_admission_decisions_total",
				Help: "Admission outcomes, labeled by tier and result (allowed/denied).",
			},
			[]string{"tier", "result"},
		)

		auditJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_jobs_total",
				Help: "Audit jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		activeAuditWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_workers",
				Help: "Number of audits currently executing.",
			},
		)

		queuedAudits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_queued_jobs",
				Help: "Admitted audits waiting for an executor slot.",
			},
		)

		auditDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "audit_duration_seconds",
				Help:    "Histogram of analyzer run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		usageRecordFailures = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_usage_record_failures_total",
				Help: "Ledger writes that failed and were swallowed.",
			},
		)

		sessionsEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_sessions_evicted_total",
				Help: "Sessions removed by the retention policy.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission counts one admission decision.
func ObserveAdmission(tierName string, allowed bool) {
	if admissionDecisionsTotal == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	admissionDecisionsTotal.WithLabelValues(tierName, result).Inc()
}

// ObserveJob counts one terminal audit job.
func ObserveJob(status string) {
	if auditJobsTotal == nil {
		return
	}
	auditJobsTotal.WithLabelValues(status).Inc()
}

// ObserveAuditDuration records how long one analyzer run took.
func ObserveAuditDuration(d time.Duration) {
	if auditDurationSeconds == nil {
		return
	}
	auditDurationSeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeAuditWorkers != nil {
		activeAuditWorkers.Inc()
	}
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeAuditWorkers != nil {
		activeAuditWorkers.Dec()
	}
}

// IncQueued increments the queued audits gauge.
func IncQueued() {
	if queuedAudits != nil {
		queuedAudits.Inc()
	}
}

// DecQueued decrements the queued audits gauge.
func DecQueued() {
	if queuedAudits != nil {
		queuedAudits.Dec()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUsageRecordFailure counts one swallowed ledger write failure.
func ObserveUsageRecordFailure() {
	if usageRecordFailures != nil {
		usageRecordFailures.Inc()
	}
}

// ObserveSessionEvicted counts one evicted session.
func ObserveSessionEvicted() {
	if sessionsEvictedTotal != nil {
		sessionsEvictedTotal.Inc()
	}
}
