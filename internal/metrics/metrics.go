package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for API server
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets, // Default: .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger and billing metrics. These are the safety-critical ones: an
// unexpected jump in rejections or duplicates is the first sign of a
// billing incident.
var (
	// LedgerEntriesTotal counts ledger appends by reason code
	LedgerEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_ledger_entries_total",
			Help: "Total number of ledger entries appended by reason code",
		},
		[]string{"reason"},
	)

	// CreditsGranted counts credits added to the ledger by grant type
	CreditsGranted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_credits_granted_total",
			Help: "Total credits granted by grant type (subscription, topup, manual)",
		},
		[]string{"grant_type"},
	)

	// CreditsConsumed counts credits debited for task reservations
	CreditsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_credits_consumed_total",
			Help: "Total credits debited for task reservations by task kind",
		},
		[]string{"kind"},
	)

	// CreditsRefunded counts credits returned for failed tasks
	CreditsRefunded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_credits_refunded_total",
			Help: "Total credits refunded for failed tasks by task kind",
		},
		[]string{"kind"},
	)

	// InsufficientBalanceRejections counts task creations refused for lack of credits
	InsufficientBalanceRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_insufficient_balance_rejections_total",
			Help: "Total task creations rejected for insufficient balance by task kind",
		},
		[]string{"kind"},
	)

	// WebhookDuplicates counts payment events discarded as replays
	WebhookDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rcc_webhook_duplicates_total",
			Help: "Total payment webhook deliveries discarded as duplicates",
		},
	)

	// WebhookRejections counts malformed or unauthorized payment events
	WebhookRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_webhook_rejections_total",
			Help: "Total payment webhook deliveries rejected by reason",
		},
		[]string{"reason"},
	)

	// TasksCreated counts task creations by kind
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_tasks_created_total",
			Help: "Total tasks created by kind",
		},
		[]string{"kind"},
	)

	// TasksByStatus tracks the current number of tasks in each status
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcc_tasks_by_status",
			Help: "Current number of tasks in each status",
		},
		[]string{"status"},
	)

	// AdminBypassTasks counts zero-cost tasks created under the admin bypass
	AdminBypassTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_admin_bypass_tasks_total",
			Help: "Total tasks created with the administrative billing bypass by kind",
		},
		[]string{"kind"},
	)

	// ManualAdjustments counts admin manual credit adjustments
	ManualAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_manual_adjustments_total",
			Help: "Total manual credit adjustments by direction (credit, debit)",
		},
		[]string{"direction"},
	)

	// OutstandingCredits tracks the total unspent credit liability on the books
	OutstandingCredits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rcc_outstanding_credits",
			Help: "Sum of all ledger deltas across all accounts (current credit liability)",
		},
	)

	// LedgerTotalByReason tracks the summed delta per reason code
	LedgerTotalByReason = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rcc_ledger_total_by_reason",
			Help: "Summed ledger delta per reason code",
		},
		[]string{"reason"},
	)

	// AuditFindings counts invariant violations detected by the auditor
	AuditFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rcc_audit_findings_total",
			Help: "Invariant violations detected by the background auditor by check",
		},
		[]string{"check"},
	)

	// AuditRuns counts completed auditor sweeps
	AuditRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rcc_audit_runs_total",
			Help: "Total completed auditor sweeps",
		},
	)
)

// Helper functions for common metric operations

// RecordLedgerEntry increments the per-reason ledger entry counter
func RecordLedgerEntry(reason string) {
	LedgerEntriesTotal.WithLabelValues(reason).Inc()
}

// RecordGrant counts a payment-derived or manual credit grant
func RecordGrant(grantType string, credits int64) {
	CreditsGranted.WithLabelValues(grantType).Add(float64(credits))
}

// RecordReservation counts a successful task reservation debit
func RecordReservation(kind string, cost int64) {
	TasksCreated.WithLabelValues(kind).Inc()
	CreditsConsumed.WithLabelValues(kind).Add(float64(cost))
}

// RecordRefund counts a failed-task refund
func RecordRefund(kind string, cost int64) {
	CreditsRefunded.WithLabelValues(kind).Add(float64(cost))
}

// RecordInsufficientBalance counts a rejected task creation
func RecordInsufficientBalance(kind string) {
	InsufficientBalanceRejections.WithLabelValues(kind).Inc()
}

// RecordWebhookDuplicate counts a discarded replay delivery
func RecordWebhookDuplicate() {
	WebhookDuplicates.Inc()
}

// RecordWebhookRejection counts a rejected webhook delivery
func RecordWebhookRejection(reason string) {
	WebhookRejections.WithLabelValues(reason).Inc()
}

// RecordAdminBypass counts a zero-cost bypass task
func RecordAdminBypass(kind string) {
	AdminBypassTasks.WithLabelValues(kind).Inc()
}

// RecordManualAdjustment counts an admin adjustment by sign
func RecordManualAdjustment(delta int64) {
	direction := "credit"
	if delta < 0 {
		direction = "debit"
	}
	ManualAdjustments.WithLabelValues(direction).Inc()
}

// RecordAuditFinding counts one invariant violation
func RecordAuditFinding(check string) {
	AuditFindings.WithLabelValues(check).Inc()
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
