package auditor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ranch-cloud/rcc-ledger/internal/metrics"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// DefaultSweepInterval is how often the auditor re-derives ledger totals
const DefaultSweepInterval = 5 * time.Minute

// LedgerReader defines the ledger queries the auditor needs
type LedgerReader interface {
	TotalsByReason(ctx context.Context) ([]storage.ReasonTotal, error)
	OutstandingCredits(ctx context.Context) (int64, error)
}

// TaskReader defines the task queries the auditor needs
type TaskReader interface {
	CountByStatus(ctx context.Context) ([]storage.StatusCount, error)
}

// Auditor periodically re-derives ledger-wide totals, refreshes the
// gauges and checks the invariants that must hold in a healthy ledger.
// A finding never blocks traffic; it surfaces through metrics and logs
// for a human to chase.
type Auditor struct {
	ledger LedgerReader
	tasks  TaskReader
	logger *slog.Logger

	sweepInterval time.Duration

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// Metrics
	metrics *Metrics
}

// Metrics tracks auditor statistics
type Metrics struct {
	mu            sync.RWMutex
	SweepsRun     int64
	FindingsTotal int64
	Errors        int64
}

// Snapshot returns a copy of the current counters
func (m *Metrics) Snapshot() (sweeps, findings, errs int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SweepsRun, m.FindingsTotal, m.Errors
}

// Option configures the auditor
type Option func(*Auditor)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) {
		a.logger = logger
	}
}

// WithSweepInterval sets how often the auditor runs
func WithSweepInterval(d time.Duration) Option {
	return func(a *Auditor) {
		a.sweepInterval = d
	}
}

// New creates a new auditor
func New(ledger LedgerReader, tasks TaskReader, opts ...Option) *Auditor {
	a := &Auditor{
		ledger:        ledger,
		tasks:         tasks,
		logger:        slog.Default(),
		sweepInterval: DefaultSweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		metrics:       &Metrics{},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Start begins the sweep loop
func (a *Auditor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.mu.Unlock()

	a.logger.Info("auditor starting",
		slog.Duration("sweep_interval", a.sweepInterval))

	go a.run(ctx)
	return nil
}

// Stop gracefully stops the auditor
func (a *Auditor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	stopCh := a.stopCh
	doneCh := a.doneCh
	a.mu.Unlock()

	a.logger.Info("auditor stopping")
	close(stopCh)
	<-doneCh

	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.logger.Info("auditor stopped")
}

// run is the main sweep loop
func (a *Auditor) run(ctx context.Context) {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	// One sweep right away so gauges are populated at startup
	a.RunSweep(ctx)

	for {
		select {
		case <-ticker.C:
			a.RunSweep(ctx)
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Finding describes one invariant violation
type Finding struct {
	Check  string
	Detail string
}

// RunSweep performs one full sweep: refresh gauges, check invariants.
// Exported so tests and the admin surface can trigger it on demand.
func (a *Auditor) RunSweep(ctx context.Context) []Finding {
	a.metrics.mu.Lock()
	a.metrics.SweepsRun++
	a.metrics.mu.Unlock()

	findings := a.checkLedger(ctx)
	a.refreshTaskGauges(ctx)

	metrics.AuditRuns.Inc()

	for _, f := range findings {
		metrics.RecordAuditFinding(f.Check)
		a.logger.Error("ledger invariant violated",
			slog.String("check", f.Check),
			slog.String("detail", f.Detail))
	}

	a.metrics.mu.Lock()
	a.metrics.FindingsTotal += int64(len(findings))
	a.metrics.mu.Unlock()

	return findings
}

func (a *Auditor) checkLedger(ctx context.Context) []Finding {
	totals, err := a.ledger.TotalsByReason(ctx)
	if err != nil {
		a.recordError("failed to sum ledger by reason", err)
		return nil
	}

	outstanding, err := a.ledger.OutstandingCredits(ctx)
	if err != nil {
		a.recordError("failed to sum outstanding credits", err)
		return nil
	}

	metrics.OutstandingCredits.Set(float64(outstanding))

	var findings []Finding
	byReason := make(map[models.Reason]storage.ReasonTotal)
	for _, t := range totals {
		byReason[t.Reason] = t
		metrics.LedgerTotalByReason.WithLabelValues(string(t.Reason)).Set(float64(t.Total))

		// Per-reason sign invariants: debits only ever debit, credits
		// only ever credit, bypass markers carry no value at all.
		switch t.Reason {
		case models.ReasonTaskReserve:
			if t.Total > 0 {
				findings = append(findings, Finding{
					Check:  "reserve_sign",
					Detail: "TASK_RESERVE entries sum to a credit",
				})
			}
		case models.ReasonTaskRelease:
			if t.Total < 0 {
				findings = append(findings, Finding{
					Check:  "release_sign",
					Detail: "TASK_RELEASE entries sum to a debit",
				})
			}
		case models.ReasonSubscriptionGrant, models.ReasonTopupGrant:
			if t.Total < 0 {
				findings = append(findings, Finding{
					Check:  "grant_sign",
					Detail: "grant entries sum to a debit",
				})
			}
		case models.ReasonAdminBypass:
			if t.Total != 0 {
				findings = append(findings, Finding{
					Check:  "bypass_nonzero",
					Detail: "ADMIN_BYPASS entries carry a non-zero delta",
				})
			}
		}
	}

	// Refunds can never exceed what was reserved
	reserved := -byReason[models.ReasonTaskReserve].Total
	released := byReason[models.ReasonTaskRelease].Total
	if released > reserved {
		findings = append(findings, Finding{
			Check:  "refund_excess",
			Detail: "refunded credits exceed reserved credits",
		})
	}

	return findings
}

func (a *Auditor) refreshTaskGauges(ctx context.Context) {
	counts, err := a.tasks.CountByStatus(ctx)
	if err != nil {
		a.recordError("failed to count tasks by status", err)
		return
	}

	// Reset all known statuses so emptied buckets drop back to zero
	for _, status := range []models.TaskStatus{
		models.TaskCreated, models.TaskRunning, models.TaskSucceeded, models.TaskFailed,
	} {
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(0)
	}
	for _, c := range counts {
		metrics.TasksByStatus.WithLabelValues(string(c.Status)).Set(float64(c.Count))
	}
}

func (a *Auditor) recordError(msg string, err error) {
	a.logger.Error(msg, slog.String("error", err.Error()))
	a.metrics.mu.Lock()
	a.metrics.Errors++
	a.metrics.mu.Unlock()
}

// GetMetrics returns the auditor's counters
func (a *Auditor) GetMetrics() *Metrics {
	return a.metrics
}
