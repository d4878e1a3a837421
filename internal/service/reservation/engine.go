package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ranch-cloud/rcc-ledger/internal/logging"
	"github.com/ranch-cloud/rcc-ledger/internal/metrics"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// Engine reserves credits for tasks and settles them when tasks finish.
// All money movement is a ledger append; the engine never mutates a
// balance directly.
//
// The critical property is atomicity of check-then-reserve: the balance
// read, the task insert and the TASK_RESERVE append run in one database
// transaction, so two concurrent requests can never both spend the same
// credit.
type Engine struct {
	db     *storage.DB
	ledger *storage.LedgerStore
	tasks  *storage.TaskStore
	costs  models.CostTable
	logger *slog.Logger

	// For time mocking in tests
	now func() time.Time
}

// Option configures the reservation engine
type Option func(*Engine)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCostTable overrides the default task pricing
func WithCostTable(costs models.CostTable) Option {
	return func(e *Engine) {
		e.costs = costs
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(e *Engine) {
		e.now = fn
	}
}

// New creates a new reservation engine
func New(db *storage.DB, ledger *storage.LedgerStore, tasks *storage.TaskStore, opts ...Option) *Engine {
	e := &Engine{
		db:     db,
		ledger: ledger,
		tasks:  tasks,
		costs:  models.DefaultCostTable(),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreateRequest carries the inputs for a task creation
type CreateRequest struct {
	AccountID   string
	Kind        models.TaskKind
	Metadata    string
	AdminBypass bool
}

// CreateTask reserves credits and creates the task in one transaction.
// The caller never supplies a cost; pricing comes from the engine's cost
// table. Returns ErrInsufficientBalance when the account cannot cover the
// cost, in which case nothing is written.
//
// With AdminBypass set the task costs nothing: no debit happens and no
// balance check runs, but a zero-delta ADMIN_BYPASS entry still records
// that billing was skipped.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*models.Task, error) {
	cost, err := e.costs.CostOf(req.Kind)
	if err != nil {
		return nil, err
	}
	if req.AdminBypass {
		cost = 0
	}

	task := &models.Task{
		ID:          uuid.New().String(),
		AccountID:   req.AccountID,
		Kind:        req.Kind,
		Cost:        cost,
		Status:      models.TaskCreated,
		AdminBypass: req.AdminBypass,
		Metadata:    req.Metadata,
		CreatedAt:   e.now().UTC(),
	}

	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		if !req.AdminBypass {
			balance, err := e.ledger.BalanceOfTx(ctx, tx, req.AccountID)
			if err != nil {
				return err
			}
			if balance < cost {
				e.logger.Info("task rejected for insufficient balance",
					slog.String("account_id", req.AccountID),
					slog.String("kind", string(req.Kind)),
					slog.Int64("balance", balance),
					slog.Int64("cost", cost))
				return ErrInsufficientBalance
			}
		}

		if err := e.tasks.CreateTx(ctx, tx, task); err != nil {
			return err
		}

		entry := &models.LedgerEntry{
			AccountID: req.AccountID,
			Reason:    models.ReasonTaskReserve,
			Delta:     -cost,
			TaskID:    task.ID,
			CreatedAt: task.CreatedAt,
		}
		if req.AdminBypass {
			entry.Reason = models.ReasonAdminBypass
			entry.Delta = 0
		}
		return e.ledger.AppendTx(ctx, tx, entry)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			metrics.RecordInsufficientBalance(string(req.Kind))
		}
		return nil, err
	}

	if req.AdminBypass {
		metrics.RecordAdminBypass(string(req.Kind))
		logging.Audit(ctx, "task_create_bypass",
			"task_id", task.ID,
			"account_id", req.AccountID,
			"kind", string(req.Kind))
	} else {
		metrics.RecordReservation(string(req.Kind), cost)
		metrics.RecordLedgerEntry(string(models.ReasonTaskReserve))
		logging.Audit(ctx, "task_reserve",
			"task_id", task.ID,
			"account_id", req.AccountID,
			"kind", string(req.Kind),
			"cost", cost)
	}

	return task, nil
}

// MarkRunning transitions a task from created to running
func (e *Engine) MarkRunning(ctx context.Context, taskID string) (*models.Task, error) {
	err := e.tasks.UpdateStatusIf(ctx, taskID,
		[]models.TaskStatus{models.TaskCreated}, models.TaskRunning,
		storage.StatusUpdate{StartedAt: e.now().UTC()})
	if err != nil {
		return nil, e.transitionErr(ctx, taskID, models.TaskRunning, err)
	}

	return e.tasks.Get(ctx, taskID)
}

// Completion carries the optional result fields reported with a terminal
// status update
type Completion struct {
	OutputRef  string
	DurationMS int64
}

// MarkSucceeded transitions a running task to succeeded. The reserved
// credits stay spent; no ledger entry is written.
func (e *Engine) MarkSucceeded(ctx context.Context, taskID string, result Completion) (*models.Task, error) {
	err := e.tasks.UpdateStatusIf(ctx, taskID,
		[]models.TaskStatus{models.TaskRunning}, models.TaskSucceeded,
		storage.StatusUpdate{
			EndedAt:    e.now().UTC(),
			DurationMS: result.DurationMS,
			OutputRef:  result.OutputRef,
		})
	if err != nil {
		return nil, e.transitionErr(ctx, taskID, models.TaskSucceeded, err)
	}

	logging.Audit(ctx, "task_succeeded", "task_id", taskID)
	return e.tasks.Get(ctx, taskID)
}

// MarkFailed transitions a task to failed and refunds its full cost. The
// transition and the TASK_RELEASE append commit together, and the
// compare-and-transition guarantees at most one refund per task no matter
// how many times failure is reported.
func (e *Engine) MarkFailed(ctx context.Context, taskID string, result Completion) (*models.Task, error) {
	var refunded *models.LedgerEntry

	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		task, err := e.tasks.GetTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		err = e.tasks.UpdateStatusIfTx(ctx, tx, taskID,
			[]models.TaskStatus{models.TaskCreated, models.TaskRunning}, models.TaskFailed,
			storage.StatusUpdate{
				EndedAt:    e.now().UTC(),
				DurationMS: result.DurationMS,
				OutputRef:  result.OutputRef,
			})
		if err != nil {
			return err
		}

		// Refund everything that was reserved. Bypass tasks reserved
		// nothing, so there is nothing to give back.
		if task.Cost > 0 {
			refunded = &models.LedgerEntry{
				AccountID: task.AccountID,
				Reason:    models.ReasonTaskRelease,
				Delta:     task.Cost,
				TaskID:    task.ID,
				CreatedAt: e.now().UTC(),
			}
			if err := e.ledger.AppendTx(ctx, tx, refunded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, e.transitionErr(ctx, taskID, models.TaskFailed, err)
	}

	task, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if refunded != nil {
		metrics.RecordRefund(string(task.Kind), task.Cost)
		metrics.RecordLedgerEntry(string(models.ReasonTaskRelease))
	}
	logging.Audit(ctx, "task_failed",
		"task_id", taskID,
		"account_id", task.AccountID,
		"refunded", task.Cost)

	return task, nil
}

// Transition applies a reported status update, dispatching to the
// matching operation. Used by the status endpoint.
func (e *Engine) Transition(ctx context.Context, taskID string, to models.TaskStatus, result Completion) (*models.Task, error) {
	switch to {
	case models.TaskRunning:
		return e.MarkRunning(ctx, taskID)
	case models.TaskSucceeded:
		return e.MarkSucceeded(ctx, taskID, result)
	case models.TaskFailed:
		return e.MarkFailed(ctx, taskID, result)
	}
	return nil, fmt.Errorf("unsupported target status: %q", to)
}

// GetTask retrieves a task by ID
func (e *Engine) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return e.tasks.Get(ctx, taskID)
}

// ListTasks returns tasks matching the filter
func (e *Engine) ListTasks(ctx context.Context, filter storage.TaskFilter) ([]*models.Task, error) {
	return e.tasks.List(ctx, filter)
}

// CountByStatus returns task counts grouped by status
func (e *Engine) CountByStatus(ctx context.Context) ([]storage.StatusCount, error) {
	return e.tasks.CountByStatus(ctx)
}

// EntriesForTask returns the ledger entries a task produced
func (e *Engine) EntriesForTask(ctx context.Context, taskID string) ([]*models.LedgerEntry, error) {
	return e.ledger.ListForTask(ctx, taskID)
}

// Costs returns the engine's pricing table
func (e *Engine) Costs() models.CostTable {
	return e.costs
}

// transitionErr converts a stale-status failure into an
// InvalidTransitionError carrying the task's actual current status
func (e *Engine) transitionErr(ctx context.Context, taskID string, to models.TaskStatus, err error) error {
	if !errors.Is(err, storage.ErrStaleStatus) {
		return err
	}

	task, getErr := e.tasks.Get(ctx, taskID)
	if getErr != nil {
		return getErr
	}
	return &InvalidTransitionError{TaskID: taskID, From: task.Status, To: to}
}
