package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// TaskStore handles task persistence
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a new task store
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts a new task
func (s *TaskStore) Create(ctx context.Context, task *models.Task) error {
	return s.create(ctx, s.db, task)
}

// CreateTx is Create inside a caller-owned transaction
func (s *TaskStore) CreateTx(ctx context.Context, tx *sql.Tx, task *models.Task) error {
	return s.create(ctx, tx, task)
}

func (s *TaskStore) create(ctx context.Context, q execer, task *models.Task) error {
	if !task.Kind.Valid() {
		return fmt.Errorf("invalid task kind: %q", task.Kind)
	}
	if !task.Status.Valid() {
		return fmt.Errorf("invalid task status: %q", task.Status)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tasks (
			id, account_id, kind, cost, status, admin_bypass,
			output_ref, metadata, duration_ms,
			created_at, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		task.ID, task.AccountID, string(task.Kind), task.Cost,
		string(task.Status), task.AdminBypass,
		nullString(task.OutputRef), nullString(task.Metadata), task.DurationMS,
		task.CreatedAt, nullTime(task.StartedAt), nullTime(task.EndedAt),
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

const taskColumns = `
	id, account_id, kind, cost, status, admin_bypass,
	output_ref, metadata, duration_ms,
	created_at, started_at, ended_at
`

// Get retrieves a task by ID
func (s *TaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	return s.get(ctx, s.db, id)
}

// GetTx is Get inside a caller-owned transaction
func (s *TaskStore) GetTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error) {
	return s.get(ctx, tx, id)
}

func (s *TaskStore) get(ctx context.Context, q execer, id string) (*models.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// StatusUpdate carries the timestamps that accompany a status transition
type StatusUpdate struct {
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMS int64
	OutputRef  string
}

// UpdateStatusIf atomically transitions a task from one of the expected
// prior statuses to the new status. Rows-affected of zero distinguishes
// wrong-state (ErrStaleStatus) from missing (ErrNotFound); this
// compare-and-transition is what makes refunds idempotent.
func (s *TaskStore) UpdateStatusIf(ctx context.Context, taskID string, from []models.TaskStatus, to models.TaskStatus, upd StatusUpdate) error {
	return s.updateStatusIf(ctx, s.db, taskID, from, to, upd)
}

// UpdateStatusIfTx is UpdateStatusIf inside a caller-owned transaction, so
// the transition and a paired ledger append commit or roll back together.
func (s *TaskStore) UpdateStatusIfTx(ctx context.Context, tx *sql.Tx, taskID string, from []models.TaskStatus, to models.TaskStatus, upd StatusUpdate) error {
	return s.updateStatusIf(ctx, tx, taskID, from, to, upd)
}

func (s *TaskStore) updateStatusIf(ctx context.Context, q execer, taskID string, from []models.TaskStatus, to models.TaskStatus, upd StatusUpdate) error {
	if !to.Valid() {
		return fmt.Errorf("invalid task status: %q", to)
	}
	if len(from) == 0 {
		return fmt.Errorf("no expected prior status given")
	}

	placeholders := make([]string, len(from))
	args := []interface{}{string(to)}

	query := `UPDATE tasks SET status = ?`
	if !upd.StartedAt.IsZero() {
		query += ", started_at = ?"
		args = append(args, upd.StartedAt)
	}
	if !upd.EndedAt.IsZero() {
		query += ", ended_at = ?"
		args = append(args, upd.EndedAt)
	}
	if upd.DurationMS > 0 {
		query += ", duration_ms = ?"
		args = append(args, upd.DurationMS)
	}
	if upd.OutputRef != "" {
		query += ", output_ref = ?"
		args = append(args, upd.OutputRef)
	}

	args = append(args, taskID)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query += fmt.Sprintf(" WHERE id = ? AND status IN (%s)", strings.Join(placeholders, ","))

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a missing task from a stale status
		if _, getErr := s.get(ctx, q, taskID); getErr != nil {
			return getErr
		}
		return ErrStaleStatus
	}

	return nil
}

// TaskFilter defines criteria for listing tasks
type TaskFilter struct {
	AccountID string
	Status    models.TaskStatus
	Kind      models.TaskKind
	Limit     int
	Offset    int
}

// List returns tasks matching the filter, newest first
func (s *TaskStore) List(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`

	var args []interface{}

	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// StatusCount holds the count of tasks in one status
type StatusCount struct {
	Status models.TaskStatus `json:"status"`
	Count  int               `json:"count"`
}

// CountByStatus returns task counts grouped by status
func (s *TaskStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		var status string
		if err := rows.Scan(&status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		c.Status = models.TaskStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var kind, status string
	var outputRef, metadata sql.NullString
	var durationMS sql.NullInt64
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.AccountID, &kind, &task.Cost, &status, &task.AdminBypass,
		&outputRef, &metadata, &durationMS,
		&task.CreatedAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Kind = models.TaskKind(kind)
	task.Status = models.TaskStatus(status)
	task.OutputRef = outputRef.String
	task.Metadata = metadata.String
	task.DurationMS = durationMS.Int64
	if startedAt.Valid {
		task.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		task.EndedAt = endedAt.Time
	}

	return task, nil
}

// nullTime converts a time to sql.NullTime
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
