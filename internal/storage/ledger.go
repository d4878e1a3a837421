package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// LedgerStore handles ledger entry persistence. The public contract is
// append and read only: entries are immutable facts and are never updated
// or deleted.
type LedgerStore struct {
	db *DB
}

// NewLedgerStore creates a new ledger store
func NewLedgerStore(db *DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// execer is satisfied by both *sql.Tx and the DB wrapper, so appends can
// join a caller-owned transaction or run standalone.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Append durably persists one entry. Returns ErrDuplicateRef if the entry
// carries an external_ref that is already present; the uniqueness check is
// the insert itself, not a prior read.
func (s *LedgerStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	return s.append(ctx, s.db, entry)
}

// AppendTx is Append inside a caller-owned transaction. The reservation
// engine uses this to commit a task row and its ledger entry as one unit.
func (s *LedgerStore) AppendTx(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	return s.append(ctx, tx, entry)
}

func (s *LedgerStore) append(ctx context.Context, q execer, entry *models.LedgerEntry) error {
	if !entry.Reason.Valid() {
		return fmt.Errorf("invalid ledger reason: %q", entry.Reason)
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO ledger_entries (id, account_id, delta, reason, task_id, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.Delta,
		string(entry.Reason),
		nullString(entry.TaskID),
		nullString(entry.ExternalRef),
		entry.CreatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") &&
			strings.Contains(err.Error(), "ledger_entries") {
			return ErrDuplicateRef
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

// BalanceOf returns the account's balance: the sum of all its entry deltas.
// An account with no entries has balance 0.
func (s *LedgerStore) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	return s.balanceOf(ctx, s.db, accountID)
}

// BalanceOfTx is BalanceOf inside a caller-owned transaction, so a
// sufficiency check and the subsequent append observe the same snapshot.
func (s *LedgerStore) BalanceOfTx(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	return s.balanceOf(ctx, tx, accountID)
}

func (s *LedgerStore) balanceOf(ctx context.Context, q execer, accountID string) (int64, error) {
	query := `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = ?`

	var balance int64
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

// ListForAccount returns the account's entries ordered by creation time
// ascending. Restartable via limit/offset; limit <= 0 means no limit.
func (s *LedgerStore) ListForAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, account_id, delta, reason, task_id, external_ref, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC
	`
	args := []interface{}{accountID}

	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// ListForTask returns the entries linked to a task, oldest first. A task has
// zero (admin bypass aside), one (reserve) or two (reserve + release).
func (s *LedgerStore) ListForTask(ctx context.Context, taskID string) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, account_id, delta, reason, task_id, external_ref, created_at
		FROM ledger_entries
		WHERE task_id = ?
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for task: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// ReasonTotal holds the summed delta for one reason code
type ReasonTotal struct {
	Reason models.Reason `json:"reason"`
	Total  int64         `json:"total"`
	Count  int64         `json:"count"`
}

// TotalsByReason returns per-reason delta sums across the whole ledger.
// Used by the auditor and the admin stats endpoint.
func (s *LedgerStore) TotalsByReason(ctx context.Context) ([]ReasonTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reason, COALESCE(SUM(delta), 0), COUNT(*)
		FROM ledger_entries
		GROUP BY reason
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger by reason: %w", err)
	}
	defer rows.Close()

	var totals []ReasonTotal
	for rows.Next() {
		var t ReasonTotal
		var reason string
		if err := rows.Scan(&reason, &t.Total, &t.Count); err != nil {
			return nil, fmt.Errorf("failed to scan reason total: %w", err)
		}
		t.Reason = models.Reason(reason)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// OutstandingCredits returns the sum of all deltas across all accounts:
// the total credit liability currently on the books.
func (s *LedgerStore) OutstandingCredits(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta), 0) FROM ledger_entries`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum outstanding credits: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	var taskID, externalRef sql.NullString
	var reason string

	err := row.Scan(&entry.ID, &entry.AccountID, &entry.Delta, &reason,
		&taskID, &externalRef, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	entry.Reason = models.Reason(reason)
	entry.TaskID = taskID.String
	entry.ExternalRef = externalRef.String
	return entry, nil
}

// nullString converts an empty string to NULL so the partial unique index
// on external_ref only ever sees real references.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
