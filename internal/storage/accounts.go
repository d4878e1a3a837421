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

// AccountStore handles account persistence
type AccountStore struct {
	db *DB
}

// NewAccountStore creates a new account store
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db}
}

// Create inserts a new account. Returns ErrAlreadyExists if the email is
// already registered.
func (s *AccountStore) Create(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (id, email, is_admin, api_key_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		account.ID, account.Email, account.IsAdmin, account.APIKeyHash, account.CreatedAt)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

// Get retrieves an account by ID
func (s *AccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.getBy(ctx, "id", id)
}

// GetByEmail retrieves an account by email
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.getBy(ctx, "email", email)
}

func (s *AccountStore) getBy(ctx context.Context, column, value string) (*models.Account, error) {
	query := fmt.Sprintf(`
		SELECT id, email, is_admin, api_key_hash, created_at
		FROM accounts WHERE %s = ?
	`, column)

	account := &models.Account{}
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&account.ID, &account.Email, &account.IsAdmin, &account.APIKeyHash, &account.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// List returns all accounts, oldest first
func (s *AccountStore) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	query := `
		SELECT id, email, is_admin, api_key_hash, created_at
		FROM accounts
		ORDER BY created_at ASC, id ASC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account := &models.Account{}
		if err := rows.Scan(&account.ID, &account.Email, &account.IsAdmin,
			&account.APIKeyHash, &account.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// SetAdmin flips the administrative flag on an account
func (s *AccountStore) SetAdmin(ctx context.Context, id string, isAdmin bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_admin = ? WHERE id = ?`, isAdmin, id)
	if err != nil {
		return fmt.Errorf("failed to set admin flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of registered accounts
func (s *AccountStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return count, nil
}
