package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// PaymentStore persists the payment audit trail. Rows mirror the grants
// written to the ledger; they are never read to compute balance.
type PaymentStore struct {
	db *DB
}

// NewPaymentStore creates a new payment store
func NewPaymentStore(db *DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// RecordTx inserts a payment audit row inside the caller's transaction.
// Duplicate external refs are silently ignored: the ledger's unique index
// is the authoritative dedup gate and has already fired by this point if
// the event was a replay.
func (s *PaymentStore) RecordTx(ctx context.Context, tx *sql.Tx, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	if payment.Currency == "" {
		payment.Currency = "usd"
	}

	query := `
		INSERT OR IGNORE INTO payments
			(id, account_id, grant_type, credits, amount_cents, currency, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := tx.ExecContext(ctx, query,
		payment.ID, payment.AccountID, string(payment.GrantType),
		payment.Credits, payment.AmountCents, payment.Currency,
		payment.ExternalRef, payment.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// ListForAccount returns an account's payments, newest first
func (s *PaymentStore) ListForAccount(ctx context.Context, accountID string, limit int) ([]*models.Payment, error) {
	query := `
		SELECT id, account_id, grant_type, credits, amount_cents, currency, external_ref, created_at
		FROM payments
		WHERE account_id = ?
		ORDER BY created_at DESC
	`
	args := []interface{}{accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p := &models.Payment{}
		var grantType string
		if err := rows.Scan(&p.ID, &p.AccountID, &grantType, &p.Credits,
			&p.AmountCents, &p.Currency, &p.ExternalRef, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		p.GrantType = models.GrantKind(grantType)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
