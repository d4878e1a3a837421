package grants

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/ranch-cloud/rcc-ledger/internal/logging"
	"github.com/ranch-cloud/rcc-ledger/internal/metrics"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// Service turns payment events and admin adjustments into ledger grants.
// Payment providers deliver at-least-once, so the service is built to be
// replay-safe: applying the same event twice changes nothing.
type Service struct {
	db       *storage.DB
	ledger   *storage.LedgerStore
	payments *storage.PaymentStore
	accounts *storage.AccountStore
	logger   *slog.Logger

	now func() time.Time
}

// Option configures the grants service
type Option func(*Service)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Service) {
		s.now = fn
	}
}

// New creates a new grants service
func New(db *storage.DB, ledger *storage.LedgerStore, payments *storage.PaymentStore, accounts *storage.AccountStore, opts ...Option) *Service {
	s := &Service{
		db:       db,
		ledger:   ledger,
		payments: payments,
		accounts: accounts,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// GrantResult reports what a payment event did
type GrantResult struct {
	// Applied is false when the event was a replay of one already on the
	// books; the delivery is acknowledged but nothing changed.
	Applied bool
	Entry   *models.LedgerEntry
}

// ApplyPaymentEvent credits an account from a payment-provider event.
// The event ID becomes the ledger entry's external reference, and the
// ledger's unique index on that reference is the dedup gate: a replayed
// delivery collides on insert and the whole transaction rolls back,
// leaving the original grant untouched.
func (s *Service) ApplyPaymentEvent(ctx context.Context, event models.PaymentEvent) (*GrantResult, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	if _, err := s.accounts.Get(ctx, event.AccountID); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		AccountID:   event.AccountID,
		Delta:       event.Credits,
		Reason:      event.GrantType.Reason(),
		ExternalRef: event.EventID,
		CreatedAt:   s.now().UTC(),
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.ledger.AppendTx(ctx, tx, entry); err != nil {
			return err
		}

		return s.payments.RecordTx(ctx, tx, &models.Payment{
			AccountID:   event.AccountID,
			GrantType:   event.GrantType,
			Credits:     event.Credits,
			AmountCents: event.AmountCents,
			Currency:    event.Currency,
			ExternalRef: event.EventID,
			CreatedAt:   entry.CreatedAt,
		})
	})
	if errors.Is(err, storage.ErrDuplicateRef) {
		metrics.RecordWebhookDuplicate()
		s.logger.Info("duplicate payment event ignored",
			slog.String("event_id", event.EventID),
			slog.String("account_id", event.AccountID))
		return &GrantResult{Applied: false}, nil
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordGrant(string(event.GrantType), event.Credits)
	metrics.RecordLedgerEntry(string(entry.Reason))
	logging.Audit(ctx, "payment_grant",
		"event_id", event.EventID,
		"account_id", event.AccountID,
		"grant_type", string(event.GrantType),
		"credits", event.Credits)

	return &GrantResult{Applied: true, Entry: entry}, nil
}

// ApplyManualAdjustment writes an admin correction of either sign. Only
// administrators may do this; the adjustment carries no external
// reference and so never collides with payment dedup.
func (s *Service) ApplyManualAdjustment(ctx context.Context, actor *models.Account, accountID string, delta int64, note string) (*models.LedgerEntry, error) {
	if actor == nil || !actor.IsAdmin {
		return nil, ErrUnauthorized
	}
	if delta == 0 {
		return nil, &InvalidGrantError{Field: "delta", Reason: "must be non-zero"}
	}
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		AccountID: accountID,
		Delta:     delta,
		Reason:    models.ReasonManualAdjust,
		CreatedAt: s.now().UTC(),
	}
	if err := s.ledger.Append(ctx, entry); err != nil {
		return nil, err
	}

	metrics.RecordManualAdjustment(delta)
	metrics.RecordLedgerEntry(string(models.ReasonManualAdjust))
	logging.Audit(ctx, "manual_adjust",
		"actor_id", actor.ID,
		"account_id", accountID,
		"delta", delta,
		"note", note)

	return entry, nil
}

func validateEvent(event models.PaymentEvent) error {
	if event.EventID == "" {
		return &InvalidGrantError{Field: "event_id", Reason: "is required"}
	}
	if event.AccountID == "" {
		return &InvalidGrantError{Field: "account_id", Reason: "is required"}
	}
	if !event.GrantType.Valid() {
		return &InvalidGrantError{Field: "grant_type", Reason: "must be subscription or topup"}
	}
	if event.Credits <= 0 {
		return &InvalidGrantError{Field: "credits", Reason: "must be positive"}
	}
	return nil
}
