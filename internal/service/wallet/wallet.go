package wallet

import (
	"context"
	"log/slog"

	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// DefaultHistoryLimit caps history pages when the caller does not ask
// for a specific size
const DefaultHistoryLimit = 100

// Service answers balance and history queries. It is read-only: every
// answer is derived from the ledger, never from cached state.
type Service struct {
	ledger   *storage.LedgerStore
	payments *storage.PaymentStore
	logger   *slog.Logger
}

// Option configures the wallet service
type Option func(*Service)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a new wallet service
func New(ledger *storage.LedgerStore, payments *storage.PaymentStore, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		payments: payments,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// BalanceOf returns the account's current balance. Unknown accounts
// report zero, the sum of an empty ledger.
func (s *Service) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	return s.ledger.BalanceOf(ctx, accountID)
}

// HasSufficient reports whether the account can cover the given cost
func (s *Service) HasSufficient(ctx context.Context, accountID string, cost int64) (bool, error) {
	balance, err := s.ledger.BalanceOf(ctx, accountID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// History returns the account's ledger entries oldest first. A limit of
// zero or less applies DefaultHistoryLimit.
func (s *Service) History(ctx context.Context, accountID string, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return s.ledger.ListForAccount(ctx, accountID, limit, offset)
}

// Payments returns the account's payment audit records, newest first
func (s *Service) Payments(ctx context.Context, accountID string, limit int) ([]*models.Payment, error) {
	return s.payments.ListForAccount(ctx, accountID, limit)
}

// Summary aggregates ledger-wide stats for the admin surface
type Summary struct {
	OutstandingCredits int64                 `json:"outstanding_credits"`
	ByReason           []storage.ReasonTotal `json:"by_reason"`
}

// Summarize computes ledger-wide totals
func (s *Service) Summarize(ctx context.Context) (*Summary, error) {
	outstanding, err := s.ledger.OutstandingCredits(ctx)
	if err != nil {
		return nil, err
	}

	totals, err := s.ledger.TotalsByReason(ctx)
	if err != nil {
		return nil, err
	}

	return &Summary{
		OutstandingCredits: outstanding,
		ByReason:           totals,
	}, nil
}
