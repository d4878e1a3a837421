package accounts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ranch-cloud/rcc-ledger/internal/logging"
	"github.com/ranch-cloud/rcc-ledger/internal/storage"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// ErrInvalidCredentials is returned when an API key does not match
var ErrInvalidCredentials = errors.New("invalid API key")

// ErrInvalidEmail is returned when a registration email fails validation
var ErrInvalidEmail = errors.New("invalid email address")

const keyPrefix = "rcc_"

// Service manages account registration and API key authentication. Keys
// are random secrets handed out exactly once at registration; only the
// bcrypt hash is stored.
type Service struct {
	accounts *storage.AccountStore
	logger   *slog.Logger
}

// Option configures the accounts service
type Option func(*Service)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a new accounts service
func New(accounts *storage.AccountStore, opts ...Option) *Service {
	s := &Service{
		accounts: accounts,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Registration is the result of creating an account. APIKey is the only
// copy of the plaintext key that will ever exist.
type Registration struct {
	Account *models.Account
	APIKey  string
}

// Register creates an account and issues its API key. Returns
// storage.ErrAlreadyExists if the email is taken.
func (s *Service) Register(ctx context.Context, email string, isAdmin bool) (*Registration, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}

	account := &models.Account{
		Email:      email,
		IsAdmin:    isAdmin,
		APIKeyHash: string(hash),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	logging.Audit(ctx, "account_registered",
		"account_id", account.ID,
		"email", email,
		"is_admin", isAdmin)

	return &Registration{Account: account, APIKey: key}, nil
}

// Authenticate verifies an account's API key. Bcrypt comparison runs even
// for well-formed keys against the stored hash, so timing does not leak
// whether the account exists beyond the initial lookup.
func (s *Service) Authenticate(ctx context.Context, accountID, key string) (*models.Account, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if account.APIKeyHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.APIKeyHash), []byte(key)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return account, nil
}

// Get retrieves an account by ID
func (s *Service) Get(ctx context.Context, id string) (*models.Account, error) {
	return s.accounts.Get(ctx, id)
}

// List returns registered accounts
func (s *Service) List(ctx context.Context, limit, offset int) ([]*models.Account, error) {
	return s.accounts.List(ctx, limit, offset)
}

// Count returns the number of registered accounts
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.accounts.Count(ctx)
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}
