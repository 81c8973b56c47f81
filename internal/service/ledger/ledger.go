package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dkurilenko/ledgershop/internal/domain/models"
	"github.com/dkurilenko/ledgershop/internal/storage"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Storage is the ledger's view of the account and transaction stores. Credit
// and ConditionalDebit must apply the balance change and the paired
// transaction append atomically; ConditionalDebit must refuse the debit when
// the current balance does not cover it.
type Storage interface {
	Credit(ctx context.Context, userID int, amount int) error
	ConditionalDebit(ctx context.Context, userID int, amount int) error
	GetBalance(ctx context.Context, userID int) (int, error)
	ListTransactions(ctx context.Context, userID int) ([]models.Transaction, error)
}

type Service struct {
	storage Storage
	logger  *slog.Logger
}

func New(storage Storage, logger *slog.Logger) *Service {
	return &Service{storage: storage, logger: logger}
}

// TopUp credits amount to the user's balance and records a credit
// transaction. Non-positive amounts are rejected.
func (s *Service) TopUp(ctx context.Context, userID int, amount int) error {
	const op = "service.ledger.TopUp"

	if amount <= 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidAmount)
	}

	if err := s.storage.Credit(ctx, userID, amount); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("Top-up applied",
		slog.Int("user_id", userID),
		slog.Int("amount", amount),
	)

	return nil
}

// Purchase debits quantity*price from the user's balance and records a debit
// transaction. The debit is conditional: when the balance does not cover the
// total cost it fails with ErrInsufficientFunds and nothing is mutated.
func (s *Service) Purchase(ctx context.Context, userID int, quantity, price int) error {
	const op = "service.ledger.Purchase"

	if quantity <= 0 || price <= 0 {
		return fmt.Errorf("%s: %w", op, ErrInvalidAmount)
	}

	totalCost := quantity * price

	if err := s.storage.ConditionalDebit(ctx, userID, totalCost); err != nil {
		if errors.Is(err, storage.ErrInsufficientFunds) {
			return fmt.Errorf("%s: %w", op, ErrInsufficientFunds)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Info("Purchase applied",
		slog.Int("user_id", userID),
		slog.Int("total_cost", totalCost),
	)

	return nil
}

// GetLedger returns the current balance together with the user's
// transactions, newest first.
func (s *Service) GetLedger(ctx context.Context, userID int) (int, []models.Transaction, error) {
	const op = "service.ledger.GetLedger"

	balance, err := s.storage.GetBalance(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	transactions, err := s.storage.ListTransactions(ctx, userID)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", op, err)
	}

	return balance, transactions, nil
}
