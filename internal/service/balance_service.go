package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultHistoryLimit = 50

// BalanceService owns every balance mutation. Each mutation is one ledger row
// written together with the cached balance.
type BalanceService struct {
	store  *store.Store
	limits money.Limits
	logger *zap.Logger
}

// NewBalanceService creates a new balance service
func NewBalanceService(store *store.Store, limits money.Limits) *BalanceService {
	return &BalanceService{
		store:  store,
		limits: limits,
		logger: util.GetLogger(),
	}
}

// LedgerReport compares the cached balance with the ledger sum
type LedgerReport struct {
	UserID     int64 `json:"user_id"`
	Balance    int64 `json:"balance"`
	LedgerSum  int64 `json:"ledger_sum"`
	Consistent bool  `json:"consistent"`
}

// ParseAmount turns a major-unit string into clamped minor units
func (s *BalanceService) ParseAmount(raw string) (int64, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", raw, ErrInvalidRequest)
	}
	return s.limits.ClampDecimal(d), nil
}

// Withdraw debits amount. The debit only happens while the balance covers it.
func (s *BalanceService) Withdraw(ctx context.Context, userID, amount int64, reason string, orderID *int64) (*models.BalanceTransaction, error) {
	return s.mutate(ctx, models.TxKindPurchase, userID, -s.limits.Clamp(amount), reason, orderID)
}

// Deposit credits money paid in from outside
func (s *BalanceService) Deposit(ctx context.Context, userID, amount int64, reason string) (*models.BalanceTransaction, error) {
	return s.mutate(ctx, models.TxKindDeposit, userID, s.limits.Clamp(amount), reason, nil)
}

// Refund credits money back for an order
func (s *BalanceService) Refund(ctx context.Context, userID, amount int64, reason string, orderID *int64) (*models.BalanceTransaction, error) {
	return s.mutate(ctx, models.TxKindRefund, userID, s.limits.Clamp(amount), reason, orderID)
}

// Bonus credits a gift from an administrator
func (s *BalanceService) Bonus(ctx context.Context, actor Actor, userID, amount int64, reason string) (*models.BalanceTransaction, error) {
	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, models.TxKindBonus, userID, s.limits.Clamp(amount), reason, nil)
}

// Adjust applies a signed administrative correction. Negative deltas cannot
// push the balance below zero.
func (s *BalanceService) Adjust(ctx context.Context, actor Actor, userID, delta int64, reason string) (*models.BalanceTransaction, error) {
	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}
	amount := s.limits.Clamp(delta)
	if delta < 0 {
		amount = -s.limits.Clamp(-delta)
	}
	return s.mutate(ctx, models.TxKindAdjustment, userID, amount, reason, nil)
}

// SetAbsolute overrides the balance and records the difference as an adjustment
func (s *BalanceService) SetAbsolute(ctx context.Context, actor Actor, userID, newAmount int64, reason string) (*models.BalanceTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BalanceService.SetAbsolute")
	defer span.End()

	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}

	row, err := s.store.SetBalance(ctx, userID, s.limits.Clamp(newAmount), models.TxKindAdjustment, reason)
	if err != nil {
		util.RecordError(span, err)
		util.LedgerMutationsTotal.WithLabelValues(models.TxKindAdjustment, "error").Inc()
		return nil, fmt.Errorf("failed to set balance of user %d: %w", userID, err)
	}

	util.LedgerMutationsTotal.WithLabelValues(models.TxKindAdjustment, "ok").Inc()
	s.logger.Info("Balance set",
		zap.Int64("user_id", userID),
		zap.Int64("balance", row.BalanceAfter),
		zap.Int64("delta", row.Amount),
		zap.Int64("admin_id", actor.UserID))
	return row, nil
}

func (s *BalanceService) mutate(ctx context.Context, kind string, userID, amount int64, reason string, orderID *int64) (*models.BalanceTransaction, error) {
	ctx, span := util.StartSpan(ctx, "BalanceService."+kind)
	defer span.End()

	if amount == 0 {
		return nil, fmt.Errorf("zero %s amount: %w", kind, ErrInvalidRequest)
	}

	row, err := s.store.ApplyBalanceDelta(ctx, store.LedgerEntry{
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		OrderID:     orderID,
		Description: reason,
	})
	if errors.Is(err, store.ErrInsufficientBalance) {
		util.LedgerMutationsTotal.WithLabelValues(kind, "insufficient").Inc()
		return nil, fmt.Errorf("user %d cannot cover %s: %w", userID, money.Format(-amount), ErrInsufficientFunds)
	}
	if err != nil {
		util.RecordError(span, err)
		util.LedgerMutationsTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("failed to apply %s for user %d: %w", kind, userID, err)
	}

	util.LedgerMutationsTotal.WithLabelValues(kind, "ok").Inc()
	s.logger.Debug("Balance changed",
		zap.Int64("user_id", userID),
		zap.String("kind", kind),
		zap.Int64("amount", amount),
		zap.Int64("balance", row.BalanceAfter))
	return row, nil
}

// Balance returns the current balance, creating the user on first sight
func (s *BalanceService) Balance(ctx context.Context, userID int64) (int64, error) {
	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return 0, err
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return user.Balance, nil
}

// History returns the newest ledger rows first
func (s *BalanceService) History(ctx context.Context, userID int64, limit int) ([]models.BalanceTransaction, error) {
	if limit <= 0 || limit > 500 {
		limit = defaultHistoryLimit
	}
	rows, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return rows, nil
}

// VerifyLedger checks that the cached balance equals the sum of the ledger
func (s *BalanceService) VerifyLedger(ctx context.Context, actor Actor, userID int64) (*LedgerReport, error) {
	ctx, span := util.StartSpan(ctx, "BalanceService.VerifyLedger")
	defer span.End()

	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	sum, err := s.store.SumTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger: %w", err)
	}

	report := &LedgerReport{
		UserID:     userID,
		Balance:    user.Balance,
		LedgerSum:  sum,
		Consistent: user.Balance == sum,
	}
	if !report.Consistent {
		s.logger.Error("Ledger mismatch",
			zap.Int64("user_id", userID),
			zap.Int64("balance", user.Balance),
			zap.Int64("ledger_sum", sum))
	}
	return report, nil
}
