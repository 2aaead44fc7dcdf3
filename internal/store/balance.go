package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

// LedgerEntry describes one balance mutation. Amount is signed.
type LedgerEntry struct {
	UserID      int64
	Amount      int64
	Kind        string
	OrderID     *int64
	LeaseID     *int64
	Description string
}

// EnsureUser creates the user with a zero balance if it does not exist yet
func (s *Store) EnsureUser(ctx context.Context, userID int64) error {
	now := s.now()
	_, err := s.exec(ctx,
		`INSERT INTO users (id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	err := s.get(ctx, &user, "SELECT * FROM users WHERE id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ApplyBalanceDelta changes the cached balance and appends the matching ledger
// row in one transaction. Debits only match while balance >= amount, so two
// concurrent debits can never both spend the same funds.
func (s *Store) ApplyBalanceDelta(ctx context.Context, entry LedgerEntry) (*models.BalanceTransaction, error) {
	var row *models.BalanceTransaction

	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.EnsureUser(ctx, entry.UserID); err != nil {
			return err
		}

		now := tx.now()
		var balance int64
		var err error
		if entry.Amount < 0 {
			err = tx.get(ctx, &balance,
				`UPDATE users SET balance = balance + ?, updated_at = ?
				WHERE id = ? AND balance >= ?
				RETURNING balance`,
				entry.Amount, now, entry.UserID, -entry.Amount)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInsufficientBalance
			}
		} else {
			err = tx.get(ctx, &balance,
				`UPDATE users SET balance = balance + ?, updated_at = ?
				WHERE id = ?
				RETURNING balance`,
				entry.Amount, now, entry.UserID)
		}
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		row, err = tx.insertTransaction(ctx, entry, balance, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// SetBalance overrides the balance and records the difference as one ledger row
func (s *Store) SetBalance(ctx context.Context, userID, newBalance int64, kind, description string) (*models.BalanceTransaction, error) {
	var row *models.BalanceTransaction

	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.EnsureUser(ctx, userID); err != nil {
			return err
		}

		var current int64
		if err := tx.get(ctx, &current, "SELECT balance FROM users WHERE id = ?"+tx.lockClause(), userID); err != nil {
			return fmt.Errorf("failed to lock balance: %w", err)
		}

		now := tx.now()
		if _, err := tx.exec(ctx,
			"UPDATE users SET balance = ?, updated_at = ? WHERE id = ?",
			newBalance, now, userID); err != nil {
			return fmt.Errorf("failed to set balance: %w", err)
		}

		var err error
		row, err = tx.insertTransaction(ctx, LedgerEntry{
			UserID:      userID,
			Amount:      newBalance - current,
			Kind:        kind,
			Description: description,
		}, newBalance, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) insertTransaction(ctx context.Context, entry LedgerEntry, balanceAfter int64, now time.Time) (*models.BalanceTransaction, error) {
	row := &models.BalanceTransaction{
		UserID:       entry.UserID,
		Amount:       entry.Amount,
		BalanceAfter: balanceAfter,
		Kind:         entry.Kind,
		OrderID:      entry.OrderID,
		LeaseID:      entry.LeaseID,
		Description:  entry.Description,
		CreatedAt:    now,
	}

	err := s.get(ctx, &row.ID,
		`INSERT INTO balance_transactions (user_id, amount, balance_after, kind, order_id, lease_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		row.UserID, row.Amount, row.BalanceAfter, row.Kind, row.OrderID, row.LeaseID, row.Description, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert balance transaction: %w", err)
	}
	return row, nil
}

// ListTransactions returns the newest ledger rows of a user first
func (s *Store) ListTransactions(ctx context.Context, userID int64, limit int) ([]models.BalanceTransaction, error) {
	var rows []models.BalanceTransaction
	err := s.selectRows(ctx, &rows,
		"SELECT * FROM balance_transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?",
		userID, limit)
	return rows, err
}

// SumTransactions returns the running sum of all ledger rows of a user
func (s *Store) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := s.get(ctx, &sum,
		"SELECT COALESCE(SUM(amount), 0) FROM balance_transactions WHERE user_id = ?", userID)
	return sum, err
}

// CountTransactionsByLease counts ledger rows referencing a lease
func (s *Store) CountTransactionsByLease(ctx context.Context, leaseID int64, kind string) (int, error) {
	var n int
	err := s.get(ctx, &n,
		"SELECT COUNT(*) FROM balance_transactions WHERE lease_id = ? AND kind = ?", leaseID, kind)
	return n, err
}
