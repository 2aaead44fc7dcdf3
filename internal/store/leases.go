package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateLease records a provider-issued resource
func (s *Store) CreateLease(ctx context.Context, lease *models.LeasedResource) error {
	now := s.now()
	if lease.IssuedAt.IsZero() {
		lease.IssuedAt = now
	}
	lease.UpdatedAt = now

	query := `
		INSERT INTO leased_resources (provider_ref, user_id, order_id, order_line_id, kind, price, status,
			refunded, poll_count, issued_at, expires_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		RETURNING id`

	return s.get(ctx, &lease.ID, query,
		lease.ProviderRef, lease.UserID, lease.OrderID, lease.OrderLineID, lease.Kind, lease.Price,
		lease.Status, lease.Refunded, lease.IssuedAt, lease.ExpiresAt, lease.UpdatedAt, lease.Payload)
}

// GetLease retrieves a lease by ID
func (s *Store) GetLease(ctx context.Context, id int64) (*models.LeasedResource, error) {
	var lease models.LeasedResource
	err := s.get(ctx, &lease, "SELECT * FROM leased_resources WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &lease, nil
}

// ListActiveLeases returns non-terminal leases, least recently polled first
func (s *Store) ListActiveLeases(ctx context.Context, limit int) ([]models.LeasedResource, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM leased_resources
		WHERE status IN (?)
		ORDER BY COALESCE(last_polled_at, issued_at), id
		LIMIT ?`, models.ActiveLeaseStatuses, limit)
	if err != nil {
		return nil, err
	}

	var leases []models.LeasedResource
	err = s.selectRows(ctx, &leases, query, args...)
	return leases, err
}

// ListLeasesByUser returns a user's leases, newest first
func (s *Store) ListLeasesByUser(ctx context.Context, userID int64) ([]models.LeasedResource, error) {
	var leases []models.LeasedResource
	err := s.selectRows(ctx, &leases,
		"SELECT * FROM leased_resources WHERE user_id = ? ORDER BY issued_at DESC, id DESC", userID)
	return leases, err
}

// ListLeasesByOrder returns the leases an order produced
func (s *Store) ListLeasesByOrder(ctx context.Context, orderID int64) ([]models.LeasedResource, error) {
	var leases []models.LeasedResource
	err := s.selectRows(ctx, &leases,
		"SELECT * FROM leased_resources WHERE order_id = ? ORDER BY id", orderID)
	return leases, err
}

// CountActiveLeasesForOrder counts the order's leases that are not terminal yet
func (s *Store) CountActiveLeasesForOrder(ctx context.Context, orderID int64) (int, error) {
	query, args, err := sqlx.In(
		"SELECT COUNT(*) FROM leased_resources WHERE order_id = ? AND status IN (?)",
		orderID, models.ActiveLeaseStatuses)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.get(ctx, &n, query, args...)
	return n, err
}

// UpdateLeaseStatus writes status and payload only if the lease is still in
// the observed status. Cancellation goes through CancelLeaseWithRefund.
func (s *Store) UpdateLeaseStatus(ctx context.Context, id int64, from, to models.LeaseStatus, payload models.LeasePayload) (bool, error) {
	n, err := s.exec(ctx, `
		UPDATE leased_resources SET status = ?, payload = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, payload, s.now(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update lease status: %w", err)
	}
	return n == 1, nil
}

// CancelLeaseWithRefund cancels a lease that is still cancellable and credits
// its price back to the owner in the same transaction. The refunded flag
// makes the credit happen at most once no matter how many cancellation
// signals arrive. It returns the cancelled lease, or nil when the lease was
// not cancellable anymore.
func (s *Store) CancelLeaseWithRefund(ctx context.Context, id int64, description string) (*models.LeasedResource, error) {
	var cancelled *models.LeasedResource

	err := s.WithTx(ctx, func(tx *Store) error {
		query, args, err := sqlx.In(`
			UPDATE leased_resources SET status = ?, refunded = ?, updated_at = ?
			WHERE id = ? AND status IN (?) AND refunded = ?
			RETURNING *`,
			models.LeaseCancelled, true, tx.now(), id, models.CancellableLeaseStatuses, false)
		if err != nil {
			return err
		}

		var lease models.LeasedResource
		err = tx.get(ctx, &lease, query, args...)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to cancel lease: %w", err)
		}

		if lease.Price > 0 {
			orderID, leaseID := lease.OrderID, lease.ID
			if _, err := tx.ApplyBalanceDelta(ctx, LedgerEntry{
				UserID:      lease.UserID,
				Amount:      lease.Price,
				Kind:        models.TxKindRefund,
				OrderID:     &orderID,
				LeaseID:     &leaseID,
				Description: description,
			}); err != nil {
				return fmt.Errorf("failed to refund lease: %w", err)
			}
		}

		cancelled = &lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// TouchLeasePoll records that the monitor polled a lease
func (s *Store) TouchLeasePoll(ctx context.Context, id int64) error {
	_, err := s.exec(ctx,
		"UPDATE leased_resources SET poll_count = poll_count + 1, last_polled_at = ? WHERE id = ?",
		s.now(), id)
	return err
}
