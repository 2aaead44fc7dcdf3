package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	now := s.now()
	order.CreatedAt = now
	order.UpdatedAt = now

	query := `
		INSERT INTO orders (user_id, total_amount, discount_percent, promo_code, status, idempotency_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	return s.get(ctx, &order.ID, query,
		order.UserID, order.TotalAmount, order.DiscountPercent, order.PromoCode,
		order.Status, order.IdempotencyKey, order.CreatedAt, order.UpdatedAt)
}

// CreateOrderLine creates a new order line
func (s *Store) CreateOrderLine(ctx context.Context, line *models.OrderLine) error {
	if line.FulfillmentStatus == "" {
		line.FulfillmentStatus = models.LineStatusPending
	}

	query := `
		INSERT INTO order_lines (order_id, product_id, product_name, product_kind, unit_price, quantity, options, fulfillment_status, delivered_qty)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`

	return s.get(ctx, &line.ID, query,
		line.OrderID, line.ProductID, line.ProductName, line.ProductKind,
		line.UnitPrice, line.Quantity, line.Options, line.FulfillmentStatus, line.DeliveredQty)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.get(ctx, &order, "SELECT * FROM orders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves an order by idempotency key
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.get(ctx, &order, "SELECT * FROM orders WHERE idempotency_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.selectRows(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
	return orders, err
}

// GetOrderLines retrieves all lines of an order in creation order
func (s *Store) GetOrderLines(ctx context.Context, orderID int64) ([]models.OrderLine, error) {
	var lines []models.OrderLine
	err := s.selectRows(ctx, &lines,
		"SELECT * FROM order_lines WHERE order_id = ? ORDER BY id", orderID)
	return lines, err
}

// CountPurchasedByUser sums the quantity of a product the user has in orders
// that are neither cancelled nor refunded
func (s *Store) CountPurchasedByUser(ctx context.Context, userID, productID int64) (int, error) {
	query, args, err := sqlx.In(`
		SELECT COALESCE(SUM(l.quantity), 0)
		FROM order_lines l
		JOIN orders o ON o.id = l.order_id
		WHERE o.user_id = ? AND l.product_id = ? AND o.status IN (?)`,
		userID, productID, []string{
			models.OrderStatusPending,
			models.OrderStatusPaid,
			models.OrderStatusDispatching,
			models.OrderStatusAwaitingAsync,
			models.OrderStatusCompleted,
		})
	if err != nil {
		return 0, err
	}

	var n int
	err = s.get(ctx, &n, query, args...)
	return n, err
}

// UpdateOrderStatus moves an order to status if it is currently in one of
// from. It reports whether the row changed.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from []string, status string) (bool, error) {
	query, args, err := sqlx.In(
		"UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)",
		status, s.now(), orderID, from)
	if err != nil {
		return false, err
	}

	n, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update order status: %w", err)
	}
	return n == 1, nil
}

// ClaimDispatch takes the exclusive right to dispatch an order. A paid order
// is claimed directly; a dispatch that started before staleBefore is assumed
// dead and can be taken over.
func (s *Store) ClaimDispatch(ctx context.Context, orderID int64, staleBefore time.Time) (bool, error) {
	now := s.now()
	n, err := s.exec(ctx, `
		UPDATE orders SET status = ?, dispatch_started_at = ?, updated_at = ?
		WHERE id = ?
		AND (delivered_content IS NULL OR delivered_content = '')
		AND (status = ? OR (status = ? AND dispatch_started_at < ?))`,
		models.OrderStatusDispatching, now, now,
		orderID,
		models.OrderStatusPaid, models.OrderStatusDispatching, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim dispatch: %w", err)
	}
	return n == 1, nil
}

// SaveLineResult records the fulfillment outcome of one line
func (s *Store) SaveLineResult(ctx context.Context, lineID int64, status string, deliveredQty int, content *string) error {
	_, err := s.exec(ctx,
		"UPDATE order_lines SET fulfillment_status = ?, delivered_qty = ?, delivered_content = ? WHERE id = ?",
		status, deliveredQty, content, lineID)
	if err != nil {
		return fmt.Errorf("failed to save line result: %w", err)
	}
	return nil
}

// FinishDispatch stores the delivered content of a dispatching order and
// moves it to its post-dispatch status. Stored content is never overwritten.
func (s *Store) FinishDispatch(ctx context.Context, orderID int64, content, status string) error {
	n, err := s.exec(ctx, `
		UPDATE orders SET delivered_content = ?, status = ?, updated_at = ?
		WHERE id = ? AND status = ?
		AND (delivered_content IS NULL OR delivered_content = '')`,
		content, status, s.now(), orderID, models.OrderStatusDispatching)
	if err != nil {
		return fmt.Errorf("failed to finish dispatch: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("order %d: %w", orderID, ErrConflict)
	}
	return nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.get(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = ?)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed. It reports false when the
// event was already recorded.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	n, err := s.exec(ctx,
		"INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType, s.now())
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
