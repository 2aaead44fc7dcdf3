package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateProduct inserts a catalog product
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	product.CreatedAt = s.now()
	return s.get(ctx, &product.ID,
		`INSERT INTO products (name, kind, price, purchase_limit, active, provider_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		product.Name, product.Kind, product.Price, product.PurchaseLimit, product.Active, product.ProviderRef, product.CreatedAt)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.get(ctx, &product, "SELECT * FROM products WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}

	var products []models.Product
	err = s.selectRows(ctx, &products, query, args...)
	return products, err
}

// AddInventoryItems uploads stock for a local-item product
func (s *Store) AddInventoryItems(ctx context.Context, items []models.InventoryItem) ([]int64, error) {
	ids := make([]int64, 0, len(items))
	err := s.WithTx(ctx, func(tx *Store) error {
		now := tx.now()
		for i := range items {
			var id int64
			err := tx.get(ctx, &id,
				`INSERT INTO inventory_items (product_id, content, file_name, sold, created_at)
				VALUES (?, ?, ?, ?, ?)
				RETURNING id`,
				items[i].ProductID, items[i].Content, items[i].FileName, false, now)
			if err != nil {
				return fmt.Errorf("failed to insert inventory item: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ClaimInventoryItem marks exactly one unsold unit of the product as sold and
// returns it, or nil when none is left. Selection and marking happen in one
// statement; on postgres concurrent claimers skip each other's locked rows.
func (s *Store) ClaimInventoryItem(ctx context.Context, productID, userID, orderID int64) (*models.InventoryItem, error) {
	skipLocked := ""
	if s.dialect == DialectPostgres {
		skipLocked = " FOR UPDATE SKIP LOCKED"
	}

	query := `UPDATE inventory_items
		SET sold = ?, sold_to = ?, sold_order_id = ?, sold_at = ?
		WHERE id = (
			SELECT id FROM inventory_items
			WHERE product_id = ? AND sold = ?
			ORDER BY id
			LIMIT 1` + skipLocked + `
		) AND sold = ?
		RETURNING *`

	var item models.InventoryItem
	err := s.get(ctx, &item, query, true, userID, orderID, s.now(), productID, false, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim inventory item: %w", err)
	}
	return &item, nil
}

// CountUnsold returns how many units of the product are still available
func (s *Store) CountUnsold(ctx context.Context, productID int64) (int, error) {
	var n int
	err := s.get(ctx, &n,
		"SELECT COUNT(*) FROM inventory_items WHERE product_id = ? AND sold = ?", productID, false)
	return n, err
}

// ListSoldItemsByOrder returns the units an order claimed, in claim order
func (s *Store) ListSoldItemsByOrder(ctx context.Context, orderID int64) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := s.selectRows(ctx, &items,
		"SELECT * FROM inventory_items WHERE sold_order_id = ? ORDER BY id", orderID)
	return items, err
}

// ListReservedItems returns the units of one product an order claimed, in claim order
func (s *Store) ListReservedItems(ctx context.Context, orderID, productID int64) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := s.selectRows(ctx, &items,
		"SELECT * FROM inventory_items WHERE sold_order_id = ? AND product_id = ? ORDER BY id", orderID, productID)
	return items, err
}

// DeleteUnsoldItem removes a stock unit. Sold units are kept for audit and
// report ErrConflict.
func (s *Store) DeleteUnsoldItem(ctx context.Context, itemID int64) error {
	n, err := s.exec(ctx, "DELETE FROM inventory_items WHERE id = ? AND sold = ?", itemID, false)
	if err != nil {
		return fmt.Errorf("failed to delete inventory item: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.get(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM inventory_items WHERE id = ?)", itemID); err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("inventory item %d is sold: %w", itemID, ErrConflict)
	}
	return fmt.Errorf("inventory item %d: %w", itemID, ErrNotFound)
}
