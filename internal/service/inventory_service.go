package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// InventoryService hands out pre-loaded units of local-item products
type InventoryService struct {
	store  *store.Store
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store *store.Store) *InventoryService {
	return &InventoryService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// StockItem is one unit uploaded by an administrator
type StockItem struct {
	Content  string  `json:"content" binding:"required"`
	FileName *string `json:"file_name,omitempty"`
}

// Claim atomically marks one unsold unit of the product as sold to userID.
// It returns nil without error when the product is exhausted.
func (s *InventoryService) Claim(ctx context.Context, productID, userID, orderID int64) (*models.InventoryItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Claim")
	defer span.End()

	item, err := s.store.ClaimInventoryItem(ctx, productID, userID, orderID)
	if err != nil {
		util.RecordError(span, err)
		util.InventoryClaimsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to claim item of product %d: %w", productID, err)
	}
	if item == nil {
		util.InventoryClaimsTotal.WithLabelValues("exhausted").Inc()
		return nil, nil
	}

	util.InventoryClaimsTotal.WithLabelValues("claimed").Inc()
	return item, nil
}

// Reserved returns the units of a product already claimed for an order
func (s *InventoryService) Reserved(ctx context.Context, orderID, productID int64) ([]models.InventoryItem, error) {
	items, err := s.store.ListReservedItems(ctx, orderID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reserved items of order %d: %w", orderID, err)
	}
	return items, nil
}

// reserve claims quantity units inside the caller's transaction. Running out
// fails the whole transaction with ErrOutOfStock.
func reserve(ctx context.Context, tx *store.Store, line *models.OrderLine, userID int64) error {
	for i := 0; i < line.Quantity; i++ {
		item, err := tx.ClaimInventoryItem(ctx, line.ProductID, userID, line.OrderID)
		if err != nil {
			util.InventoryClaimsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("failed to reserve unit of product %d: %w", line.ProductID, err)
		}
		if item == nil {
			util.InventoryClaimsTotal.WithLabelValues("exhausted").Inc()
			return fmt.Errorf("product %d: %d of %d units left: %w", line.ProductID, i, line.Quantity, ErrOutOfStock)
		}
		util.InventoryClaimsTotal.WithLabelValues("claimed").Inc()
	}
	return nil
}

// Available returns the number of unsold units of a product
func (s *InventoryService) Available(ctx context.Context, productID int64) (int, error) {
	n, err := s.store.CountUnsold(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("failed to count stock of product %d: %w", productID, err)
	}
	return n, nil
}

// AddStock uploads units for a local-item product
func (s *InventoryService) AddStock(ctx context.Context, actor Actor, productID int64, items []StockItem) ([]int64, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.AddStock")
	defer span.End()

	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items: %w", ErrInvalidRequest)
	}

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to get product %d: %w", productID, err)
	}
	if product.Kind != models.KindLocalItem {
		return nil, fmt.Errorf("product %d is %s, not %s: %w", productID, product.Kind, models.KindLocalItem, ErrInvalidRequest)
	}

	rows := make([]models.InventoryItem, 0, len(items))
	for _, item := range items {
		if item.Content == "" {
			return nil, fmt.Errorf("empty item content: %w", ErrInvalidRequest)
		}
		rows = append(rows, models.InventoryItem{
			ProductID: productID,
			Content:   item.Content,
			FileName:  item.FileName,
		})
	}

	ids, err := s.store.AddInventoryItems(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("failed to add stock: %w", err)
	}

	s.logger.Info("Stock added",
		zap.Int64("product_id", productID),
		zap.Int("count", len(ids)),
		zap.Int64("admin_id", actor.UserID))
	return ids, nil
}

// DeleteUnsold removes a unit that has not been sold yet
func (s *InventoryService) DeleteUnsold(ctx context.Context, actor Actor, itemID int64) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.DeleteUnsold")
	defer span.End()

	if err := actor.requireAdmin(); err != nil {
		return err
	}

	err := s.store.DeleteUnsoldItem(ctx, itemID)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("item %d: %w", itemID, ErrItemSold)
	}
	if err != nil {
		return fmt.Errorf("failed to delete item %d: %w", itemID, err)
	}

	s.logger.Info("Unsold item deleted", zap.Int64("item_id", itemID), zap.Int64("admin_id", actor.UserID))
	return nil
}
