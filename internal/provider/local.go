package provider

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
)

// Claimer atomically takes one unsold unit of a product, or returns nil when
// the product is exhausted. Reserved lists units already claimed for an order.
type Claimer interface {
	Claim(ctx context.Context, productID, userID, orderID int64) (*models.InventoryItem, error)
	Reserved(ctx context.Context, orderID, productID int64) ([]models.InventoryItem, error)
	Available(ctx context.Context, productID int64) (int, error)
}

// LocalItemAdapter delivers pre-loaded inventory units
type LocalItemAdapter struct {
	claimer Claimer
}

// NewLocalItemAdapter creates a new local item adapter
func NewLocalItemAdapter(claimer Claimer) *LocalItemAdapter {
	return &LocalItemAdapter{claimer: claimer}
}

func (a *LocalItemAdapter) Kind() models.FulfillmentKind {
	return models.KindLocalItem
}

// Acquire delivers the units reserved for the order at payment time and
// claims the rest one by one, stopping at the first exhausted claim. Units
// with a file name are delivered as attachments.
func (a *LocalItemAdapter) Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error) {
	result := &AcquireResult{}

	reserved, err := a.claimer.Reserved(ctx, req.OrderID, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load reserved units: %w", err)
	}
	if len(reserved) > req.Quantity {
		reserved = reserved[:req.Quantity]
	}
	for i := range reserved {
		result.deliver(&reserved[i])
	}

	for result.Delivered < req.Quantity {
		item, err := a.claimer.Claim(ctx, req.ProductID, req.UserID, req.OrderID)
		if err != nil {
			result.Shortfall = req.Quantity - result.Delivered
			return result, fmt.Errorf("failed to claim unit %d of %d: %w", result.Delivered+1, req.Quantity, err)
		}
		if item == nil {
			break
		}
		result.deliver(item)
	}

	result.Shortfall = req.Quantity - result.Delivered
	return result, nil
}

func (r *AcquireResult) deliver(item *models.InventoryItem) {
	r.Delivered++
	if item.FileName != nil && *item.FileName != "" {
		r.Files = append(r.Files, Attachment{Name: *item.FileName, Content: []byte(item.Content)})
		return
	}
	r.Lines = append(r.Lines, item.Content)
}

// Available reports the unsold unit count. Local items have no remote price.
func (a *LocalItemAdapter) Available(ctx context.Context, req AcquireRequest) (*Availability, error) {
	n, err := a.claimer.Available(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	return &Availability{Count: n, Price: req.UnitPrice}, nil
}

// ManualAdapter records lines an administrator has to deliver by hand
type ManualAdapter struct{}

// NewManualAdapter creates a new manual adapter
func NewManualAdapter() *ManualAdapter {
	return &ManualAdapter{}
}

func (a *ManualAdapter) Kind() models.FulfillmentKind {
	return models.KindManualCredit
}

func (a *ManualAdapter) Acquire(_ context.Context, req AcquireRequest) (*AcquireResult, error) {
	return &AcquireResult{
		Manual: true,
		Lines:  []string{fmt.Sprintf("⏳ %s ×%d will be delivered by an operator", req.ProductName, req.Quantity)},
	}, nil
}
