package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FulfillmentKind selects the provider adapter that fulfills a product
type FulfillmentKind string

const (
	KindLocalItem    FulfillmentKind = "local_item"
	KindProxy        FulfillmentKind = "proxy"
	KindSMSNumber    FulfillmentKind = "sms_number"
	KindSocialBoost  FulfillmentKind = "social_boost"
	KindManualCredit FulfillmentKind = "manual_credit"
)

// Valid reports whether k is one of the known kinds
func (k FulfillmentKind) Valid() bool {
	switch k {
	case KindLocalItem, KindProxy, KindSMSNumber, KindSocialBoost, KindManualCredit:
		return true
	}
	return false
}

// User is the ledger owner. Balance is a cache of the sum of its transactions.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Product represents a product in the catalog
type Product struct {
	ID            int64           `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Kind          FulfillmentKind `db:"kind" json:"kind"`
	Price         int64           `db:"price" json:"price"`
	PurchaseLimit int             `db:"purchase_limit" json:"purchase_limit"`
	Active        bool            `db:"active" json:"active"`
	ProviderRef   string          `db:"provider_ref" json:"provider_ref,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// InventoryItem is one sellable unit of a local-item product
type InventoryItem struct {
	ID          int64      `db:"id" json:"id"`
	ProductID   int64      `db:"product_id" json:"product_id"`
	Content     string     `db:"content" json:"content"`
	FileName    *string    `db:"file_name" json:"file_name,omitempty"`
	Sold        bool       `db:"sold" json:"sold"`
	SoldTo      *int64     `db:"sold_to" json:"sold_to,omitempty"`
	SoldOrderID *int64     `db:"sold_order_id" json:"sold_order_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	SoldAt      *time.Time `db:"sold_at" json:"sold_at,omitempty"`
}

// Order represents a customer order
type Order struct {
	ID                int64      `db:"id" json:"id"`
	UserID            int64      `db:"user_id" json:"user_id"`
	TotalAmount       int64      `db:"total_amount" json:"total_amount"`
	DiscountPercent   int        `db:"discount_percent" json:"discount_percent"`
	PromoCode         *string    `db:"promo_code" json:"promo_code,omitempty"`
	Status            string     `db:"status" json:"status"`
	DeliveredContent  *string    `db:"delivered_content" json:"delivered_content,omitempty"`
	IdempotencyKey    *string    `db:"idempotency_key" json:"idempotency_key,omitempty"`
	DispatchStartedAt *time.Time `db:"dispatch_started_at" json:"dispatch_started_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// HasDeliveredContent reports whether a dispatch already stored its result
func (o *Order) HasDeliveredContent() bool {
	return o.DeliveredContent != nil && *o.DeliveredContent != ""
}

// Order statuses
const (
	OrderStatusPending       = "pending"
	OrderStatusPaid          = "paid"
	OrderStatusDispatching   = "dispatching"
	OrderStatusAwaitingAsync = "awaiting_async"
	OrderStatusCompleted     = "completed"
	OrderStatusCancelled     = "cancelled"
	OrderStatusRefunded      = "refunded"
)

// OrderLine is one product entry of an order. Snapshot fields never change.
type OrderLine struct {
	ID          int64           `db:"id" json:"id"`
	OrderID     int64           `db:"order_id" json:"order_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	ProductKind FulfillmentKind `db:"product_kind" json:"product_kind"`
	UnitPrice   int64           `db:"unit_price" json:"unit_price"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Options     LineOptions     `db:"options" json:"options"`

	FulfillmentStatus string  `db:"fulfillment_status" json:"fulfillment_status"`
	DeliveredQty      int     `db:"delivered_qty" json:"delivered_qty"`
	DeliveredContent  *string `db:"delivered_content" json:"delivered_content,omitempty"`
}

// Subtotal is the undiscounted price of the line
func (l *OrderLine) Subtotal() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// Line fulfillment statuses
const (
	LineStatusPending   = "pending"
	LineStatusDelivered = "delivered"
	LineStatusPartial   = "partial"
	LineStatusFailed    = "failed"
	LineStatusAsync     = "async"
	LineStatusManual    = "manual"
)

// LineOptions is the per-kind parameter bag of an order line
type LineOptions struct {
	Country      string `json:"country,omitempty"`
	DurationDays int    `json:"duration_days,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
	Service      string `json:"service,omitempty"`
	Link         string `json:"link,omitempty"`
}

// Value implements driver.Valuer. A string keeps postgres jsonb columns happy.
func (o LineOptions) Value() (driver.Value, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (o *LineOptions) Scan(src interface{}) error {
	return scanJSON(src, o)
}

// BalanceTransaction is one append-only ledger row
type BalanceTransaction struct {
	ID           int64     `db:"id" json:"id"`
	UserID       int64     `db:"user_id" json:"user_id"`
	Amount       int64     `db:"amount" json:"amount"`
	BalanceAfter int64     `db:"balance_after" json:"balance_after"`
	Kind         string    `db:"kind" json:"kind"`
	OrderID      *int64    `db:"order_id" json:"order_id,omitempty"`
	LeaseID      *int64    `db:"lease_id" json:"lease_id,omitempty"`
	Description  string    `db:"description" json:"description"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Balance transaction kinds
const (
	TxKindDeposit    = "deposit"
	TxKindPurchase   = "purchase"
	TxKindRefund     = "refund"
	TxKindBonus      = "bonus"
	TxKindAdjustment = "adjustment"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json source type %T", src)
	}
}
