package models

import "time"

// Event types
const (
	EventTypePaymentConfirmed = "PAYMENT_CONFIRMED"
	EventTypeOrderFulfilled   = "ORDER_FULFILLED"
	EventTypeLeaseResolved    = "LEASE_RESOLVED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentConfirmedEvent is published by the payment processor bridge.
// OrderID is zero for balance top-ups.
type PaymentConfirmedEvent struct {
	BaseEvent
	PaymentID string `json:"payment_id"`
	UserID    int64  `json:"user_id"`
	OrderID   int64  `json:"order_id,omitempty"`
	Amount    int64  `json:"amount"`
}

// OrderFulfilledEvent published after a dispatch pass persisted its result
type OrderFulfilledEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	UserID         int64  `json:"user_id"`
	Status         string `json:"status"`
	ItemsDelivered int    `json:"items_delivered"`
	AsyncPending   bool   `json:"async_pending"`
}

// LeaseResolvedEvent published when a lease reaches a terminal state
type LeaseResolvedEvent struct {
	BaseEvent
	LeaseID  int64  `json:"lease_id"`
	OrderID  int64  `json:"order_id"`
	UserID   int64  `json:"user_id"`
	Status   string `json:"status"`
	Refunded int64  `json:"refunded"`
}
