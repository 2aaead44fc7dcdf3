package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// LeaseStatus is the lifecycle state of a provider-issued resource
type LeaseStatus string

const (
	LeaseWaiting      LeaseStatus = "waiting"
	LeaseReady        LeaseStatus = "ready"
	LeaseCodeReceived LeaseStatus = "code_received"
	LeaseRetry        LeaseStatus = "retry"
	LeaseCompleted    LeaseStatus = "completed"
	LeaseCancelled    LeaseStatus = "cancelled"
)

var leaseTransitions = map[LeaseStatus][]LeaseStatus{
	LeaseWaiting:      {LeaseReady, LeaseCodeReceived, LeaseRetry, LeaseCancelled},
	LeaseReady:        {LeaseCodeReceived, LeaseRetry, LeaseCancelled},
	LeaseRetry:        {LeaseCodeReceived, LeaseCompleted, LeaseCancelled},
	LeaseCodeReceived: {LeaseCodeReceived, LeaseRetry, LeaseCompleted},
}

// CanTransition reports whether from -> to is a legal lease transition
func CanTransition(from, to LeaseStatus) bool {
	for _, next := range leaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s LeaseStatus) Terminal() bool {
	return s == LeaseCompleted || s == LeaseCancelled
}

// Cancellable reports whether a refundable cancellation may still happen
func (s LeaseStatus) Cancellable() bool {
	return s == LeaseWaiting || s == LeaseReady || s == LeaseRetry
}

// ActiveLeaseStatuses are the states the monitor keeps polling
var ActiveLeaseStatuses = []LeaseStatus{LeaseWaiting, LeaseReady, LeaseCodeReceived, LeaseRetry}

// CancellableLeaseStatuses are the states from which cancellation refunds
var CancellableLeaseStatuses = []LeaseStatus{LeaseWaiting, LeaseReady, LeaseRetry}

// LeasedResource is a phone number, proxy grant or boost order issued by a provider
type LeasedResource struct {
	ID           int64           `db:"id" json:"id"`
	ProviderRef  string          `db:"provider_ref" json:"provider_ref"`
	UserID       int64           `db:"user_id" json:"user_id"`
	OrderID      int64           `db:"order_id" json:"order_id"`
	OrderLineID  int64           `db:"order_line_id" json:"order_line_id"`
	Kind         FulfillmentKind `db:"kind" json:"kind"`
	Price        int64           `db:"price" json:"price"`
	Status       LeaseStatus     `db:"status" json:"status"`
	Refunded     bool            `db:"refunded" json:"refunded"`
	PollCount    int             `db:"poll_count" json:"poll_count"`
	LastPolledAt *time.Time      `db:"last_polled_at" json:"last_polled_at,omitempty"`
	IssuedAt     time.Time       `db:"issued_at" json:"issued_at"`
	ExpiresAt    *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	Payload      LeasePayload    `db:"payload" json:"payload"`
}

// LeasePayload holds the provider specific data of a lease
type LeasePayload struct {
	Phone       string `json:"phone,omitempty"`
	Code        string `json:"code,omitempty"`
	Credentials string `json:"credentials,omitempty"`
	Link        string `json:"link,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	StartCount  int    `json:"start_count,omitempty"`
	Remains     int    `json:"remains,omitempty"`
}

// Value implements driver.Valuer
func (p LeasePayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *LeasePayload) Scan(src interface{}) error {
	return scanJSON(src, p)
}
