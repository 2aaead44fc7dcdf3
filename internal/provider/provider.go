// Package provider turns "acquire N units of product P" into the protocol of
// the system that actually holds the goods: the local inventory table or one
// of the remote reseller APIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
)

var (
	// ErrUnavailable wraps every failed or timed out remote call
	ErrUnavailable = errors.New("provider unavailable")
	// ErrUnknownKind is returned for a fulfillment kind with no adapter
	ErrUnknownKind = errors.New("no adapter for fulfillment kind")
	// ErrNotLeasing is returned when a lease action hits an adapter without leases
	ErrNotLeasing = errors.New("adapter does not issue leases")
)

// AcquireRequest asks an adapter for Quantity units of one order line
type AcquireRequest struct {
	OrderID     int64
	LineID      int64
	UserID      int64
	ProductID   int64
	ProductName string
	ProviderRef string
	UnitPrice   int64
	Quantity    int
	Options     models.LineOptions
}

// Attachment is delivered as a document instead of inline text
type Attachment struct {
	Name    string
	Content []byte
}

// LeaseGrant is a resource the provider issued for a line. The dispatcher
// records it as a LeasedResource.
type LeaseGrant struct {
	ProviderRef string
	Status      models.LeaseStatus
	Price       int64
	ExpiresAt   *time.Time
	Payload     models.LeasePayload
}

// AcquireResult is what one adapter produced for one line
type AcquireResult struct {
	Delivered int
	Shortfall int
	Lines     []string
	Files     []Attachment
	Leases    []LeaseGrant
	// Async is set when at least one lease still has to resolve
	Async bool
	// Manual is set when an administrator has to finish the line
	Manual bool
}

// Adapter fulfills one fulfillment kind
type Adapter interface {
	Kind() models.FulfillmentKind
	Acquire(ctx context.Context, req AcquireRequest) (*AcquireResult, error)
}

// Availability is what a remote provider reports for a product right now
type Availability struct {
	Count int
	Price int64
}

// AvailabilityChecker is implemented by adapters that can report remote stock
type AvailabilityChecker interface {
	Available(ctx context.Context, req AcquireRequest) (*Availability, error)
}

// StatusReport is the provider's view of a lease
type StatusReport struct {
	Status  models.LeaseStatus
	Payload models.LeasePayload
}

// LeaseAdapter is implemented by adapters whose resources resolve asynchronously
type LeaseAdapter interface {
	Adapter
	Status(ctx context.Context, lease *models.LeasedResource) (*StatusReport, error)
	Cancel(ctx context.Context, lease *models.LeasedResource) error
	SetReady(ctx context.Context, lease *models.LeasedResource) error
	RequestRetry(ctx context.Context, lease *models.LeasedResource) error
	Complete(ctx context.Context, lease *models.LeasedResource) error
}

// Registry maps each fulfillment kind to its adapter
type Registry struct {
	adapters map[models.FulfillmentKind]Adapter
}

// NewRegistry creates a registry from adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.FulfillmentKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its kind
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind
func (r *Registry) Get(kind models.FulfillmentKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return a, nil
}

// Lease returns the lease adapter for kind
func (r *Registry) Lease(kind models.FulfillmentKind) (LeaseAdapter, error) {
	a, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	la, ok := a.(LeaseAdapter)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLeasing, kind)
	}
	return la, nil
}

// Availability returns the availability checker for kind, if the adapter has one
func (r *Registry) Availability(kind models.FulfillmentKind) (AvailabilityChecker, bool) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, false
	}
	ac, ok := a.(AvailabilityChecker)
	return ac, ok
}
