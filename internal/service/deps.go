package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
)

// EventPublisher publishes domain events. Implemented by broker.EventPublisher.
type EventPublisher interface {
	PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error
	PublishLeaseResolved(ctx context.Context, event *models.LeaseResolvedEvent) error
}

// Locker is a distributed mutex. Implemented by redisclient.Client.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// IdempotencyCache remembers which order a client idempotency key produced.
// Implemented by redisclient.Client.
type IdempotencyCache interface {
	RememberOrder(ctx context.Context, key string, orderID int64, ttl time.Duration) (bool, error)
	LookupOrder(ctx context.Context, key string) (int64, bool, error)
}
