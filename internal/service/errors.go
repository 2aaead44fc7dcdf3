package service

import (
	"errors"

	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOutOfStock        = errors.New("out of stock")
	// ErrProviderUnavailable is the provider package sentinel so errors.Is
	// matches adapter errors directly
	ErrProviderUnavailable = provider.ErrUnavailable
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPurchaseLimit       = errors.New("purchase limit exceeded")
	ErrProductInactive     = errors.New("product is not active")
	ErrNotFound            = store.ErrNotFound
	ErrOrderNotPayable     = errors.New("order is not in a payable state")
	ErrTotalMismatch       = errors.New("total does not match computed total")
	ErrLeaseTerminal       = errors.New("lease already finished")
	ErrInvalidTransition   = errors.New("invalid lease transition")
	ErrItemSold            = errors.New("inventory item already sold")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidPromo        = errors.New("unknown promo code")
)
