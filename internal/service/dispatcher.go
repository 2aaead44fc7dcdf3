package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/notifier"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultStaleAfter = 5 * time.Minute

// DispatchConfig tunes the dispatcher
type DispatchConfig struct {
	// StaleAfter is how long a dispatch may run before another caller may take it over
	StaleAfter time.Duration
	// RefundShortfall credits undelivered units back to the buyer
	RefundShortfall bool
	NotifyTimeout   time.Duration
}

// DispatchResult is what a dispatch pass (or a replay of one) produced
type DispatchResult struct {
	OrderID          int64  `json:"order_id"`
	Status           string `json:"status"`
	ItemsDelivered   int    `json:"items_delivered"`
	DeliveredContent string `json:"delivered_content"`
	AsyncPending     bool   `json:"async_pending"`
	// Cached is set when the stored result was returned without touching providers
	Cached bool `json:"cached"`
}

// Dispatcher routes each line of a paid order to the adapter of its product
// kind and persists what came back
type Dispatcher struct {
	store     *store.Store
	registry  *provider.Registry
	notify    *deliveryNotifier
	publisher EventPublisher
	cfg       DispatchConfig
	logger    *zap.Logger
}

// NewDispatcher creates a new dispatcher. publisher may be nil.
func NewDispatcher(
	store *store.Store,
	registry *provider.Registry,
	n notifier.Notifier,
	publisher EventPublisher,
	cfg DispatchConfig,
) *Dispatcher {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Dispatcher{
		store:     store,
		registry:  registry,
		notify:    newDeliveryNotifier(n, cfg.NotifyTimeout),
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// lineOutcome is the fulfillment result of one line
type lineOutcome struct {
	status       string
	deliveredQty int
	section      string
	files        []notifier.Attachment
}

// ProcessOrder fulfills a paid order exactly once. Repeated calls return the
// stored result.
func (d *Dispatcher) ProcessOrder(ctx context.Context, orderID int64) (*DispatchResult, error) {
	ctx, span := util.StartSpan(ctx, "Dispatcher.ProcessOrder", attribute.Int64("order_id", orderID))
	defer span.End()

	order, err := d.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if order.HasDeliveredContent() {
		util.DispatchCacheHitsTotal.Inc()
		return d.storedResult(ctx, order)
	}

	switch order.Status {
	case models.OrderStatusPending, models.OrderStatusCancelled, models.OrderStatusRefunded:
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrOrderNotPayable)
	}

	won, err := d.store.ClaimDispatch(ctx, orderID, time.Now().UTC().Add(-d.cfg.StaleAfter))
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !won {
		d.logger.Info("Dispatch already claimed", zap.Int64("order_id", orderID))
		current, err := d.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload order: %w", err)
		}
		return d.storedResult(ctx, current)
	}

	start := time.Now()
	result, files, err := d.dispatch(ctx, order)
	util.DispatchLatency.Observe(time.Since(start).Seconds())
	if errors.Is(err, store.ErrConflict) {
		current, err := d.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload order: %w", err)
		}
		return d.storedResult(ctx, current)
	}
	if err != nil {
		util.RecordError(span, err)
		util.OrdersDispatchedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	util.OrdersDispatchedTotal.WithLabelValues(result.Status).Inc()
	d.logger.Info("Order dispatched",
		zap.Int64("order_id", orderID),
		zap.String("status", result.Status),
		zap.Int("items_delivered", result.ItemsDelivered))

	d.notify.send(ctx, order.UserID, result.DeliveredContent, files)
	d.publishFulfilled(ctx, order.UserID, result)

	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, order *models.Order) (*DispatchResult, []notifier.Attachment, error) {
	lines, err := d.store.GetOrderLines(ctx, order.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get order lines: %w", err)
	}

	productIDs := make([]int64, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}
	products, err := d.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get products: %w", err)
	}
	refs := make(map[int64]string, len(products))
	for _, p := range products {
		refs[p.ID] = p.ProviderRef
	}

	result := &DispatchResult{OrderID: order.ID}
	var sections []string
	var files []notifier.Attachment
	waiting := false

	for i := range lines {
		line := &lines[i]

		var outcome *lineOutcome
		if line.FulfillmentStatus != models.LineStatusPending {
			// persisted by an earlier, abandoned pass
			outcome = &lineOutcome{status: line.FulfillmentStatus, deliveredQty: line.DeliveredQty}
			if line.DeliveredContent != nil {
				outcome.section = *line.DeliveredContent
			}
		} else {
			outcome, err = d.fulfillLine(ctx, order, line, refs[line.ProductID])
			if err != nil {
				return nil, nil, err
			}
		}

		result.ItemsDelivered += outcome.deliveredQty
		if outcome.section != "" {
			sections = append(sections, outcome.section)
		}
		files = append(files, outcome.files...)
		if outcome.status == models.LineStatusAsync || outcome.status == models.LineStatusManual {
			waiting = true
		}
	}

	result.Status = models.OrderStatusCompleted
	if waiting {
		result.Status = models.OrderStatusAwaitingAsync
		result.AsyncPending = true
	}

	result.DeliveredContent = strings.Join(sections, "\n\n")
	if result.DeliveredContent == "" {
		result.DeliveredContent = fmt.Sprintf("Order #%d has nothing to deliver.", order.ID)
	}

	if err := d.store.FinishDispatch(ctx, order.ID, result.DeliveredContent, result.Status); err != nil {
		return nil, nil, err
	}
	return result, files, nil
}

// fulfillLine runs the adapter for one line and persists the outcome, the
// issued leases and any shortfall refund in one transaction
func (d *Dispatcher) fulfillLine(ctx context.Context, order *models.Order, line *models.OrderLine, providerRef string) (*lineOutcome, error) {
	ctx, span := util.StartSpan(ctx, "Dispatcher.fulfillLine",
		attribute.Int64("line_id", line.ID),
		attribute.String("kind", string(line.ProductKind)))
	defer span.End()

	var res *provider.AcquireResult
	adapter, err := d.registry.Get(line.ProductKind)
	if err == nil {
		res, err = adapter.Acquire(ctx, provider.AcquireRequest{
			OrderID:     order.ID,
			LineID:      line.ID,
			UserID:      order.UserID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			ProviderRef: providerRef,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			Options:     line.Options,
		})
	}
	if err != nil {
		util.RecordError(span, err)
		d.logger.Warn("Line fulfillment failed",
			zap.Int64("order_id", order.ID),
			zap.Int64("line_id", line.ID),
			zap.String("kind", string(line.ProductKind)),
			zap.Error(err))
	}

	outcome := &lineOutcome{status: models.LineStatusFailed}
	undelivered := line.Quantity
	var parts []string

	if res != nil {
		undelivered = res.Shortfall
		parts = append(parts, res.Lines...)
		for _, f := range res.Files {
			outcome.files = append(outcome.files, notifier.Attachment{Name: f.Name, Content: f.Content})
			parts = append(parts, "📎 "+f.Name)
		}

		switch {
		case res.Manual:
			outcome.status = models.LineStatusManual
			undelivered = 0
		case res.Async:
			outcome.status = models.LineStatusAsync
		case undelivered == 0:
			outcome.status = models.LineStatusDelivered
		case undelivered < line.Quantity:
			outcome.status = models.LineStatusPartial
		}
		if !res.Manual {
			outcome.deliveredQty = line.Quantity - undelivered
		}
		if err == nil && undelivered > 0 {
			parts = append(parts, fmt.Sprintf("⚠️ %s: %d of %d delivered, the rest is out of stock",
				line.ProductName, line.Quantity-undelivered, line.Quantity))
		}
	}
	if err != nil {
		parts = append(parts, fmt.Sprintf("❌ %s: %s", line.ProductName, failureReason(err)))
	}

	var refund int64
	if d.cfg.RefundShortfall && undelivered > 0 && order.TotalAmount > 0 {
		refund = money.ApplyDiscount(line.UnitPrice*int64(undelivered), order.DiscountPercent)
		if refund > 0 {
			parts = append(parts, fmt.Sprintf("↩️ %s refunded to your balance", money.Format(refund)))
		}
	}

	outcome.section = strings.Join(parts, "\n")
	var content *string
	if outcome.section != "" {
		content = &outcome.section
	}

	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		if res != nil {
			for _, grant := range res.Leases {
				lease := &models.LeasedResource{
					ProviderRef: grant.ProviderRef,
					UserID:      order.UserID,
					OrderID:     order.ID,
					OrderLineID: line.ID,
					Kind:        line.ProductKind,
					Price:       money.ApplyDiscount(grant.Price, order.DiscountPercent),
					Status:      grant.Status,
					ExpiresAt:   grant.ExpiresAt,
					Payload:     grant.Payload,
				}
				if err := tx.CreateLease(ctx, lease); err != nil {
					return fmt.Errorf("failed to record lease %s: %w", grant.ProviderRef, err)
				}
			}
		}
		if refund > 0 {
			orderID := order.ID
			if _, err := tx.ApplyBalanceDelta(ctx, store.LedgerEntry{
				UserID:      order.UserID,
				Amount:      refund,
				Kind:        models.TxKindRefund,
				OrderID:     &orderID,
				Description: fmt.Sprintf("%d undelivered × %s", undelivered, line.ProductName),
			}); err != nil {
				return fmt.Errorf("failed to refund shortfall: %w", err)
			}
		}
		return tx.SaveLineResult(ctx, line.ID, outcome.status, outcome.deliveredQty, content)
	})
	if err != nil {
		if res != nil && len(res.Leases) > 0 {
			refs := make([]string, 0, len(res.Leases))
			for _, g := range res.Leases {
				refs = append(refs, g.ProviderRef)
			}
			d.logger.Error("Provider issued resources that could not be recorded",
				zap.Int64("order_id", order.ID),
				zap.Int64("line_id", line.ID),
				zap.Strings("provider_refs", refs),
				zap.Error(err))
		}
		return nil, err
	}

	if refund > 0 {
		util.LedgerMutationsTotal.WithLabelValues(models.TxKindRefund, "ok").Inc()
	}
	return outcome, nil
}

// failureReason is the user-facing text of a line failure
func failureReason(err error) string {
	switch {
	case errors.Is(err, provider.ErrUnknownKind):
		return "cannot be delivered automatically, support will contact you"
	case errors.Is(err, provider.ErrUnavailable):
		return "provider is unavailable right now, contact support"
	default:
		return "delivery failed, contact support"
	}
}

func (d *Dispatcher) storedResult(ctx context.Context, order *models.Order) (*DispatchResult, error) {
	lines, err := d.store.GetOrderLines(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}

	result := &DispatchResult{
		OrderID:      order.ID,
		Status:       order.Status,
		AsyncPending: order.Status == models.OrderStatusAwaitingAsync,
		Cached:       true,
	}
	if order.DeliveredContent != nil {
		result.DeliveredContent = *order.DeliveredContent
	}
	for _, line := range lines {
		result.ItemsDelivered += line.DeliveredQty
	}
	return result, nil
}

func (d *Dispatcher) publishFulfilled(ctx context.Context, userID int64, result *DispatchResult) {
	if d.publisher == nil {
		return
	}
	event := &models.OrderFulfilledEvent{
		BaseEvent:      broker.NewBaseEvent(models.EventTypeOrderFulfilled),
		OrderID:        result.OrderID,
		UserID:         userID,
		Status:         result.Status,
		ItemsDelivered: result.ItemsDelivered,
		AsyncPending:   result.AsyncPending,
	}
	if err := d.publisher.PublishOrderFulfilled(ctx, event); err != nil {
		d.logger.Error("Failed to publish ORDER_FULFILLED event",
			zap.Int64("order_id", result.OrderID),
			zap.Error(err))
	}
}
