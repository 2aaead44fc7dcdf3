package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/money"
	"fulfillment-service/internal/provider"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderConfig tunes the order service
type OrderConfig struct {
	IdempotencyTTL time.Duration
	Limits         money.Limits
}

// OrderService handles checkout and payment of orders
type OrderService struct {
	store      *store.Store
	registry   *provider.Registry
	dispatcher *Dispatcher
	promos     *PromoService
	cache      IdempotencyCache
	cfg        OrderConfig
	logger     *zap.Logger
}

// NewOrderService creates a new order service. cache may be nil.
func NewOrderService(
	store *store.Store,
	registry *provider.Registry,
	dispatcher *Dispatcher,
	promos *PromoService,
	cache IdempotencyCache,
	cfg OrderConfig,
) *OrderService {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &OrderService{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		promos:     promos,
		cache:      cache,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// LineRequest represents one product entry of an order request
type LineRequest struct {
	ProductID int64              `json:"product_id" binding:"required"`
	Quantity  int                `json:"quantity" binding:"required,min=1"`
	Options   models.LineOptions `json:"options"`
}

// OrderRequest represents a checkout request. Total is what the buyer saw,
// in minor units, after discount.
type OrderRequest struct {
	Lines          []LineRequest `json:"lines" binding:"required,min=1,dive"`
	Total          int64         `json:"total"`
	PromoCode      string        `json:"promo_code,omitempty"`
	IdempotencyKey string        `json:"-"`
}

// PayResult is returned by PayWithBalance
type PayResult struct {
	OrderID    int64           `json:"order_id"`
	NewBalance int64           `json:"new_balance"`
	Replayed   bool            `json:"replayed"`
	Dispatch   *DispatchResult `json:"dispatch"`
}

// OrderView is an order with its lines and leases
type OrderView struct {
	*models.Order
	Lines  []models.OrderLine      `json:"lines"`
	Leases []models.LeasedResource `json:"leases"`
}

// ManualDeliveryRequest asks for a free delivery by an administrator
type ManualDeliveryRequest struct {
	UserID    int64              `json:"user_id" binding:"required"`
	ProductID int64              `json:"product_id" binding:"required"`
	Quantity  int                `json:"quantity" binding:"required,min=1"`
	Options   models.LineOptions `json:"options"`
}

type quote struct {
	lines    []models.OrderLine
	subtotal int64
	discount int
	promo    *string
	total    int64
}

// quote validates every line against the catalog, the buyer's purchase caps
// and current stock, and prices the order. Nothing is written.
func (s *OrderService) quote(ctx context.Context, userID int64, req *OrderRequest) (*quote, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("order has no lines: %w", ErrInvalidRequest)
	}

	ids := make([]int64, 0, len(req.Lines))
	quantities := make(map[int64]int, len(req.Lines))
	for _, l := range req.Lines {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("quantity of product %d must be positive: %w", l.ProductID, ErrInvalidRequest)
		}
		if _, seen := quantities[l.ProductID]; !seen {
			ids = append(ids, l.ProductID)
		}
		quantities[l.ProductID] += l.Quantity
	}

	products, err := s.store.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}
	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	for _, id := range ids {
		product, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", id, ErrNotFound)
		}
		if !product.Active {
			return nil, fmt.Errorf("product %d: %w", id, ErrProductInactive)
		}
		if product.PurchaseLimit > 0 {
			bought, err := s.store.CountPurchasedByUser(ctx, userID, id)
			if err != nil {
				return nil, fmt.Errorf("failed to count purchases: %w", err)
			}
			if bought+quantities[id] > product.PurchaseLimit {
				return nil, fmt.Errorf("product %d: %d bought, %d requested, limit %d: %w",
					id, bought, quantities[id], product.PurchaseLimit, ErrPurchaseLimit)
			}
		}
		if product.Kind == models.KindLocalItem {
			if err := s.checkStock(ctx, product, quantities[id], models.LineOptions{}); err != nil {
				return nil, err
			}
		}
	}

	q := &quote{}
	localLine := make(map[int64]int)
	for _, l := range req.Lines {
		product := byID[l.ProductID]
		q.subtotal += product.Price * int64(l.Quantity)

		if product.Kind == models.KindLocalItem {
			// one line per local product so reserved units map to a single line
			if idx, ok := localLine[product.ID]; ok {
				q.lines[idx].Quantity += l.Quantity
				continue
			}
			localLine[product.ID] = len(q.lines)
		} else if err := s.checkStock(ctx, product, l.Quantity, l.Options); err != nil {
			return nil, err
		}

		q.lines = append(q.lines, models.OrderLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductKind: product.Kind,
			UnitPrice:   product.Price,
			Quantity:    l.Quantity,
			Options:     l.Options,
		})
	}

	if code := strings.TrimSpace(req.PromoCode); code != "" {
		pct, err := s.promos.Validate(code)
		if err != nil {
			return nil, err
		}
		upper := strings.ToUpper(code)
		q.promo = &upper
		q.discount = pct
	}
	q.total = money.ApplyDiscount(q.subtotal, q.discount)
	if q.total != s.cfg.Limits.Clamp(q.total) {
		return nil, fmt.Errorf("order total %s exceeds the ledger limit: %w", money.Format(q.total), ErrInvalidRequest)
	}
	return q, nil
}

func (s *OrderService) checkStock(ctx context.Context, product *models.Product, quantity int, options models.LineOptions) error {
	checker, ok := s.registry.Availability(product.Kind)
	if !ok {
		return nil
	}
	avail, err := checker.Available(ctx, provider.AcquireRequest{
		ProductID:   product.ID,
		ProductName: product.Name,
		ProviderRef: product.ProviderRef,
		UnitPrice:   product.Price,
		Quantity:    quantity,
		Options:     options,
	})
	if err != nil {
		return fmt.Errorf("failed to check stock of product %d: %w", product.ID, err)
	}
	if avail.Count < quantity {
		return fmt.Errorf("product %d: %d available, %d requested: %w", product.ID, avail.Count, quantity, ErrOutOfStock)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrPurchaseLimit):
		return "purchase_limit"
	case errors.Is(err, ErrProductInactive):
		return "inactive"
	case errors.Is(err, ErrTotalMismatch):
		return "total_mismatch"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidPromo):
		return "invalid"
	default:
		return "error"
	}
}

func scopedKey(userID int64, key string) string {
	return fmt.Sprintf("%d:%s", userID, key)
}

// existingOrder finds the order an idempotency key already produced
func (s *OrderService) existingOrder(ctx context.Context, key string) (*models.Order, error) {
	if s.cache != nil {
		id, ok, err := s.cache.LookupOrder(ctx, key)
		if err != nil {
			s.logger.Warn("Idempotency cache lookup failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			return s.store.GetOrderByID(ctx, id)
		}
	}
	order, err := s.store.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return order, nil
}

func (s *OrderService) rememberOrder(ctx context.Context, key string, orderID int64) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.RememberOrder(ctx, key, orderID, s.cfg.IdempotencyTTL); err != nil {
		s.logger.Warn("Failed to cache idempotency key", zap.String("key", key), zap.Error(err))
	}
}

// PayWithBalance validates the order, debits the buyer and creates the paid
// order in one transaction, then dispatches it. A repeated idempotency key
// replays the first order.
func (s *OrderService) PayWithBalance(ctx context.Context, actor Actor, req *OrderRequest) (*PayResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.PayWithBalance", attribute.Int64("user_id", actor.UserID))
	defer span.End()

	var key *string
	if req.IdempotencyKey != "" {
		k := scopedKey(actor.UserID, req.IdempotencyKey)
		key = &k

		existing, err := s.existingOrder(ctx, k)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", k),
				zap.Int64("order_id", existing.ID))
			return s.replay(ctx, existing)
		}
	}

	q, err := s.quote(ctx, actor.UserID, req)
	if err == nil && q.total != req.Total {
		err = fmt.Errorf("expected %s, got %s: %w", money.Format(q.total), money.Format(req.Total), ErrTotalMismatch)
	}
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	order := &models.Order{
		UserID:          actor.UserID,
		TotalAmount:     q.total,
		DiscountPercent: q.discount,
		PromoCode:       q.promo,
		Status:          models.OrderStatusPaid,
		IdempotencyKey:  key,
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for i := range q.lines {
			q.lines[i].OrderID = order.ID
			if err := tx.CreateOrderLine(ctx, &q.lines[i]); err != nil {
				return fmt.Errorf("failed to create order line: %w", err)
			}
			if q.lines[i].ProductKind == models.KindLocalItem {
				if err := reserve(ctx, tx, &q.lines[i], actor.UserID); err != nil {
					return err
				}
			}
		}
		if q.total == 0 {
			return tx.EnsureUser(ctx, actor.UserID)
		}
		orderID := order.ID
		_, err := tx.ApplyBalanceDelta(ctx, store.LedgerEntry{
			UserID:      actor.UserID,
			Amount:      -q.total,
			Kind:        models.TxKindPurchase,
			OrderID:     &orderID,
			Description: fmt.Sprintf("Order #%d", order.ID),
		})
		if errors.Is(err, store.ErrInsufficientBalance) {
			return fmt.Errorf("order total %s: %w", money.Format(q.total), ErrInsufficientFunds)
		}
		return err
	})
	if err != nil {
		if key != nil && !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrOutOfStock) {
			// a concurrent request with the same key won the insert
			if existing, lookupErr := s.store.GetOrderByIdempotencyKey(ctx, *key); lookupErr == nil && existing != nil {
				return s.replay(ctx, existing)
			}
		}
		util.RecordError(span, err)
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		if q.total > 0 && errors.Is(err, ErrInsufficientFunds) {
			util.LedgerMutationsTotal.WithLabelValues(models.TxKindPurchase, "insufficient").Inc()
		}
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(models.OrderStatusPaid).Inc()
	if q.total > 0 {
		util.LedgerMutationsTotal.WithLabelValues(models.TxKindPurchase, "ok").Inc()
	}
	s.logger.Info("Order paid from balance",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", actor.UserID),
		zap.Int64("total", q.total))

	if key != nil {
		s.rememberOrder(ctx, *key, order.ID)
	}

	result := &PayResult{OrderID: order.ID}
	dispatch, err := s.dispatcher.ProcessOrder(ctx, order.ID)
	if err != nil {
		s.logger.Error("Dispatch after payment failed",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}
	result.Dispatch = dispatch

	balance, err := s.currentBalance(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	result.NewBalance = balance
	return result, nil
}

func (s *OrderService) replay(ctx context.Context, order *models.Order) (*PayResult, error) {
	result := &PayResult{OrderID: order.ID, Replayed: true}

	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusCancelled {
		dispatch, err := s.dispatcher.ProcessOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		result.Dispatch = dispatch
	}

	balance, err := s.currentBalance(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	result.NewBalance = balance
	return result, nil
}

func (s *OrderService) currentBalance(ctx context.Context, userID int64) (int64, error) {
	user, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return user.Balance, nil
}

// CreatePendingOrder validates and stores an order that an external payment
// will settle. No money moves.
func (s *OrderService) CreatePendingOrder(ctx context.Context, actor Actor, req *OrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreatePendingOrder", attribute.Int64("user_id", actor.UserID))
	defer span.End()

	var key *string
	if req.IdempotencyKey != "" {
		k := scopedKey(actor.UserID, req.IdempotencyKey)
		key = &k
		existing, err := s.existingOrder(ctx, k)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	q, err := s.quote(ctx, actor.UserID, req)
	if err == nil && q.total != req.Total {
		err = fmt.Errorf("expected %s, got %s: %w", money.Format(q.total), money.Format(req.Total), ErrTotalMismatch)
	}
	if err != nil {
		util.OrdersRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	order := &models.Order{
		UserID:          actor.UserID,
		TotalAmount:     q.total,
		DiscountPercent: q.discount,
		PromoCode:       q.promo,
		Status:          models.OrderStatusPending,
		IdempotencyKey:  key,
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.EnsureUser(ctx, actor.UserID); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for i := range q.lines {
			q.lines[i].OrderID = order.ID
			if err := tx.CreateOrderLine(ctx, &q.lines[i]); err != nil {
				return fmt.Errorf("failed to create order line: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues(models.OrderStatusPending).Inc()
	if key != nil {
		s.rememberOrder(ctx, *key, order.ID)
	}
	s.logger.Info("Pending order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", actor.UserID),
		zap.Int64("total", q.total))
	return order, nil
}

// CancelOrder cancels an order that has not been paid yet
func (s *OrderService) CancelOrder(ctx context.Context, actor Actor, orderID int64) error {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to get order: %w", err)
	}
	if !actor.canSee(order.UserID) {
		return fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}

	changed, err := s.store.UpdateOrderStatus(ctx, orderID, []string{models.OrderStatusPending}, models.OrderStatusCancelled)
	if err != nil {
		return err
	}
	if !changed {
		return fmt.Errorf("order %d: %w", orderID, ErrOrderNotPayable)
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID))
	return nil
}

func paymentEventKey(event *models.PaymentConfirmedEvent) string {
	if event.PaymentID != "" {
		return "payment:" + event.PaymentID
	}
	return event.EventID
}

// ConfirmPaymentAs is ConfirmPayment for processors calling back over HTTP
func (s *OrderService) ConfirmPaymentAs(ctx context.Context, actor Actor, event *models.PaymentConfirmedEvent) (*DispatchResult, error) {
	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}
	return s.ConfirmPayment(ctx, event)
}

// ConfirmPayment settles an external payment. A top-up or an underpayment is
// deposited to the balance; a payment covering a pending order marks it paid
// and dispatches it. Each payment is applied once.
func (s *OrderService) ConfirmPayment(ctx context.Context, event *models.PaymentConfirmedEvent) (*DispatchResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPayment",
		attribute.String("payment_id", event.PaymentID),
		attribute.Int64("order_id", event.OrderID))
	defer span.End()

	key := paymentEventKey(event)
	if key == "" || event.UserID == 0 {
		return nil, fmt.Errorf("payment without id or user: %w", ErrInvalidRequest)
	}
	amount := s.cfg.Limits.Clamp(event.Amount)
	if amount <= 0 {
		return nil, fmt.Errorf("payment amount %d: %w", event.Amount, ErrInvalidRequest)
	}

	duplicate := false
	paid := false

	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		inserted, err := tx.MarkEventProcessed(ctx, key, models.EventTypePaymentConfirmed)
		if err != nil {
			return fmt.Errorf("failed to mark payment processed: %w", err)
		}
		if !inserted {
			duplicate = true
			return nil
		}

		credit := amount
		description := fmt.Sprintf("Top-up %s", event.PaymentID)
		var orderRef *int64

		if event.OrderID != 0 {
			order, err := tx.GetOrderByID(ctx, event.OrderID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				description = fmt.Sprintf("Payment %s for unknown order #%d", event.PaymentID, event.OrderID)
			case err != nil:
				return fmt.Errorf("failed to get order: %w", err)
			case order.UserID != event.UserID:
				s.logger.Warn("Payment user does not own the order",
					zap.Int64("order_id", order.ID),
					zap.Int64("payment_user_id", event.UserID))
				description = fmt.Sprintf("Payment %s for foreign order #%d", event.PaymentID, order.ID)
			case order.Status != models.OrderStatusPending:
				orderRef = &order.ID
				description = fmt.Sprintf("Payment %s for order #%d in status %s", event.PaymentID, order.ID, order.Status)
			case amount < order.TotalAmount:
				orderRef = &order.ID
				description = fmt.Sprintf("Underpayment %s for order #%d (%s of %s)",
					event.PaymentID, order.ID, money.Format(amount), money.Format(order.TotalAmount))
			default:
				orderRef = &order.ID
				changed, err := tx.UpdateOrderStatus(ctx, order.ID, []string{models.OrderStatusPending}, models.OrderStatusPaid)
				if err != nil {
					return err
				}
				if changed {
					paid = true
					credit = amount - order.TotalAmount
					description = fmt.Sprintf("Overpayment %s for order #%d", event.PaymentID, order.ID)
				}
			}
		}

		if credit <= 0 {
			return nil
		}
		_, err = tx.ApplyBalanceDelta(ctx, store.LedgerEntry{
			UserID:      event.UserID,
			Amount:      credit,
			Kind:        models.TxKindDeposit,
			OrderID:     orderRef,
			Description: description,
		})
		if err != nil {
			return fmt.Errorf("failed to deposit payment: %w", err)
		}
		util.LedgerMutationsTotal.WithLabelValues(models.TxKindDeposit, "ok").Inc()
		return nil
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if duplicate {
		s.logger.Info("Payment already processed, skipping", zap.String("key", key))
		return nil, nil
	}

	s.logger.Info("Payment confirmed",
		zap.String("payment_id", event.PaymentID),
		zap.Int64("user_id", event.UserID),
		zap.Int64("order_id", event.OrderID),
		zap.Int64("amount", amount),
		zap.Bool("order_paid", paid))

	if !paid {
		return nil, nil
	}

	dispatch, err := s.dispatcher.ProcessOrder(ctx, event.OrderID)
	if err != nil {
		// the order stays paid; POST /orders/:id/process retries it
		s.logger.Error("Dispatch after payment failed", zap.Int64("order_id", event.OrderID), zap.Error(err))
		return nil, nil
	}
	return dispatch, nil
}

// ManualDeliver gives a user products for free. The zero-total order goes
// through the normal dispatch path, so local items are still claimed.
func (s *OrderService) ManualDeliver(ctx context.Context, actor Actor, req *ManualDeliveryRequest) (*DispatchResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ManualDeliver")
	defer span.End()

	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 || req.UserID == 0 {
		return nil, fmt.Errorf("user and positive quantity required: %w", ErrInvalidRequest)
	}

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	order := &models.Order{
		UserID:          req.UserID,
		DiscountPercent: 100,
		Status:          models.OrderStatusPaid,
	}
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.EnsureUser(ctx, req.UserID); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		return tx.CreateOrderLine(ctx, &models.OrderLine{
			OrderID:     order.ID,
			ProductID:   product.ID,
			ProductName: product.Name,
			ProductKind: product.Kind,
			UnitPrice:   product.Price,
			Quantity:    req.Quantity,
			Options:     req.Options,
		})
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	util.OrdersCreatedTotal.WithLabelValues("manual").Inc()
	s.logger.Info("Manual delivery order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("product_id", product.ID),
		zap.Int64("admin_id", actor.UserID))

	return s.dispatcher.ProcessOrder(ctx, order.ID)
}

// ResolveManualLines marks the manual lines of an order as delivered by an
// operator and completes the order once nothing else is outstanding
func (s *OrderService) ResolveManualLines(ctx context.Context, actor Actor, orderID int64, note string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ResolveManualLines")
	defer span.End()

	if err := actor.requireAdmin(); err != nil {
		return nil, err
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order.Status != models.OrderStatusAwaitingAsync {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrInvalidRequest)
	}

	lines, err := s.store.GetOrderLines(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}

	var resolved []string
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		for _, line := range lines {
			if line.FulfillmentStatus != models.LineStatusManual {
				continue
			}
			content := fmt.Sprintf("✅ %s ×%d delivered by an operator", line.ProductName, line.Quantity)
			if note != "" {
				content += "\n" + note
			}
			if err := tx.SaveLineResult(ctx, line.ID, models.LineStatusDelivered, line.Quantity, &content); err != nil {
				return err
			}
			resolved = append(resolved, content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("order %d has no manual lines: %w", orderID, ErrInvalidRequest)
	}

	s.dispatcher.notify.send(ctx, order.UserID, strings.Join(resolved, "\n\n"), nil)

	if _, err := completeIfSettled(ctx, s.store, orderID); err != nil {
		return nil, err
	}
	return s.store.GetOrderByID(ctx, orderID)
}

// completeIfSettled moves an awaiting_async order to completed when it has no
// active lease and no manual line left
func completeIfSettled(ctx context.Context, st *store.Store, orderID int64) (bool, error) {
	active, err := st.CountActiveLeasesForOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to count active leases: %w", err)
	}
	if active > 0 {
		return false, nil
	}

	lines, err := st.GetOrderLines(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("failed to get order lines: %w", err)
	}
	for _, line := range lines {
		if line.FulfillmentStatus == models.LineStatusManual {
			return false, nil
		}
	}

	return st.UpdateOrderStatus(ctx, orderID, []string{models.OrderStatusAwaitingAsync}, models.OrderStatusCompleted)
}

// Process dispatches an order on behalf of its owner or an administrator
func (s *OrderService) Process(ctx context.Context, actor Actor, orderID int64) (*DispatchResult, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !actor.canSee(order.UserID) {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	return s.dispatcher.ProcessOrder(ctx, orderID)
}

// GetOrder returns an order with its lines and leases
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, orderID int64) (*OrderView, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !actor.canSee(order.UserID) {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}

	lines, err := s.store.GetOrderLines(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order lines: %w", err)
	}
	leases, err := s.store.ListLeasesByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get leases: %w", err)
	}
	return &OrderView{Order: order, Lines: lines, Leases: leases}, nil
}

// ListOrders returns the actor's orders
func (s *OrderService) ListOrders(ctx context.Context, actor Actor) ([]models.Order, error) {
	orders, err := s.store.GetOrdersByUserID(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}
