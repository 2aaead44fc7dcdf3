package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders    *service.OrderService
	inventory *service.InventoryService
	balance   *service.BalanceService
	leases    *service.LeaseMonitor
	promos    *service.PromoService
	auth      AuthConfig
	deps      map[string]Pinger
}

// NewHandler creates a new HTTP handler. deps are checked by /ready.
func NewHandler(
	orders *service.OrderService,
	inventory *service.InventoryService,
	balance *service.BalanceService,
	leases *service.LeaseMonitor,
	promos *service.PromoService,
	auth AuthConfig,
	deps map[string]Pinger,
) *Handler {
	return &Handler{
		orders:    orders,
		inventory: inventory,
		balance:   balance,
		leases:    leases,
		promos:    promos,
		auth:      auth,
		deps:      deps,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine, serviceName string) {
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", authMiddleware(h.auth))
	{
		v1.POST("/orders", h.payWithBalance)
		v1.POST("/orders/pending", h.createPendingOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/process", h.processOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/payments/confirmed", h.paymentConfirmed)

		v1.GET("/leases", h.listLeases)
		v1.POST("/leases/:id/cancel", h.leaseAction((*service.LeaseMonitor).Cancel))
		v1.POST("/leases/:id/ready", h.leaseAction((*service.LeaseMonitor).MarkReady))
		v1.POST("/leases/:id/retry", h.leaseAction((*service.LeaseMonitor).RequestRetry))
		v1.POST("/leases/:id/complete", h.leaseAction((*service.LeaseMonitor).Complete))

		v1.GET("/balance", h.getBalance)
		v1.GET("/balance/transactions", h.listTransactions)
		v1.GET("/promo/:code", h.validatePromo)
	}

	admin := v1.Group("/admin")
	{
		admin.POST("/balance", h.adminBalance)
		admin.POST("/deliver", h.manualDeliver)
		admin.POST("/orders/:id/resolve", h.resolveManual)
		admin.POST("/products/:id/stock", h.addStock)
		admin.DELETE("/stock/:id", h.deleteStock)
		admin.GET("/users/:id/ledger", h.verifyLedger)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id", nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) bindOrder(c *gin.Context) (*service.OrderRequest, bool) {
	var req service.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return nil, false
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	return &req, true
}

func (h *Handler) payWithBalance(c *gin.Context) {
	req, ok := h.bindOrder(c)
	if !ok {
		return
	}

	result, err := h.orders.PayWithBalance(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) createPendingOrder(c *gin.Context) {
	req, ok := h.bindOrder(c)
	if !ok {
		return
	}

	order, err := h.orders.CreatePendingOrder(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orders.ListOrders(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	view, err := h.orders.GetOrder(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) processOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	result, err := h.orders.Process(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.orders.CancelOrder(c.Request.Context(), actorFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "status": models.OrderStatusCancelled})
}

type paymentRequest struct {
	PaymentID string `json:"payment_id" binding:"required"`
	UserID    int64  `json:"user_id" binding:"required"`
	OrderID   int64  `json:"order_id"`
	Amount    int64  `json:"amount" binding:"required,min=1"`
}

func (h *Handler) paymentConfirmed(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	event := &models.PaymentConfirmedEvent{
		BaseEvent: models.BaseEvent{
			EventType: models.EventTypePaymentConfirmed,
			Timestamp: time.Now().UTC(),
		},
		PaymentID: req.PaymentID,
		UserID:    req.UserID,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
	}
	result, err := h.orders.ConfirmPaymentAs(c.Request.Context(), actorFrom(c), event)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_id": req.PaymentID, "dispatch": result})
}

func (h *Handler) listLeases(c *gin.Context) {
	leases, err := h.leases.ListLeases(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leases": leases})
}

type leaseOp func(*service.LeaseMonitor, context.Context, service.Actor, int64) (*service.LeaseView, error)

func (h *Handler) leaseAction(op leaseOp) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		view, err := op(h.leases, c.Request.Context(), actorFrom(c), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func (h *Handler) getBalance(c *gin.Context) {
	actor := actorFrom(c)
	balance, err := h.balance.Balance(c.Request.Context(), actor.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": actor.UserID, "balance": balance})
}

func (h *Handler) listTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	rows, err := h.balance.History(c.Request.Context(), actorFrom(c).UserID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": rows})
}

func (h *Handler) validatePromo(c *gin.Context) {
	pct, err := h.promos.Validate(c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": strings.ToUpper(c.Param("code")), "discount_percent": pct})
}

type adminBalanceRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
	// Mode is "set", "delta" or "bonus"
	Mode string `json:"mode" binding:"required,oneof=set delta bonus"`
	// Amount in major units, e.g. "12.50". Negative only for delta.
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (h *Handler) adminBalance(c *gin.Context) {
	var req adminBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	raw := strings.TrimSpace(req.Amount)
	negative := strings.HasPrefix(raw, "-")
	amount, err := h.balance.ParseAmount(strings.TrimPrefix(raw, "-"))
	if err != nil {
		respondError(c, err)
		return
	}

	ctx, actor := c.Request.Context(), actorFrom(c)
	var row *models.BalanceTransaction
	switch {
	case negative && req.Mode != "delta":
		badRequest(c, "negative amounts are only allowed for delta", nil)
		return
	case req.Mode == "set":
		row, err = h.balance.SetAbsolute(ctx, actor, req.UserID, amount, req.Reason)
	case req.Mode == "bonus":
		row, err = h.balance.Bonus(ctx, actor, req.UserID, amount, req.Reason)
	default:
		if negative {
			amount = -amount
		}
		row, err = h.balance.Adjust(ctx, actor, req.UserID, amount, req.Reason)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) manualDeliver(c *gin.Context) {
	var req service.ManualDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}
	result, err := h.orders.ManualDeliver(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *Handler) resolveManual(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Note string `json:"note"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body", err)
			return
		}
	}

	order, err := h.orders.ResolveManualLines(c.Request.Context(), actorFrom(c), id, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) addStock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req struct {
		Items []service.StockItem `json:"items" binding:"required,min=1,dive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body", err)
		return
	}

	ids, err := h.inventory.AddStock(c.Request.Context(), actorFrom(c), id, req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"product_id": id, "item_ids": ids})
}

func (h *Handler) deleteStock(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.inventory.DeleteUnsold(c.Request.Context(), actorFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) verifyLedger(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	report, err := h.balance.VerifyLedger(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
