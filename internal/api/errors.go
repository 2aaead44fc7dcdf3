package api

import (
	"errors"
	"net/http"

	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{service.ErrNotFound, http.StatusNotFound, "not_found"},
	{service.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds"},
	{service.ErrOutOfStock, http.StatusConflict, "out_of_stock"},
	{service.ErrPurchaseLimit, http.StatusConflict, "purchase_limit"},
	{service.ErrProductInactive, http.StatusConflict, "product_inactive"},
	{service.ErrTotalMismatch, http.StatusConflict, "total_mismatch"},
	{service.ErrOrderNotPayable, http.StatusConflict, "order_not_payable"},
	{service.ErrLeaseTerminal, http.StatusConflict, "lease_terminal"},
	{service.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{service.ErrItemSold, http.StatusConflict, "item_sold"},
	{service.ErrInvalidPromo, http.StatusUnprocessableEntity, "invalid_promo"},
	{service.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{service.ErrProviderUnavailable, http.StatusBadGateway, "provider_unavailable"},
}

// respondError maps a service error to its HTTP status
func respondError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{"error": e.code, "details": err.Error()})
			return
		}
	}

	util.GetLogger().Error("Request failed",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
