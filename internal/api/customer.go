package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
)

type couponPreviewRequest struct {
	Code  string                 `json:"code" binding:"required"`
	Items []service.CheckoutItem `json:"items" binding:"required,min=1,dive"`
}

type initiatePaymentRequest struct {
	Method  string `json:"method"`
	Gateway string `json:"gateway"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// checkout handles order placement
func (h *Handler) checkout(c *gin.Context) {
	var req service.CheckoutRequest
	if !bindJSON(c, &req) {
		return
	}

	actor := actorFrom(c)
	req.UserID = actor.ID
	req.SessionID = actor.SessionID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.svc.Checkout.Checkout(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) previewCoupon(c *gin.Context) {
	var req couponPreviewRequest
	if !bindJSON(c, &req) {
		return
	}

	quote, err := h.svc.Checkout.QuoteCoupon(c.Request.Context(), actorFrom(c).ID, req.Code, req.Items)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// ownedOrder loads the order and hides orders of other customers behind a 404.
func (h *Handler) ownedOrder(c *gin.Context) (*service.OrderDetails, bool) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	details, err := h.svc.Orders.Get(c.Request.Context(), orderID)
	if err == nil && details.Order.UserID != actorFrom(c).ID {
		err = apperr.NotFound("order", orderID)
	}
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return details, true
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	details, ok := h.ownedOrder(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) getOrderHistory(c *gin.Context) {
	details, ok := h.ownedOrder(c)
	if !ok {
		return
	}
	events, err := h.svc.Orders.History(c.Request.Context(), details.Order.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	details, ok := h.ownedOrder(c)
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	order, err := h.svc.Refunds.Cancel(c.Request.Context(), details.Order.ID, req.Reason, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	details, ok := h.ownedOrder(c)
	if !ok {
		return
	}
	var req initiatePaymentRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	attempt, err := h.svc.Payments.Initiate(c.Request.Context(), details.Order.ID, req.Method, req.Gateway, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, attempt)
}

func (h *Handler) requestReturn(c *gin.Context) {
	h.transitionItem(c, models.ItemStatusReturnRequested)
}

func (h *Handler) requestExchange(c *gin.Context) {
	h.transitionItem(c, models.ItemStatusExchangeRequested)
}

func (h *Handler) transitionItem(c *gin.Context, target models.ItemStatus) {
	details, ok := h.ownedOrder(c)
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemId")
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	item, err := h.svc.Orders.TransitionItem(c.Request.Context(), details.Order.ID, itemID, target, actorFrom(c), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ownedPayment loads a payment attempt whose order belongs to the caller.
func (h *Handler) ownedPayment(c *gin.Context) (*models.PaymentTransaction, bool) {
	txnID, ok := pathID(c, "id")
	if !ok {
		return nil, false
	}
	ctx := c.Request.Context()
	txn, err := h.svc.Payments.Get(ctx, txnID)
	if err == nil {
		var details *service.OrderDetails
		details, err = h.svc.Orders.Get(ctx, txn.OrderID)
		if err == nil && details.Order.UserID != actorFrom(c).ID {
			err = apperr.NotFound("payment", txnID)
		}
	}
	if err != nil {
		h.respondError(c, err)
		return nil, false
	}
	return txn, true
}

func (h *Handler) retryPayment(c *gin.Context) {
	txn, ok := h.ownedPayment(c)
	if !ok {
		return
	}
	attempt, err := h.svc.Payments.Retry(c.Request.Context(), txn.ID, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, attempt)
}

// syncPayment asks the gateway for the attempt's status, for clients returning from a redirect.
func (h *Handler) syncPayment(c *gin.Context) {
	txn, ok := h.ownedPayment(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	outcome, err := h.svc.Payments.Poll(ctx, txn.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	current, err := h.svc.Payments.Get(ctx, txn.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "transaction": current})
}

func (h *Handler) getStock(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}
	snap, err := h.svc.Stock.Snapshot(c.Request.Context(), productID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
