package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
)

type statusRequest struct {
	Status string `json:"status" binding:"required"`
	Note   string `json:"note"`
}

type shippingRequest struct {
	Carrier        string `json:"carrier" binding:"required"`
	TrackingNumber string `json:"tracking_number" binding:"required"`
}

type refundRequest struct {
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
}

type bulkRequest struct {
	Action   string  `json:"action" binding:"required"`
	OrderIDs []int64 `json:"order_ids" binding:"required,min=1"`
	Note     string  `json:"note"`
}

type stockAdjustmentRequest struct {
	Delta  int    `json:"delta" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) adminGetOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	details, err := h.svc.Orders.Get(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (h *Handler) adminUpdateStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.Admin.UpdateStatus(c.Request.Context(), orderID, req.Status, req.Note, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) adminUpdatePaymentStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.Admin.UpdatePaymentStatus(c.Request.Context(), orderID, req.Status, req.Note, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) adminUpdateShipping(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req shippingRequest
	if !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, h.svc.Admin.UpdateShipping(c.Request.Context(), orderID, req.Carrier, req.TrackingNumber, actorFrom(c)))
}

func (h *Handler) adminUpdateItemStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemId")
	if !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	target, err := models.ParseItemStatus(req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	item, err := h.svc.Orders.TransitionItem(c.Request.Context(), orderID, itemID, target, actorFrom(c), req.Note)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) adminCancel(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	c.JSON(http.StatusOK, h.svc.Admin.Cancel(c.Request.Context(), orderID, req.Reason, actorFrom(c)))
}

func (h *Handler) adminRefund(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req refundRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	refund, result := h.svc.Admin.Refund(c.Request.Context(), service.RefundRequest{
		OrderID:       orderID,
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Actor:         actorFrom(c),
	})
	c.JSON(http.StatusOK, gin.H{"result": result, "refund": refund})
}

func (h *Handler) adminBulkAction(c *gin.Context) {
	var req bulkRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.svc.Admin.BulkAction(c.Request.Context(), req.Action, req.OrderIDs, req.Note, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) adminAdjustStock(c *gin.Context) {
	productID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req stockAdjustmentRequest
	if !bindJSON(c, &req) {
		return
	}

	product, err := h.svc.Admin.AdjustStock(c.Request.Context(), productID, req.Delta, req.Reason, actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product.Snapshot())
}

func (h *Handler) adminSyncStock(c *gin.Context) {
	synced, err := h.svc.Stock.SyncCache(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"synced": synced})
}

func (h *Handler) adminCouponStats(c *gin.Context) {
	stats, err := h.svc.Coupons.UsageStats(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
