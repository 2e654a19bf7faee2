package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fulfillment-service/internal/models"
)

// receiveWebhook accepts a gateway callback. With a relay configured the callback is queued
// and acknowledged with 202; otherwise it is applied before responding.
func (h *Handler) receiveWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	var payload models.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	payload.Raw = raw
	gatewayName := c.Param("gateway")

	if h.relay != nil {
		event := &models.PaymentWebhookEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypePaymentWebhook),
			Gateway:   gatewayName,
			Payload:   payload,
		}
		if err := h.relay.PublishPaymentWebhook(c.Request.Context(), event); err != nil {
			h.logger.Error("Failed to relay webhook",
				zap.String("gateway", gatewayName),
				zap.String("gateway_tx_id", payload.GatewayTxID),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhook could not be queued, retry later"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"event_id": event.EventID})
		return
	}

	outcome, err := h.svc.Payments.HandleWebhook(c.Request.Context(), gatewayName, payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}
