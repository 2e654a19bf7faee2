package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"
)

const (
	headerUserID    = "X-User-ID"
	headerAdminID   = "X-Admin-ID"
	headerSessionID = "X-Session-ID"

	actorKey = "actor"
)

// WebhookRelay hands gateway callbacks to the broker instead of applying them inline.
type WebhookRelay interface {
	PublishPaymentWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error
}

// Handler contains HTTP handlers
type Handler struct {
	svc    *service.Services
	relay  WebhookRelay
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler. A nil relay applies webhooks synchronously.
func NewHandler(svc *service.Services, relay WebhookRelay, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, relay: relay, logger: logger}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products/:id/stock", h.getStock)
		v1.POST("/webhooks/:gateway", h.receiveWebhook)

		customer := v1.Group("", requireCustomer())
		customer.POST("/checkout", h.checkout)
		customer.POST("/coupons/preview", h.previewCoupon)
		customer.GET("/orders/:id", h.getOrder)
		customer.GET("/orders/:id/history", h.getOrderHistory)
		customer.POST("/orders/:id/cancel", h.cancelOrder)
		customer.POST("/orders/:id/payments", h.initiatePayment)
		customer.POST("/orders/:id/items/:itemId/return", h.requestReturn)
		customer.POST("/orders/:id/items/:itemId/exchange", h.requestExchange)
		customer.POST("/payments/:id/retry", h.retryPayment)
		customer.POST("/payments/:id/sync", h.syncPayment)
	}

	admin := router.Group("/admin/v1", requireAdmin())
	{
		admin.GET("/orders/:id", h.adminGetOrder)
		admin.PUT("/orders/:id/status", h.adminUpdateStatus)
		admin.PUT("/orders/:id/payment-status", h.adminUpdatePaymentStatus)
		admin.PUT("/orders/:id/shipping", h.adminUpdateShipping)
		admin.PUT("/orders/:id/items/:itemId/status", h.adminUpdateItemStatus)
		admin.POST("/orders/:id/cancel", h.adminCancel)
		admin.POST("/orders/:id/refund", h.adminRefund)
		admin.POST("/orders/bulk", h.adminBulkAction)
		admin.POST("/products/:id/stock-adjustments", h.adminAdjustStock)
		admin.POST("/stock/sync", h.adminSyncStock)
		admin.GET("/coupons/:code/stats", h.adminCouponStats)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func requireCustomer() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + headerUserID})
			return
		}
		c.Set(actorKey, models.Actor{Kind: models.ActorCustomer, ID: id, SessionID: c.GetHeader(headerSessionID)})
		c.Next()
	}
}

func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerAdminID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + headerAdminID})
			return
		}
		c.Set(actorKey, models.Actor{Kind: models.ActorAdmin, ID: id, SessionID: c.GetHeader(headerSessionID)})
		c.Next()
	}
}

func actorFrom(c *gin.Context) models.Actor {
	actor, _ := c.MustGet(actorKey).(models.Actor)
	return actor
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidTransition, apperr.KindInsufficientStock, apperr.KindConcurrencyConflict:
		return http.StatusConflict
	case apperr.KindInvalidRefundState, apperr.KindCouponInvalid:
		return http.StatusUnprocessableEntity
	case apperr.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes business errors as-is. Gateway and infrastructure causes are logged, not returned.
func (h *Handler) respondError(c *gin.Context, err error) {
	appErr, ok := apperr.As(err)
	if !ok {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal server error"})
		return
	}

	if appErr.Kind == apperr.KindGateway {
		h.logger.Warn("Payment gateway error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   string(appErr.Kind),
			"message": "payment provider is unavailable, the request can be retried safely",
		})
		return
	}

	body := gin.H{"error": string(appErr.Kind), "message": appErr.Message}
	if len(appErr.Details) > 0 {
		body["details"] = appErr.Details
	}
	c.JSON(statusFor(appErr.Kind), body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
