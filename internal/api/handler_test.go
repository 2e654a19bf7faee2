package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingRelay struct {
	mu     sync.Mutex
	events []*models.PaymentWebhookEvent
	err    error
}

func (r *recordingRelay) PublishPaymentWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	store  *memstore.Store
}

func newTestServer(t *testing.T, relay WebhookRelay) *testServer {
	st := memstore.New()
	svc := service.New(service.Dependencies{
		Tx:       st,
		Gateways: gateway.NewRegistry(gateway.NewMockGateway("mock", 1.0, 0, zap.NewNop())),
		Logger:   zap.NewNop(),
	}, service.DefaultSettings())

	router := gin.New()
	NewHandler(svc, relay, zap.NewNop()).SetupRoutes(router)
	return &testServer{t: t, router: router, store: st}
}

func (s *testServer) do(method, path string, headers map[string]string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func user(id int64) map[string]string {
	return map[string]string{headerUserID: fmt.Sprint(id), headerSessionID: "sess"}
}

var adminHeaders = map[string]string{headerAdminID: "1"}

func (s *testServer) seedProduct(price int64, stock int) models.Product {
	return s.store.SeedProduct(models.Product{
		SKU: "SKU", Name: "Widget", Price: decimal.NewFromInt(price),
		StockQuantity: stock, MinStockQuantity: 1, TrackStock: true,
	})
}

func (s *testServer) placeOrder(userID, productID int64, qty int) int64 {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/checkout", user(userID), gin.H{
		"items":            []gin.H{{"product_id": productID, "quantity": qty}},
		"shipping_address": gin.H{"recipient_name": "Kim", "line1": "1 Main St"},
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var res service.CheckoutResult
	decode(s.t, w, &res)
	return res.Order.ID
}

func TestCheckoutAndOwnership(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedProduct(17000, 5)
	orderID := s.placeOrder(7, p.ID, 1)

	w := s.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", orderID), user(7), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var details service.OrderDetails
	decode(t, w, &details)
	assert.True(t, decimal.NewFromInt(20000).Equal(details.Order.TotalAmount))
	assert.Len(t, details.Items, 1)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", orderID), user(8), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", orderID), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/abc", user(7), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckout_IdempotencyHeaderReplays(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedProduct(1000, 5)
	body := gin.H{
		"items":            []gin.H{{"product_id": p.ID, "quantity": 1}},
		"shipping_address": gin.H{"recipient_name": "Kim", "line1": "1 Main St"},
	}
	headers := map[string]string{headerUserID: "7", "Idempotency-Key": "k-1"}

	first := s.do(http.MethodPost, "/api/v1/checkout", headers, body)
	second := s.do(http.MethodPost, "/api/v1/checkout", headers, body)

	require.Equal(t, http.StatusCreated, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	var a, b service.CheckoutResult
	decode(t, first, &a)
	decode(t, second, &b)
	assert.Equal(t, a.Order.ID, b.Order.ID)
	assert.True(t, b.Replayed)
}

func TestCheckout_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/checkout", user(7), gin.H{
		"items":            []gin.H{{"product_id": 404, "quantity": 1}},
		"shipping_address": gin.H{"recipient_name": "Kim", "line1": "1 Main St"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]interface{}
	decode(t, w, &body)
	assert.Equal(t, "not_found", body["error"])

	w = s.do(http.MethodPost, "/api/v1/checkout", user(7), gin.H{"items": []gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCouponPreview(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedProduct(25000, 5)
	s.store.SeedCoupon(models.Coupon{
		Code:              "SAVE10",
		DiscountType:      models.DiscountPercentage,
		Value:             decimal.NewFromInt(10),
		MinOrderAmount:    decimal.NewFromInt(30000),
		MaxDiscountAmount: decimal.NewNullDecimal(decimal.NewFromInt(4000)),
		IsActive:          true,
	})

	w := s.do(http.MethodPost, "/api/v1/coupons/preview", user(7), gin.H{
		"code":  "save10",
		"items": []gin.H{{"product_id": p.ID, "quantity": 2}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var quote service.CouponQuote
	decode(t, w, &quote)
	assert.True(t, quote.Valid)
	assert.True(t, decimal.NewFromInt(4000).Equal(quote.Discount))

	w = s.do(http.MethodPost, "/api/v1/coupons/preview", user(7), gin.H{
		"code":  "SAVE10",
		"items": []gin.H{{"product_id": p.ID, "quantity": 1}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &quote)
	assert.False(t, quote.Valid)
	assert.Equal(t, service.ReasonMinOrder, quote.Reason)
}

func TestPaymentFlowAndAdminRefund(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedProduct(17000, 5)
	orderID := s.placeOrder(7, p.ID, 1)

	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/payments", orderID), user(7), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var attempt service.PaymentAttempt
	decode(t, w, &attempt)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/sync", attempt.Transaction.ID), user(8), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/payments/%d/sync", attempt.Transaction.ID), user(7), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var synced struct {
		Outcome     service.SettleOutcome     `json:"outcome"`
		Transaction models.PaymentTransaction `json:"transaction"`
	}
	decode(t, w, &synced)
	assert.Equal(t, service.OutcomeApplied, synced.Outcome)
	assert.Equal(t, models.TxStatusCompleted, synced.Transaction.Status)

	w = s.do(http.MethodPut, fmt.Sprintf("/admin/v1/orders/%d/status", orderID), adminHeaders, gin.H{"status": "delivered"})
	require.Equal(t, http.StatusOK, w.Code)
	var result service.BulkResult
	decode(t, w, &result)
	assert.Equal(t, 1, result.Failed, "confirmed cannot jump to delivered")

	w = s.do(http.MethodPost, fmt.Sprintf("/admin/v1/orders/%d/refund", orderID), adminHeaders, gin.H{"amount": "5000", "reason": "late"})
	require.Equal(t, http.StatusOK, w.Code)
	var refund struct {
		Result service.BulkResult    `json:"result"`
		Refund *service.RefundResult `json:"refund"`
	}
	decode(t, w, &refund)
	assert.Equal(t, 1, refund.Result.Succeeded)
	require.NotNil(t, refund.Refund)
	assert.False(t, refund.Refund.Full)
	assert.Equal(t, models.PaymentStatusPartiallyRefunded, refund.Refund.Order.PaymentStatus)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/cancel", orderID), user(7), gin.H{"reason": "changed mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var order models.Order
	decode(t, w, &order)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, order.PaymentStatus)

	w = s.do(http.MethodGet, fmt.Sprintf("/api/v1/products/%d/stock", p.ID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.StockSnapshot
	decode(t, w, &snap)
	assert.Equal(t, 5, snap.StockQuantity)
}

func TestAdminRequiresHeader(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/admin/v1/orders/bulk", user(7), gin.H{"action": "confirm", "order_ids": []int64{1}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminBulkAndStock(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedProduct(1000, 3)
	a := s.placeOrder(7, p.ID, 2)
	b := s.placeOrder(7, p.ID, 2)

	w := s.do(http.MethodPost, "/admin/v1/orders/bulk", adminHeaders, gin.H{"action": "confirm", "order_ids": []int64{a, b}})
	require.Equal(t, http.StatusOK, w.Code)
	var result service.BulkResult
	decode(t, w, &result)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	w = s.do(http.MethodPost, "/admin/v1/orders/bulk", adminHeaders, gin.H{"action": "teleport", "order_ids": []int64{a}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/admin/v1/products/%d/stock-adjustments", p.ID), adminHeaders, gin.H{"delta": -5, "reason": "loss"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/admin/v1/products/%d/stock-adjustments", p.ID), adminHeaders, gin.H{"delta": 4, "reason": "delivery"})
	require.Equal(t, http.StatusOK, w.Code)
	var snap models.StockSnapshot
	decode(t, w, &snap)
	assert.Equal(t, 5, snap.StockQuantity)
}

func webhookBody(gatewayTxID, status string) gin.H {
	return gin.H{"gateway_tx_id": gatewayTxID, "status": status, "approval_number": "A-1"}
}

func TestWebhook_Synchronous(t *testing.T) {
	s := newTestServer(t, nil)
	p := s.seedProduct(1000, 5)
	orderID := s.placeOrder(7, p.ID, 1)
	w := s.do(http.MethodPost, fmt.Sprintf("/api/v1/orders/%d/payments", orderID), user(7), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var attempt service.PaymentAttempt
	decode(t, w, &attempt)

	body := webhookBody(*attempt.Transaction.GatewayTxID, "approved")
	for _, want := range []service.SettleOutcome{service.OutcomeApplied, service.OutcomeDuplicate} {
		w = s.do(http.MethodPost, "/api/v1/webhooks/mock", nil, body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res struct {
			Outcome service.SettleOutcome `json:"outcome"`
		}
		decode(t, w, &res)
		assert.Equal(t, want, res.Outcome)
	}

	w = s.do(http.MethodPost, "/api/v1/webhooks/mock", nil, webhookBody("MOCK-missing", "approved"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_Relayed(t *testing.T) {
	relay := &recordingRelay{}
	s := newTestServer(t, relay)

	w := s.do(http.MethodPost, "/api/v1/webhooks/mock", nil, webhookBody("MOCK-1", "approved"))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, relay.events, 1)
	assert.Equal(t, "mock", relay.events[0].Gateway)
	assert.Equal(t, "MOCK-1", relay.events[0].Payload.GatewayTxID)
	assert.NotEmpty(t, relay.events[0].Payload.Raw)

	relay.err = errors.New("broker down")
	w = s.do(http.MethodPost, "/api/v1/webhooks/mock", nil, webhookBody("MOCK-1", "approved"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRespondError_StatusMapping(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	cases := []struct {
		err  error
		code int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.NotFound("order", 1), http.StatusNotFound},
		{apperr.InvalidTransition("order", "shipped", "confirmed"), http.StatusConflict},
		{apperr.InsufficientStock(1, 0, 1), http.StatusConflict},
		{apperr.Conflict("busy", nil), http.StatusConflict},
		{apperr.InvalidRefundState("nothing left"), http.StatusUnprocessableEntity},
		{apperr.CouponInvalid("X", service.ReasonExpired), http.StatusUnprocessableEntity},
		{apperr.Gateway("refund", errors.New("tcp reset")), http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", apperr.NotFound("payment", 2)), http.StatusNotFound},
		{errors.New("pq: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		h.respondError(c, tc.err)

		assert.Equal(t, tc.code, w.Code, tc.err.Error())
		assert.NotContains(t, w.Body.String(), "tcp reset")
		assert.NotContains(t, w.Body.String(), "connection refused")
	}
}
