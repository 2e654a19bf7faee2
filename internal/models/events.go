package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderStatusChanged = "order.status_changed"
	EventTypePaymentFailed      = "payment.failed"
	EventTypePaymentRefunded    = "payment.refunded"
	EventTypeInventoryRestocked = "inventory.restocked"
	EventTypePaymentWebhook     = "payment.webhook"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderStatusChangedEvent published after an order transition commits
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID       int64         `json:"order_id"`
	OrderNumber   string        `json:"order_number"`
	UserID        int64         `json:"user_id"`
	FromStatus    OrderStatus   `json:"from_status,omitempty"`
	ToStatus      OrderStatus   `json:"to_status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Note          string        `json:"note,omitempty"`
}

// PaymentFailedEvent published when an attempt is marked failed
type PaymentFailedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	RetryCount    int    `json:"retry_count"`
	CanRetry      bool   `json:"can_retry"`
}

// PaymentRefundedEvent published when a refund is applied
type PaymentRefundedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
	Full          bool            `json:"full"`
	Reason        string          `json:"reason"`
}

// InventoryRestockedEvent published when a product becomes available again
type InventoryRestockedEvent struct {
	BaseEvent
	ProductID     int64       `json:"product_id"`
	StockQuantity int         `json:"stock_quantity"`
	StockStatus   StockStatus `json:"stock_status"`
}

// PaymentWebhookEvent is a gateway callback relayed through the broker
type PaymentWebhookEvent struct {
	BaseEvent
	Gateway string         `json:"gateway"`
	Payload WebhookPayload `json:"payload"`
}

// WebhookPayload is the normalized inbound gateway notification.
type WebhookPayload struct {
	GatewayTxID    string          `json:"gateway_tx_id"`
	Status         string          `json:"status"`
	ApprovalNumber string          `json:"approval_number,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}
