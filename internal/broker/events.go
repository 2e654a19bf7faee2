package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"
)

// Publisher is the part of Producer the event publisher needs.
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher publishes notification events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string { return fmt.Sprintf("order-%d", orderID) }

// PublishOrderStatusChanged publishes order.status_changed
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes payment.failed
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentRefunded publishes payment.refunded
func (ep *EventPublisher) PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishInventoryRestocked publishes inventory.restocked
func (ep *EventPublisher) PublishInventoryRestocked(ctx context.Context, event *models.InventoryRestockedEvent) error {
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("product-%d", event.ProductID), event)
}

// PublishPaymentWebhook relays a gateway callback to the webhook topic
func (ep *EventPublisher) PublishPaymentWebhook(ctx context.Context, event *models.PaymentWebhookEvent) error {
	return ep.producer.PublishEvent(ctx, event.Payload.GatewayTxID, event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentWebhook func(context.Context, *models.PaymentWebhookEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentWebhook registers a handler for relayed gateway callbacks
func (eh *EventHandler) OnPaymentWebhook(handler func(context.Context, *models.PaymentWebhookEvent) error) {
	eh.onPaymentWebhook = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentWebhook:
		if eh.onPaymentWebhook != nil {
			var event models.PaymentWebhookEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentWebhook event: %w", err)
			}
			return eh.onPaymentWebhook(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
