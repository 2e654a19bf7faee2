package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// OrderMachine is the only writer of order and item status.
type OrderMachine struct {
	*base
	stock   *StockLedger
	coupons *CouponEngine
}

// OrderDetails is an order with its lines and payment attempts.
type OrderDetails struct {
	Order    models.Order                `json:"order"`
	Items    []models.OrderItem          `json:"items"`
	Payments []models.PaymentTransaction `json:"payments"`
}

// BulkResult reports a multi-order command. A single order is never partially applied.
type BulkResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Errors    map[int64]string `json:"errors,omitempty"`
}

func (b *BulkResult) record(id int64, err error) {
	if err == nil {
		b.Succeeded++
		return
	}
	b.Failed++
	if b.Errors == nil {
		b.Errors = make(map[int64]string)
	}
	b.Errors[id] = err.Error()
}

// transitionOpts relaxes the funds guard for the refund path.
type transitionOpts struct {
	fundsSettled bool
}

// Transition moves an order to target and runs the side effects of that edge atomically
func (m *OrderMachine) Transition(ctx context.Context, orderID int64, target models.OrderStatus, actor models.Actor, note string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderMachine.Transition",
		attribute.Int64("order_id", orderID),
		attribute.String("target", string(target)))

	var order *models.Order
	err := m.inTx(ctx, func(r store.Repos, fx *effects) error {
		o, err := r.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return notFoundAs(err, "order", orderID)
		}
		if err := m.transitionTx(ctx, r, fx, o, target, actor, note, transitionOpts{}); err != nil {
			return err
		}
		order = o
		return nil
	})

	util.EndSpan(span, err)
	if err != nil {
		m.logger.Warn("Order transition rejected",
			zap.Int64("order_id", orderID),
			zap.String("target", string(target)),
			zap.Error(err))
		return nil, err
	}
	return order, nil
}

// transitionTx applies one edge to an order already locked by the caller.
func (m *OrderMachine) transitionTx(ctx context.Context, r store.Repos, fx *effects, order *models.Order,
	target models.OrderStatus, actor models.Actor, note string, opts transitionOpts) error {
	from := order.Status

	if !from.CanTransitionTo(target) {
		util.OrderTransitionsRejected.WithLabelValues(string(target), "not_allowed").Inc()
		return apperr.InvalidTransition("order", string(from), string(target))
	}
	if (target == models.OrderStatusCancelled || target == models.OrderStatusRefunded) &&
		order.PaymentStatus.HoldsFunds() && !opts.fundsSettled {
		util.OrderTransitionsRejected.WithLabelValues(string(target), "funds_held").Inc()
		return apperr.InvalidTransitionReason("order", string(from), string(target),
			"payment has been captured, refund the order instead")
	}
	if (target == models.OrderStatusCancelled || target == models.OrderStatusRefunded) && !opts.fundsSettled {
		txns, err := r.Payments().ListByOrder(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to load payment attempts: %w", err)
		}
		for _, t := range txns {
			if t.Status.InFlight() {
				util.OrderTransitionsRejected.WithLabelValues(string(target), "payment_in_flight").Inc()
				return apperr.InvalidTransitionReason("order", string(from), string(target),
					fmt.Sprintf("payment %s is still in flight, cancel the order instead", t.TransactionID))
			}
		}
	}

	items, err := r.Orders().ListItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}

	now := m.now()
	switch target {
	case models.OrderStatusConfirmed:
		if !order.StockDeducted {
			if err := m.stock.deductItems(ctx, r, fx, items); err != nil {
				util.OrderTransitionsRejected.WithLabelValues(string(target), string(apperr.KindOf(err))).Inc()
				return err
			}
			order.StockDeducted = true
		}
		stampOnce(&order.ConfirmedAt, now)
	case models.OrderStatusShipped:
		stampOnce(&order.ShippedAt, now)
	case models.OrderStatusDelivered:
		stampOnce(&order.DeliveredAt, now)
	case models.OrderStatusCancelled, models.OrderStatusRefunded:
		if order.StockDeducted {
			if err := m.stock.restoreItems(ctx, r, fx, items); err != nil {
				return err
			}
			order.StockDeducted = false
		}
		if err := m.coupons.releaseTx(ctx, r, order); err != nil {
			return err
		}
		if target == models.OrderStatusCancelled {
			stampOnce(&order.CancelledAt, now)
		} else {
			stampOnce(&order.RefundedAt, now)
		}
	}

	order.Status = target
	if err := r.Orders().Update(ctx, order); err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	itemStatus := models.ItemStatusFor(target)
	for i := range items {
		item := &items[i]
		if !item.Status.FollowsOrder() {
			continue
		}
		item.Status = itemStatus
		if target == models.OrderStatusDelivered && item.ReviewDeadline == nil {
			deadline := now.Add(m.settings.ReviewWindow)
			item.ReviewDeadline = &deadline
		}
		if err := r.Orders().UpdateItem(ctx, item); err != nil {
			return fmt.Errorf("failed to update order item %d: %w", item.ID, err)
		}
	}

	if err := m.audit(ctx, r, models.EntityOrder, order.ID, "status_changed",
		string(from), string(target), actor, note, nil); err != nil {
		return err
	}

	orderID := order.ID
	fx.add(func(ctx context.Context) {
		util.OrderTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
		m.logger.Info("Order status changed",
			zap.Int64("order_id", orderID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.String("actor", string(actor.Kind)))
	})
	m.notifyOrderChanged(fx, order, from, note)
	return nil
}

func stampOnce(field **time.Time, now time.Time) {
	if *field == nil {
		t := now
		*field = &t
	}
}

// BulkTransition applies Transition to each order in its own unit of work
func (m *OrderMachine) BulkTransition(ctx context.Context, orderIDs []int64, target models.OrderStatus, actor models.Actor, note string) BulkResult {
	var result BulkResult
	for _, id := range orderIDs {
		_, err := m.Transition(ctx, id, target, actor, note)
		result.record(id, err)
	}
	return result
}

// TransitionItem moves one item through its own return/exchange flow
func (m *OrderMachine) TransitionItem(ctx context.Context, orderID, itemID int64, target models.ItemStatus, actor models.Actor, note string) (*models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "OrderMachine.TransitionItem",
		attribute.Int64("order_id", orderID),
		attribute.Int64("item_id", itemID))

	var updated *models.OrderItem
	err := m.inTx(ctx, func(r store.Repos, fx *effects) error {
		order, err := r.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return notFoundAs(err, "order", orderID)
		}
		items, err := r.Orders().ListItems(ctx, order.ID)
		if err != nil {
			return err
		}

		var item *models.OrderItem
		for i := range items {
			if items[i].ID == itemID {
				item = &items[i]
				break
			}
		}
		if item == nil {
			return apperr.NotFound("order item", itemID)
		}

		from := item.Status
		if !from.CanTransitionTo(target) {
			return apperr.InvalidTransition("order item", string(from), string(target))
		}
		item.Status = target
		if err := r.Orders().UpdateItem(ctx, item); err != nil {
			return err
		}
		if err := m.audit(ctx, r, models.EntityOrder, order.ID, "item_status_changed",
			string(from), string(target), actor, note, map[string]int64{"item_id": itemID}); err != nil {
			return err
		}
		updated = item
		return nil
	})

	util.EndSpan(span, err)
	return updated, err
}

// UpdateShipping records carrier and tracking number. The address snapshot never changes.
func (m *OrderMachine) UpdateShipping(ctx context.Context, orderID int64, carrier, tracking string, actor models.Actor) (*models.Order, error) {
	carrier, tracking = strings.TrimSpace(carrier), strings.TrimSpace(tracking)
	if carrier == "" || tracking == "" {
		return nil, apperr.Validation("carrier and tracking number are required")
	}

	var order *models.Order
	err := m.inTx(ctx, func(r store.Repos, fx *effects) error {
		o, err := r.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return notFoundAs(err, "order", orderID)
		}
		switch o.Status {
		case models.OrderStatusConfirmed, models.OrderStatusProcessing, models.OrderStatusShipped:
		default:
			return apperr.InvalidTransitionReason("order", string(o.Status), string(o.Status),
				"shipping details can only change between confirmation and delivery")
		}

		o.Carrier = carrier
		o.TrackingNumber = tracking
		if err := r.Orders().Update(ctx, o); err != nil {
			return err
		}
		if err := m.audit(ctx, r, models.EntityOrder, o.ID, "shipping_updated", "", "", actor, "",
			map[string]string{"carrier": carrier, "tracking_number": tracking}); err != nil {
			return err
		}
		order = o
		return nil
	})
	return order, err
}

// Get returns the order with its items and payment attempts
func (m *OrderMachine) Get(ctx context.Context, orderID int64) (*OrderDetails, error) {
	var details *OrderDetails
	err := m.inTx(ctx, func(r store.Repos, fx *effects) error {
		order, err := r.Orders().GetByID(ctx, orderID)
		if err != nil {
			return notFoundAs(err, "order", orderID)
		}
		items, err := r.Orders().ListItems(ctx, orderID)
		if err != nil {
			return err
		}
		payments, err := r.Payments().ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		details = &OrderDetails{Order: *order, Items: items, Payments: payments}
		return nil
	})
	return details, err
}

// History returns the audit trail of the order and its payment attempts, oldest first
func (m *OrderMachine) History(ctx context.Context, orderID int64) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := m.inTx(ctx, func(r store.Repos, fx *effects) error {
		if _, err := r.Orders().GetByID(ctx, orderID); err != nil {
			return notFoundAs(err, "order", orderID)
		}
		orderEvents, err := r.Audit().List(ctx, models.EntityOrder, orderID)
		if err != nil {
			return err
		}
		events = append(events, orderEvents...)

		payments, err := r.Payments().ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, p := range payments {
			paymentEvents, err := r.Audit().List(ctx, models.EntityPayment, p.ID)
			if err != nil {
				return err
			}
			events = append(events, paymentEvents...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events, nil
}
