package service

import (
	"context"

	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// Bulk actions accepted by Admin.BulkAction.
const (
	BulkConfirm = "confirm"
	BulkProcess = "process"
	BulkShip    = "ship"
	BulkDeliver = "deliver"
	BulkCancel  = "cancel"
)

var bulkTargets = map[string]models.OrderStatus{
	BulkConfirm: models.OrderStatusConfirmed,
	BulkProcess: models.OrderStatusProcessing,
	BulkShip:    models.OrderStatusShipped,
	BulkDeliver: models.OrderStatusDelivered,
}

// Admin maps operator commands onto the core operations.
// Every command reports per-order success and failure.
type Admin struct {
	*base
	orders   *OrderMachine
	payments *PaymentManager
	refunds  *RefundCoordinator
	stock    *StockLedger
}

func single(orderID int64, err error) BulkResult {
	var result BulkResult
	result.record(orderID, err)
	return result
}

// UpdateStatus moves an order. Cancelling a pending or confirmed order goes through the refund
// coordinator, which also cancels in-flight attempts. Closing an order that holds captured funds
// goes through a full refund
func (a *Admin) UpdateStatus(ctx context.Context, orderID int64, status string, note string, actor models.Actor) (BulkResult, error) {
	target, err := models.ParseOrderStatus(status)
	if err != nil {
		return BulkResult{}, err
	}
	return single(orderID, a.updateStatus(ctx, orderID, target, note, actor)), nil
}

func (a *Admin) updateStatus(ctx context.Context, orderID int64, target models.OrderStatus, note string, actor models.Actor) error {
	if target == models.OrderStatusCancelled || target == models.OrderStatusRefunded {
		order, err := a.order(ctx, orderID)
		if err != nil {
			return err
		}
		if target == models.OrderStatusCancelled && checkCancellable(order) == nil {
			_, err := a.refunds.Cancel(ctx, orderID, note, actor)
			return err
		}
		if order.PaymentStatus.HoldsFunds() {
			if !order.Status.CanTransitionTo(target) {
				return apperr.InvalidTransition("order", string(order.Status), string(target))
			}
			_, err := a.refunds.Refund(ctx, RefundRequest{OrderID: orderID, Reason: note, Actor: actor})
			return err
		}
	}
	_, err := a.orders.Transition(ctx, orderID, target, actor, note)
	return err
}

// UpdatePaymentStatus maps a requested payment status onto the payment operation that produces it
func (a *Admin) UpdatePaymentStatus(ctx context.Context, orderID int64, status string, note string, actor models.Actor) (BulkResult, error) {
	target, err := models.ParsePaymentStatus(status)
	if err != nil {
		return BulkResult{}, err
	}

	switch target {
	case models.PaymentStatusPaid, models.PaymentStatusFailed, models.PaymentStatusCancelled, models.PaymentStatusRefunded:
	default:
		return BulkResult{}, apperr.Validation("payment status %q cannot be set directly", status)
	}

	return single(orderID, a.updatePaymentStatus(ctx, orderID, target, note, actor)), nil
}

func (a *Admin) updatePaymentStatus(ctx context.Context, orderID int64, target models.PaymentStatus, note string, actor models.Actor) error {
	if target == models.PaymentStatusRefunded {
		_, err := a.refunds.Refund(ctx, RefundRequest{OrderID: orderID, Reason: note, Actor: actor})
		return err
	}

	txn, err := a.latest(ctx, orderID, func(t *models.PaymentTransaction) bool {
		switch target {
		case models.PaymentStatusCancelled:
			return t.Status.InFlight() || t.Status == models.TxStatusCompleted
		default:
			return t.Status.InFlight()
		}
	})
	if err != nil {
		return err
	}
	if txn == nil {
		return apperr.InvalidTransitionReason("payment", "none", string(target), "order has no payment attempt in a matching state")
	}

	switch target {
	case models.PaymentStatusPaid:
		_, err = a.payments.Approve(ctx, txn.ID, "", actor)
	case models.PaymentStatusFailed:
		_, err = a.payments.Fail(ctx, txn.ID, note, actor)
	case models.PaymentStatusCancelled:
		_, err = a.payments.Cancel(ctx, txn.ID, note, actor)
	}
	return err
}

// UpdateShipping records carrier and tracking number
func (a *Admin) UpdateShipping(ctx context.Context, orderID int64, carrier, tracking string, actor models.Actor) BulkResult {
	_, err := a.orders.UpdateShipping(ctx, orderID, carrier, tracking, actor)
	return single(orderID, err)
}

// Cancel cancels an order, refunding it first when it was paid
func (a *Admin) Cancel(ctx context.Context, orderID int64, reason string, actor models.Actor) BulkResult {
	_, err := a.refunds.Cancel(ctx, orderID, reason, actor)
	return single(orderID, err)
}

// Refund refunds part or all of an order's captured payment
func (a *Admin) Refund(ctx context.Context, req RefundRequest) (*RefundResult, BulkResult) {
	result, err := a.refunds.Refund(ctx, req)
	return result, single(req.OrderID, err)
}

// BulkAction applies one action to many orders, each in its own unit of work
func (a *Admin) BulkAction(ctx context.Context, action string, orderIDs []int64, note string, actor models.Actor) (BulkResult, error) {
	if len(orderIDs) == 0 {
		return BulkResult{}, apperr.Validation("no orders selected")
	}

	if action == BulkCancel {
		var result BulkResult
		for _, id := range orderIDs {
			_, err := a.refunds.Cancel(ctx, id, note, actor)
			result.record(id, err)
		}
		a.logBulk(action, result)
		return result, nil
	}

	target, ok := bulkTargets[action]
	if !ok {
		return BulkResult{}, apperr.Validation("unknown bulk action %q", action)
	}
	result := a.orders.BulkTransition(ctx, orderIDs, target, actor, note)
	a.logBulk(action, result)
	return result, nil
}

func (a *Admin) logBulk(action string, result BulkResult) {
	a.logger.Info("Bulk action completed",
		zap.String("action", action),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
}

// AdjustStock applies a manual stock correction
func (a *Admin) AdjustStock(ctx context.Context, productID int64, delta int, reason string, actor models.Actor) (*models.Product, error) {
	return a.stock.Adjust(ctx, productID, delta, reason, actor)
}

func (a *Admin) order(ctx context.Context, orderID int64) (*models.Order, error) {
	var order *models.Order
	err := a.inTx(ctx, func(r store.Repos, fx *effects) error {
		var err error
		order, err = r.Orders().GetByID(ctx, orderID)
		return notFoundAs(err, "order", orderID)
	})
	return order, err
}

func (a *Admin) latest(ctx context.Context, orderID int64, keep func(t *models.PaymentTransaction) bool) (*models.PaymentTransaction, error) {
	var txn *models.PaymentTransaction
	err := a.inTx(ctx, func(r store.Repos, fx *effects) error {
		if _, err := r.Orders().GetByID(ctx, orderID); err != nil {
			return notFoundAs(err, "order", orderID)
		}
		var err error
		txn, err = latestTx(ctx, r, orderID, keep)
		return err
	})
	return txn, err
}
