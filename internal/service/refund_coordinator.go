package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
)

// RefundRequest selects what to refund. A zero TransactionID means the newest
// completed attempt; a zero Amount means everything still refundable.
type RefundRequest struct {
	OrderID       int64
	TransactionID int64
	Amount        decimal.Decimal
	Reason        string
	Actor         models.Actor
}

// RefundResult is the state after a refund was applied.
type RefundResult struct {
	Transaction models.PaymentTransaction `json:"transaction"`
	Order       models.Order              `json:"order"`
	Amount      decimal.Decimal           `json:"amount"`
	Full        bool                      `json:"full"`
}

// RefundCoordinator returns captured money and unwinds the order when nothing is left.
type RefundCoordinator struct {
	*base
	orders   *OrderMachine
	payments *PaymentManager
}

// Refund reserves the amount, refunds it at the gateway and then applies the result
func (c *RefundCoordinator) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "RefundCoordinator.Refund", attribute.Int64("order_id", req.OrderID))

	result, err := c.refund(ctx, req)
	if err != nil {
		util.RefundsFailedTotal.Inc()
	}
	util.EndSpan(span, err)
	return result, err
}

func (c *RefundCoordinator) refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.Amount.IsNegative() {
		return nil, apperr.Validation("refund amount must not be negative")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "refund requested"
	}

	var txn *models.PaymentTransaction
	var amount decimal.Decimal
	err := c.inTx(ctx, func(r store.Repos, fx *effects) error {
		if _, err := r.Orders().GetByID(ctx, req.OrderID); err != nil {
			return notFoundAs(err, "order", req.OrderID)
		}

		txnID := req.TransactionID
		if txnID == 0 {
			latest, err := latestTx(ctx, r, req.OrderID, func(t *models.PaymentTransaction) bool {
				return t.Status == models.TxStatusCompleted
			})
			if err != nil {
				return err
			}
			if latest == nil {
				return apperr.InvalidRefundState("order %d has no completed payment", req.OrderID)
			}
			txnID = latest.ID
		}

		cur, err := r.Payments().GetForUpdate(ctx, txnID)
		if err != nil {
			return notFoundAs(err, "payment", txnID)
		}
		if cur.OrderID != req.OrderID {
			return apperr.NotFound("payment", txnID)
		}
		if cur.Status != models.TxStatusCompleted {
			return apperr.InvalidRefundState("payment %s is %s, only completed payments can be refunded",
				cur.TransactionID, cur.Status)
		}
		if cur.GatewayTxID == nil {
			return apperr.InvalidRefundState("payment %s has no gateway reference", cur.TransactionID)
		}

		refundable := cur.RefundableAmount()
		amount = req.Amount
		if amount.IsZero() {
			amount = refundable
		}
		if !refundable.IsPositive() {
			return apperr.InvalidRefundState("payment %s has nothing left to refund", cur.TransactionID)
		}
		if amount.GreaterThan(refundable) {
			return apperr.InvalidRefundState("refund %s exceeds the refundable amount %s",
				amount.String(), refundable.String())
		}

		cur.PendingRefundAmount = cur.PendingRefundAmount.Add(amount)
		if err := r.Payments().Update(ctx, cur); err != nil {
			return fmt.Errorf("failed to reserve refund: %w", err)
		}
		if err := c.audit(ctx, r, models.EntityPayment, cur.ID, "refund_reserved", "", "", req.Actor, reason,
			map[string]string{"amount": amount.String()}); err != nil {
			return err
		}
		txn = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, gwErr := c.payments.gatewayRefund(ctx, txn, amount)
	if gwErr != nil {
		if err := c.payments.releaseReservation(ctx, txn.ID, amount); err != nil {
			c.logger.Error("Failed to release refund reservation",
				zap.String("transaction_id", txn.TransactionID),
				zap.String("amount", amount.String()),
				zap.Error(err))
		}
		return nil, apperr.Gateway("refund", gwErr)
	}

	var result *RefundResult
	err = c.inTx(ctx, func(r store.Repos, fx *effects) error {
		cur, err := r.Payments().GetForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		now := c.now()
		cur.PendingRefundAmount = cur.PendingRefundAmount.Sub(amount)
		cur.RefundAmount = cur.RefundAmount.Add(amount)
		cur.RefundReason = reason
		cur.GatewayRefundID = res.GatewayRefundID
		full := cur.RefundAmount.Equal(cur.Amount)
		from := cur.Status
		if full {
			cur.Status = models.TxStatusRefunded
			cur.RefundedAt = &now
		}
		if err := r.Payments().Update(ctx, cur); err != nil {
			return err
		}

		order, err := r.Orders().GetForUpdate(ctx, cur.OrderID)
		if err != nil {
			return err
		}
		if full {
			order.PaymentStatus = models.PaymentStatusRefunded
			if err := c.unwindTx(ctx, r, fx, order, req.Actor, reason); err != nil {
				return err
			}
		} else {
			order.PaymentStatus = models.PaymentStatusPartiallyRefunded
			if err := r.Orders().Update(ctx, order); err != nil {
				return err
			}
		}

		action := "partially_refunded"
		if full {
			action = "refunded"
		}
		if err := c.audit(ctx, r, models.EntityPayment, cur.ID, action, string(from), string(cur.Status), req.Actor, reason,
			map[string]string{"amount": amount.String(), "gateway_refund_id": res.GatewayRefundID}); err != nil {
			return err
		}

		event := &models.PaymentRefundedEvent{
			BaseEvent:     newBaseEvent(models.EventTypePaymentRefunded),
			OrderID:       order.ID,
			TransactionID: cur.TransactionID,
			Amount:        amount,
			TotalRefunded: cur.RefundAmount,
			Full:          full,
			Reason:        reason,
		}
		c.notify(fx, event.EventType, func(ctx context.Context, n Notifier) error {
			return n.PublishPaymentRefunded(ctx, event)
		})
		fx.add(func(ctx context.Context) {
			kind := "partial"
			if full {
				kind = "full"
			}
			util.RefundsTotal.WithLabelValues(kind).Inc()
		})

		result = &RefundResult{Transaction: *cur, Order: *order, Amount: amount, Full: full}
		return nil
	})
	if err != nil {
		util.OrdersNeedingAttention.WithLabelValues("refund_not_recorded").Inc()
		c.logger.Error("Gateway refunded but the result was not recorded",
			zap.String("transaction_id", txn.TransactionID),
			zap.String("gateway_refund_id", res.GatewayRefundID),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, err
	}

	c.logger.Info("Refund applied",
		zap.Int64("order_id", result.Order.ID),
		zap.String("transaction_id", result.Transaction.TransactionID),
		zap.String("amount", amount.String()),
		zap.Bool("full", result.Full))
	return result, nil
}

// unwindTx closes a fully refunded order: delivered orders become refunded, open ones cancelled.
func (c *RefundCoordinator) unwindTx(ctx context.Context, r store.Repos, fx *effects, order *models.Order, actor models.Actor, note string) error {
	target := models.OrderStatusCancelled
	if order.Status == models.OrderStatusDelivered {
		target = models.OrderStatusRefunded
	}
	if !order.Status.CanTransitionTo(target) {
		return r.Orders().Update(ctx, order)
	}
	return c.orders.transitionTx(ctx, r, fx, order, target, actor, note, transitionOpts{fundsSettled: true})
}

// Cancel cancels a pending or confirmed order. A paid order is refunded in full instead
func (c *RefundCoordinator) Cancel(ctx context.Context, orderID int64, reason string, actor models.Actor) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "RefundCoordinator.Cancel", attribute.Int64("order_id", orderID))

	order, err := c.cancel(ctx, orderID, reason, actor)
	util.EndSpan(span, err)
	return order, err
}

func (c *RefundCoordinator) cancel(ctx context.Context, orderID int64, reason string, actor models.Actor) (*models.Order, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	var order *models.Order
	delegate := false
	err := c.inTx(ctx, func(r store.Repos, fx *effects) error {
		current, err := r.Orders().GetByID(ctx, orderID)
		if err != nil {
			return notFoundAs(err, "order", orderID)
		}
		if err := checkCancellable(current); err != nil {
			return err
		}
		if current.PaymentStatus.HoldsFunds() {
			delegate = true
			return nil
		}

		txns, err := r.Payments().ListByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		for _, t := range txns {
			if !t.Status.InFlight() {
				continue
			}
			locked, err := r.Payments().GetForUpdate(ctx, t.ID)
			if err != nil {
				return err
			}
			if !locked.Status.InFlight() {
				continue
			}
			if err := c.payments.cancelInFlightTx(ctx, r, locked, reason, actor); err != nil {
				return err
			}
		}

		o, err := r.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if err := checkCancellable(o); err != nil {
			return err
		}
		if o.PaymentStatus.HoldsFunds() {
			return apperr.Conflict("order was paid while cancelling, try again", nil)
		}
		if o.PaymentStatus == models.PaymentStatusPending || o.PaymentStatus == models.PaymentStatusFailed {
			o.PaymentStatus = models.PaymentStatusCancelled
		}
		if err := c.orders.transitionTx(ctx, r, fx, o, models.OrderStatusCancelled, actor, reason, transitionOpts{}); err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !delegate {
		return order, nil
	}

	result, err := c.refund(ctx, RefundRequest{OrderID: orderID, Reason: reason, Actor: actor})
	if err != nil {
		return nil, err
	}
	return &result.Order, nil
}

func checkCancellable(order *models.Order) error {
	if order.Status != models.OrderStatusPending && order.Status != models.OrderStatusConfirmed {
		return apperr.InvalidTransitionReason("order", string(order.Status), string(models.OrderStatusCancelled),
			"only pending or confirmed orders can be cancelled")
	}
	return nil
}
